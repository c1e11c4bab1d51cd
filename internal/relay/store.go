package relay

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no transit row or receipt exists for an id.
var ErrNotFound = errors.New("relay: message not found")

// ErrNotReceiver is returned when someone other than the receiver tries to
// acknowledge a message.
var ErrNotReceiver = errors.New("relay: only the receiver may acknowledge")

// Store persists transit messages and their receipts. Implementations must
// be safe for concurrent use.
type Store interface {
	// Save assigns an id when m.ID is empty and records both the transit
	// row and its receipt.
	Save(ctx context.Context, m *Message) error
	// Get returns the transit row or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)
	// Pending returns transit rows addressed to receiverID whose status is
	// sent or delivered, oldest first. Rows created at the same instant
	// keep their save order.
	Pending(ctx context.Context, receiverID string) ([]*Message, error)
	// Receipt returns the delivery metadata or ErrNotFound.
	Receipt(ctx context.Context, id string) (Receipt, error)
	// RestoreReceipt recreates the receipt for a transit row whose receipt
	// has expired, taking the status from the row. An existing receipt is
	// left alone.
	RestoreReceipt(ctx context.Context, m *Message) error
	// Advance moves the status to `to` if that is forward and reports
	// whether anything changed. A backward or equal move is a no-op.
	Advance(ctx context.Context, id string, to Status) (Receipt, bool, error)
	// Purge removes the transit row, keeping the receipt. It reports
	// whether a row was removed.
	Purge(ctx context.Context, id string) (bool, error)
	// History returns up to limit transit rows exchanged between the two
	// users, oldest first, optionally only those older than beforeID.
	History(ctx context.Context, userA, userB, beforeID string, limit int) ([]*Message, error)
}

// DeliveryError wraps a store failure during submit or acknowledge. It is
// logged and never retried; the client's optimistic copy is the recovery
// path.
type DeliveryError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("delivery %s %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("delivery %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
