package relay

import (
	"fmt"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
)

// Status is a message's delivery state. It only ever moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Rank orders statuses; unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// Before reports whether s precedes o.
func (s Status) Before(o Status) bool { return s.Rank() < o.Rank() }

// ParseStatus converts a stored value back to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Message is a transit record. The server only ever sees the two
// ciphertexts.
type Message struct {
	ID          string
	SenderID    string
	ReceiverID  string
	EncSender   []byte
	EncReceiver []byte
	Status      Status
	CreatedAt   time.Time
}

// Wire converts m to its receive_message payload.
func (m *Message) Wire() wire.Message {
	return wire.Message{
		ID:          m.ID,
		Sender:      m.SenderID,
		Receiver:    m.ReceiverID,
		EncSender:   m.EncSender,
		EncReceiver: m.EncReceiver,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
}

// Receipt is the delivery metadata of a message. It outlives the transit
// row so a message can still be marked seen after it was purged.
type Receipt struct {
	MessageID  string
	SenderID   string
	ReceiverID string
	Status     Status
	UpdatedAt  time.Time
}
