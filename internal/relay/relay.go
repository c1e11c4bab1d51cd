// Package relay accepts encrypted messages, routes them to online receivers
// or holds them in a transit store, and drives the sent -> delivered -> seen
// status machine.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// Presence is the part of the presence registry the relay needs. SendTo is
// used for live traffic and must not block; DeliverTo waits for the
// receiver's writer and is used for the offline flush.
type Presence interface {
	IsOnline(userID string) bool
	SendTo(userID string, env wire.Envelope) error
	DeliverTo(ctx context.Context, userID string, env wire.Envelope) error
}

// Relay is safe for concurrent use. Ordering within one sender's stream is
// preserved as long as the caller invokes Submit sequentially per
// connection.
type Relay struct {
	store    Store
	presence Presence
	log      *logrus.Entry
	now      func() time.Time
}

// New returns a Relay over store and presence.
func New(store Store, presence Presence, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		store:    store,
		presence: presence,
		log:      log.WithField("component", "relay"),
		now:      time.Now,
	}
}

// Submit records a message and routes it. The status starts at delivered
// when the receiver is online and sent otherwise. The row is persisted in
// both cases so it survives until the receiver confirms local storage. The
// sender always receives the stored record as its confirmed copy.
func (r *Relay) Submit(ctx context.Context, senderID, receiverID string, encForSender, encForReceiver []byte) (*Message, error) {
	online := r.presence.IsOnline(receiverID)
	m := &Message{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		EncSender:   encForSender,
		EncReceiver: encForReceiver,
		Status:      StatusSent,
		CreatedAt:   r.now().UTC(),
	}
	if online {
		m.Status = StatusDelivered
	}

	if err := r.store.Save(ctx, m); err != nil {
		derr := &DeliveryError{Op: "submit", Err: err}
		r.log.WithError(err).WithFields(logrus.Fields{"sender": senderID, "receiver": receiverID}).Error("failed to store message")
		return nil, derr
	}

	fields := logrus.Fields{"message": m.ID, "sender": senderID, "receiver": receiverID, "status": m.Status}

	// The receiver may have connected between the check and the save. Its
	// flush may or may not have seen this row, so it is sent again and can
	// arrive twice; clients drop a repeated id (see client.Cache.Add).
	if online || r.presence.IsOnline(receiverID) {
		r.send(receiverID, wire.ReceiveMessage(m.Wire()), fields)
	}
	if senderID != receiverID {
		r.send(senderID, wire.ReceiveMessage(m.Wire()), fields)
	}

	r.log.WithFields(fields).Debug("message submitted")
	return m, nil
}

// OnConnect flushes the receiver's pending transit rows, oldest first, and
// returns how many were sent. Each row waits for room in the receiver's
// send queue, so a backlog larger than the queue is paced by the writer.
func (r *Relay) OnConnect(ctx context.Context, userID string) (int, error) {
	pending, err := r.store.Pending(ctx, userID)
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Error("failed to load pending messages")
		return 0, &DeliveryError{Op: "flush", Err: err}
	}
	n := 0
	for _, m := range pending {
		if err := r.presence.DeliverTo(ctx, userID, wire.ReceiveMessage(m.Wire())); err != nil {
			// The connection went away mid-flush; the rest stay in transit.
			r.log.WithError(err).WithFields(logrus.Fields{"user": userID, "message": m.ID}).Debug("flush interrupted")
			break
		}
		n++
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{"user": userID, "count": n}).Info("flushed pending messages")
	}
	return n, nil
}

// AcknowledgeStoredLocally is sent by the receiver once it has cached the
// message. The status moves to delivered, the sender is told if that was a
// change, and the transit row is purged. Repeating the call is harmless.
func (r *Relay) AcknowledgeStoredLocally(ctx context.Context, actorID, messageID string) error {
	if _, err := r.advance(ctx, "ack", actorID, messageID, StatusDelivered); err != nil {
		return err
	}
	if _, err := r.store.Purge(ctx, messageID); err != nil {
		r.log.WithError(err).WithField("message", messageID).Error("failed to purge transit row")
		return &DeliveryError{Op: "purge", MessageID: messageID, Err: err}
	}
	return nil
}

// AcknowledgeSeen marks the message seen and notifies the sender on change.
func (r *Relay) AcknowledgeSeen(ctx context.Context, actorID, messageID string) error {
	_, err := r.advance(ctx, "seen", actorID, messageID, StatusSeen)
	return err
}

// History returns transit rows between userID and peerID visible to userID.
func (r *Relay) History(ctx context.Context, userID, peerID, beforeID string, limit int) ([]*Message, error) {
	msgs, err := r.store.History(ctx, userID, peerID, beforeID, limit)
	if err != nil {
		return nil, &DeliveryError{Op: "history", Err: err}
	}
	return msgs, nil
}

func (r *Relay) advance(ctx context.Context, op, actorID, messageID string, to Status) (Receipt, error) {
	fields := logrus.Fields{"op": op, "message": messageID, "actor": actorID}

	rc, err := r.store.Receipt(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		rc, err = r.restoreReceipt(ctx, messageID)
	}
	if errors.Is(err, ErrNotFound) {
		r.log.WithFields(fields).Debug("acknowledge for unknown message")
		return Receipt{}, err
	}
	if err != nil {
		r.log.WithError(err).WithFields(fields).Error("failed to load receipt")
		return Receipt{}, &DeliveryError{Op: op, MessageID: messageID, Err: err}
	}
	if rc.ReceiverID != actorID {
		r.log.WithFields(fields).Warn("acknowledge from non-receiver ignored")
		return Receipt{}, ErrNotReceiver
	}

	rc, changed, err := r.store.Advance(ctx, messageID, to)
	if err != nil {
		r.log.WithError(err).WithFields(fields).Error("failed to advance status")
		return Receipt{}, &DeliveryError{Op: op, MessageID: messageID, Err: err}
	}
	if changed {
		r.send(rc.SenderID, wire.UpdateStatus(messageID, string(rc.Status)), fields)
	}
	return rc, nil
}

// restoreReceipt rebuilds an expired receipt from its transit row, so a
// receiver that stayed offline past the receipt TTL can still acknowledge.
func (r *Relay) restoreReceipt(ctx context.Context, messageID string) (Receipt, error) {
	m, err := r.store.Get(ctx, messageID)
	if err != nil {
		return Receipt{}, err
	}
	if err := r.store.RestoreReceipt(ctx, m); err != nil {
		return Receipt{}, err
	}
	r.log.WithField("message", messageID).Info("receipt restored from transit row")
	return r.store.Receipt(ctx, messageID)
}

func (r *Relay) send(userID string, env wire.Envelope, fields logrus.Fields) {
	if err := r.presence.SendTo(userID, env); err != nil {
		r.log.WithError(err).WithFields(fields).WithField("to", userID).Debug("not delivered live")
	}
}
