package session

import (
	"context"
	"errors"
	"sync"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("session: connection closed")
	// ErrSlowConsumer is returned when a connection's send queue is full.
	// The connection is closed as a result.
	ErrSlowConsumer = errors.New("session: send queue full")
)

// Transport moves envelopes over one client connection. Recv is only called
// from one goroutine and Send only from another; Close may be called from
// anywhere and must unblock both.
type Transport interface {
	Recv(ctx context.Context) (wire.Envelope, error)
	Send(env wire.Envelope) error
	Close() error
}

// Conn is one authenticated client connection. It implements
// presence.Handle.
type Conn struct {
	id     string
	userID string
	t      Transport
	sendCh chan wire.Envelope
	done   chan struct{}
	once   sync.Once
	log    *logrus.Entry
}

func newConn(userID string, t Transport, buffer int, log *logrus.Entry) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		t:      t,
		sendCh: make(chan wire.Envelope, buffer),
		done:   make(chan struct{}),
		log:    log.WithFields(logrus.Fields{"user": userID, "conn": id}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// Send queues env without blocking.
func (c *Conn) Send(env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- env:
		return nil
	default:
		c.log.Warn("send queue full, closing connection")
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Deliver queues env, waiting while the queue is full. It gives up when the
// connection closes or ctx is done.
func (c *Conn) Deliver(ctx context.Context, env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.t.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop drains the send queue onto the transport until the connection
// closes or a write fails.
func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.sendCh:
			if err := c.t.Send(env); err != nil {
				c.log.WithError(err).Debug("write failed")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
