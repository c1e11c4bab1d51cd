// Package session joins client transports to the presence, relay and
// signaling core. Each connection gets a reader that dispatches events one at
// a time and a writer that drains a bounded send queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/middleware"
	"github.com/PaulBabatuyi/securechat/internal/presence"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/PaulBabatuyi/securechat/internal/signaling"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// Presence is what the hub needs from the presence registry.
type Presence interface {
	MarkOnline(userID string, h presence.Handle)
	Holds(userID, connID string) bool
	Release(userID, connID string) bool
	SendTo(userID string, env wire.Envelope) error
}

// Relay is what the hub needs from the message relay.
type Relay interface {
	Submit(ctx context.Context, senderID, receiverID string, encForSender, encForReceiver []byte) (*relay.Message, error)
	OnConnect(ctx context.Context, userID string) (int, error)
	AcknowledgeStoredLocally(ctx context.Context, actorID, messageID string) error
	AcknowledgeSeen(ctx context.Context, actorID, messageID string) error
}

// Signaling is what the hub needs from the call coordinator.
type Signaling interface {
	CallUser(caller, callee string, offer wire.RawJSON, kind string) error
	AnswerCall(callee, caller string, answer wire.RawJSON) error
	ICECandidate(from, to string, candidate wire.RawJSON) error
	EndCall(user string)
	RejectCall(user string)
	Disconnect(user string)
}

// Config tunes per-connection behaviour.
type Config struct {
	SendBuffer   int
	EventTimeout time.Duration
}

// DefaultConfig returns the defaults used by the relay process.
func DefaultConfig() Config {
	return Config{SendBuffer: 256, EventTimeout: 10 * time.Second}
}

// Hub owns all live connections.
type Hub struct {
	presence Presence
	relay    Relay
	calls    Signaling
	limiter  *middleware.LimiterStore
	cfg      Config
	log      *logrus.Entry

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewHub wires the core together. limiter may be nil to disable per-user
// event rate limiting.
func NewHub(p Presence, r Relay, s Signaling, limiter *middleware.LimiterStore, cfg Config, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	return &Hub{
		presence: p,
		relay:    r,
		calls:    s,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.WithField("component", "session"),
		conns:    make(map[string]*Conn),
	}
}

// Serve runs the connection for an authenticated user until the transport
// fails, the client disconnects or ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, userID string, t Transport) error {
	c := newConn(userID, t, h.cfg.SendBuffer, h.log)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.wg.Add(1)
	defer h.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	c.log.Info("connected")
	h.presence.MarkOnline(userID, c)

	// the flush runs beside the reader so acks for early rows are consumed
	// while later rows wait on the writer
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		h.flush(ctx, c)
	}()

	err := h.readLoop(ctx, c)

	_ = c.Close()
	<-flushed
	<-writerDone
	h.disconnect(c)

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.log.WithError(err).Info("disconnected")
	return err
}

// Shutdown closes every live connection and waits for their cleanup.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of live connections.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// flush delivers the user's pending rows. It is bounded by the connection,
// not EventTimeout, since a large backlog drains at the client's pace.
func (h *Hub) flush(ctx context.Context, c *Conn) {
	if _, err := h.relay.OnConnect(ctx, c.userID); err != nil {
		_ = c.Send(wire.Failure(wire.CodeInternal, "", "pending messages unavailable"))
	}
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) error {
	for {
		env, err := c.t.Recv(ctx)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		h.dispatch(ctx, c, env)
	}
}

// disconnect ends any call before giving up the presence entry. Both steps
// are skipped when a newer connection for the same user has taken over.
func (h *Hub) disconnect(c *Conn) {
	if !h.presence.Holds(c.userID, c.id) {
		return
	}
	h.calls.Disconnect(c.userID)
	h.presence.Release(c.userID, c.id)
}

// dispatch handles one inbound event. A panic or error is contained to the
// event that caused it.
func (h *Hub) dispatch(ctx context.Context, c *Conn, env wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.WithFields(logrus.Fields{"event": env.Event, "panic": rec, "stack": string(debug.Stack())}).Error("handler panic")
			_ = c.Send(wire.Failure(wire.CodeInternal, env.Event, "internal error"))
		}
	}()

	if h.limiter != nil && !h.limiter.Allow(c.userID) {
		_ = c.Send(wire.Failure(wire.CodeRateLimited, env.Event, "rate limit exceeded"))
		return
	}

	in, err := wire.ParseInbound(env)
	if err != nil {
		code := wire.CodeInvalidPayload
		if errors.Is(err, wire.ErrUnknownEvent) {
			code = wire.CodeUnknownEvent
		}
		c.log.WithError(err).Debug("rejected event")
		_ = c.Send(wire.Failure(code, env.Event, err.Error()))
		return
	}

	ectx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
	defer cancel()

	if err := h.handle(ectx, c, in); err != nil {
		h.report(c, env.Event, err)
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, in wire.Inbound) error {
	user := c.userID
	switch p := in.(type) {
	case *wire.SendMessage:
		_, err := h.relay.Submit(ctx, user, p.ReceiverID, p.EncSender, p.EncReceiver)
		return err
	case *wire.StoredLocally:
		return h.relay.AcknowledgeStoredLocally(ctx, user, p.MessageID)
	case *wire.Seen:
		return h.relay.AcknowledgeSeen(ctx, user, p.MessageID)
	case *wire.Typing:
		// ephemeral; dropped when the peer is offline
		_ = h.presence.SendTo(p.PeerID, wire.UserTyping(user, p.Stopped))
		return nil
	case *wire.CallUser:
		return h.calls.CallUser(user, p.To, p.Offer, p.Type)
	case *wire.AnswerCall:
		return h.calls.AnswerCall(user, p.To, p.Answer)
	case *wire.ICECandidate:
		return h.calls.ICECandidate(user, p.To, p.Candidate)
	case *wire.EndCall:
		if p.Rejected {
			h.calls.RejectCall(user)
		} else {
			h.calls.EndCall(user)
		}
		return nil
	}
	return fmt.Errorf("unhandled event %T", in)
}

// report turns a handler error into a client-visible error frame where the
// client can act on it. Acknowledgements for unknown or foreign messages are
// dropped quietly.
func (h *Hub) report(c *Conn, event string, err error) {
	var (
		derr *relay.DeliveryError
		serr *signaling.SignalingError
	)
	switch {
	case errors.Is(err, relay.ErrNotFound), errors.Is(err, relay.ErrNotReceiver), errors.Is(err, signaling.ErrNotPaired):
		c.log.WithError(err).WithField("event", event).Debug("ignored")
	case errors.As(err, &derr):
		_ = c.Send(wire.Failure(wire.CodeInternal, event, "message could not be stored"))
	case errors.As(err, &serr):
		_ = c.Send(wire.Failure(wire.CodeInvalidPayload, event, serr.Err.Error()))
	default:
		c.log.WithError(err).WithField("event", event).Error("event failed")
		_ = c.Send(wire.Failure(wire.CodeInternal, event, "internal error"))
	}
}
