// Package signaling relays WebRTC offer/answer/ICE messages between two
// users and enforces one call at a time per user.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// DefaultRingTimeout ends calls nobody answers.
const DefaultRingTimeout = 45 * time.Second

// ErrNotPaired is returned when an answer arrives for a call that does not
// exist (ended, timed out, or never placed).
var ErrNotPaired = errors.New("signaling: no such call")

// SignalingError reports a malformed offer, answer or candidate. The call
// attempt it belongs to has already been terminated when it is returned.
type SignalingError struct {
	Op   string
	User string
	Err  error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s from %s: %v", e.Op, e.User, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Notifier delivers envelopes to connected users.
type Notifier interface {
	IsOnline(userID string) bool
	SendTo(userID string, env wire.Envelope) error
}

// Session describes one active or ringing call.
type Session struct {
	Caller   string
	Callee   string
	Kind     string
	Answered bool
	Started  time.Time
}

type leg struct {
	peer string
	call *call
}

type call struct {
	id       uint64
	caller   string
	callee   string
	kind     string
	answered bool
	started  time.Time
	timer    *time.Timer
}

// Coordinator owns the pairing map. Both legs of a call are written and
// cleared under one lock, so pairing is always symmetric.
type Coordinator struct {
	mu          sync.Mutex
	legs        map[string]*leg
	seq         uint64
	notify      Notifier
	ringTimeout time.Duration
	log         *logrus.Entry
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRingTimeout sets how long a call may ring. Zero disables the timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.ringTimeout = d }
}

// NewCoordinator returns a Coordinator that sends through n.
func NewCoordinator(n Notifier, log *logrus.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Coordinator{
		legs:        make(map[string]*leg),
		notify:      n,
		ringTimeout: DefaultRingTimeout,
		log:         log.WithField("component", "signaling"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallUser places a call from caller to callee. An offline callee yields
// user-offline and a busy party yields call-busy to the caller, with no
// pairing created in either case.
func (c *Coordinator) CallUser(caller, callee string, offer wire.RawJSON, kind string) error {
	if err := checkDescription(offer, "offer"); err != nil {
		return c.reject("call-user", caller, callee, err)
	}
	if caller == callee {
		return c.reject("call-user", caller, callee, errors.New("cannot call yourself"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fields := logrus.Fields{"caller": caller, "callee": callee}
	if !c.notify.IsOnline(callee) {
		c.send(caller, wire.Notice(wire.EventUserOffline, callee))
		c.log.WithFields(fields).Debug("callee offline")
		return nil
	}
	if c.legs[caller] != nil || c.legs[callee] != nil {
		c.send(caller, wire.Notice(wire.EventCallBusy, callee))
		c.log.WithFields(fields).Debug("busy")
		return nil
	}

	c.seq++
	cl := &call{id: c.seq, caller: caller, callee: callee, kind: kind, started: c.now()}
	c.legs[caller] = &leg{peer: callee, call: cl}
	c.legs[callee] = &leg{peer: caller, call: cl}
	if c.ringTimeout > 0 {
		id := cl.id
		cl.timer = time.AfterFunc(c.ringTimeout, func() { c.expire(caller, id) })
	}

	if err := c.notify.SendTo(callee, wire.Incoming(caller, offer, kind)); err != nil {
		c.clearLocked(cl)
		c.send(caller, wire.Notice(wire.EventUserOffline, callee))
		c.log.WithError(err).WithFields(fields).Debug("callee went away while ringing")
		return nil
	}
	c.log.WithFields(fields).Info("call ringing")
	return nil
}

// AnswerCall forwards callee's answer to caller when the two are paired.
func (c *Coordinator) AnswerCall(callee, caller string, answer wire.RawJSON) error {
	if err := checkDescription(answer, "answer"); err != nil {
		return c.reject("answer-call", callee, caller, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.legs[callee]
	if l == nil || l.peer != caller || l.call.callee != callee {
		c.log.WithFields(logrus.Fields{"caller": caller, "callee": callee}).Debug("answer without a ringing call")
		return ErrNotPaired
	}
	l.call.answered = true
	if l.call.timer != nil {
		l.call.timer.Stop()
	}
	c.send(caller, wire.Answered(callee, answer))
	c.log.WithFields(logrus.Fields{"caller": caller, "callee": callee}).Info("call answered")
	return nil
}

// ICECandidate forwards a candidate without consulting call state.
func (c *Coordinator) ICECandidate(from, to string, candidate wire.RawJSON) error {
	if err := checkCandidate(candidate); err != nil {
		return c.reject("ice-candidate", from, to, err)
	}
	if err := c.notify.SendTo(to, wire.Candidate(from, candidate)); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"from": from, "to": to}).Debug("candidate dropped")
	}
	return nil
}

// EndCall hangs up user's call, telling the partner with call-ended. No-op
// when user is not in a call.
func (c *Coordinator) EndCall(user string) {
	c.hangUp(user, wire.EventCallEnded)
}

// RejectCall declines a ringing call, telling the partner with
// call-rejected-by-user.
func (c *Coordinator) RejectCall(user string) {
	c.hangUp(user, wire.EventCallRejectedByUser)
}

// Disconnect is EndCall on behalf of a user whose connection closed.
func (c *Coordinator) Disconnect(user string) {
	c.hangUp(user, wire.EventCallEnded)
}

// PartnerOf returns the user's current call partner.
func (c *Coordinator) PartnerOf(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.legs[user]
	if l == nil {
		return "", false
	}
	return l.peer, true
}

// Sessions lists current calls ordered by start time.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[uint64]bool)
	var out []Session
	for _, l := range c.legs {
		cl := l.call
		if seen[cl.id] {
			continue
		}
		seen[cl.id] = true
		out = append(out, Session{Caller: cl.caller, Callee: cl.callee, Kind: cl.kind, Answered: cl.answered, Started: cl.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (c *Coordinator) hangUp(user, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.legs[user]
	if l == nil {
		return
	}
	c.clearLocked(l.call)
	c.send(l.peer, wire.Notice(event, user))
	c.log.WithFields(logrus.Fields{"user": user, "peer": l.peer, "event": event}).Info("call ended")
}

// reject ends the attempt a malformed signal from user to target belongs
// to and returns the error. The pairing is torn down only when target is
// user's current partner; a call with anyone else is left running and only
// user hears about the failed attempt.
func (c *Coordinator) reject(op, user, target string, err error) error {
	serr := &SignalingError{Op: op, User: user, Err: err}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.legs[user]; l != nil && l.peer == target {
		c.clearLocked(l.call)
		c.send(l.peer, wire.Notice(wire.EventCallEnded, user))
	}
	c.send(user, wire.Notice(wire.EventCallEnded, target))
	c.log.WithError(serr).WithField("target", target).Warn("call attempt terminated")
	return serr
}

func (c *Coordinator) expire(caller string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.legs[caller]
	if l == nil || l.call.id != id || l.call.answered {
		return
	}
	cl := l.call
	c.clearLocked(cl)
	c.send(cl.caller, wire.Notice(wire.EventCallEnded, cl.callee))
	c.send(cl.callee, wire.Notice(wire.EventCallEnded, cl.caller))
	c.log.WithFields(logrus.Fields{"caller": cl.caller, "callee": cl.callee}).Info("call unanswered")
}

func (c *Coordinator) clearLocked(cl *call) {
	if cl.timer != nil {
		cl.timer.Stop()
	}
	if l := c.legs[cl.caller]; l != nil && l.call == cl {
		delete(c.legs, cl.caller)
	}
	if l := c.legs[cl.callee]; l != nil && l.call == cl {
		delete(c.legs, cl.callee)
	}
}

func (c *Coordinator) send(user string, env wire.Envelope) {
	if err := c.notify.SendTo(user, env); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"to": user, "event": env.Event}).Debug("signal not delivered")
	}
}

type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func checkDescription(raw wire.RawJSON, want string) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing %s", want)
	}
	var d description
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("%s is not a session description: %w", want, err)
	}
	if d.Type != want {
		return fmt.Errorf("expected %s description, got %q", want, d.Type)
	}
	if d.SDP == "" {
		return fmt.Errorf("%s has empty sdp", want)
	}
	return nil
}

func checkCandidate(raw wire.RawJSON) error {
	if len(raw) == 0 {
		return errors.New("missing candidate")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("candidate is not an object: %w", err)
	}
	v, ok := fields["candidate"]
	if !ok {
		return errors.New("candidate field missing")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return fmt.Errorf("candidate field is not a string: %w", err)
	}
	return nil
}
