package client

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/PaulBabatuyi/securechat/internal/signaling"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// CallState is the local view of the current call.
type CallState int

const (
	CallIdle CallState = iota
	// CallCalling: our offer is out, waiting for an answer.
	CallCalling
	// CallRinging: an offer came in, waiting for the user to accept or
	// decline.
	CallRinging
	CallActive
)

func (s CallState) String() string {
	switch s {
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	}
	return "idle"
}

// Reasons reported with CallIdle besides the wire event names.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonFailed   = "failed"
	ReasonClosed   = "closed"
)

var (
	ErrCallInProgress = errors.New("client: a call is already in progress")
	ErrNoCall         = errors.New("client: no call to act on")
)

// CallEvent reports a state change. Reason is set when the state returns to
// idle: one of the Reason constants or the server event that ended it.
type CallEvent struct {
	State  CallState
	PeerID string
	Kind   string
	Reason string
	Err    error
}

// attempt is one call from ring to teardown. Its resources are released
// exactly once.
type attempt struct {
	peerID string
	kind   string
	offer  wire.RawJSON

	peer      Peer
	media     Media
	remoteSet bool
	pending   []wire.RawJSON

	done atomic.Bool
	once sync.Once
}

// Call drives one user's calls. At most one attempt exists at a time.
type Call struct {
	mu    sync.Mutex
	cur   *attempt
	state CallState

	send   func(event string, payload any) error
	peers  PeerFactory
	source MediaSource
	notify func(CallEvent)
	log    *logrus.Entry
}

func newCall(send func(string, any) error, peers PeerFactory, source MediaSource, notify func(CallEvent), log *logrus.Entry) *Call {
	if notify == nil {
		notify = func(CallEvent) {}
	}
	return &Call{send: send, peers: peers, source: source, notify: notify, log: log}
}

// State returns the current state and partner.
func (c *Call) State() (CallState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return CallIdle, ""
	}
	return c.state, c.cur.peerID
}

// Start calls peerID: local media and a peer connection are created and the
// offer is sent with call-user.
func (c *Call) Start(peerID, kind string) error {
	if kind == "" {
		kind = KindVideo
	}
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	a := &attempt{peerID: peerID, kind: kind}
	c.cur, c.state = a, CallCalling

	offer, err := c.prepare(a, nil)
	if err == nil {
		err = c.send(wire.EventCallUser, wire.CallUser{To: peerID, Offer: offer, Type: kind})
	}
	c.mu.Unlock()

	if err != nil {
		err = &signaling.SignalingError{Op: "call-user", User: peerID, Err: err}
		c.end(a, ReasonFailed, "", err)
		return err
	}
	c.notify(CallEvent{State: CallCalling, PeerID: peerID, Kind: kind})
	return nil
}

// Accept answers the ringing call.
func (c *Call) Accept() error {
	c.mu.Lock()
	a := c.cur
	if a == nil || c.state != CallRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	answer, err := c.prepare(a, a.offer)
	if err == nil {
		err = c.send(wire.EventAnswerCall, wire.AnswerCall{To: a.peerID, Answer: answer})
	}
	if err == nil {
		c.remoteReadyLocked(a)
		c.state = CallActive
	}
	c.mu.Unlock()

	if err != nil {
		err = &signaling.SignalingError{Op: "answer-call", User: a.peerID, Err: err}
		c.end(a, ReasonFailed, wire.EventEndCall, err)
		return err
	}
	c.notify(CallEvent{State: CallActive, PeerID: a.peerID, Kind: a.kind})
	return nil
}

// Decline rejects the ringing call.
func (c *Call) Decline() error {
	c.mu.Lock()
	a := c.cur
	ringing := a != nil && c.state == CallRinging
	c.mu.Unlock()
	if !ringing {
		return ErrNoCall
	}
	c.end(a, ReasonDeclined, wire.EventCallRejected, nil)
	return nil
}

// Hangup ends the current call whatever its state.
func (c *Call) Hangup() error { return c.hangup(ReasonHangup) }

// Close tears down any call. It is called when the session ends.
func (c *Call) Close() { _ = c.hangup(ReasonClosed) }

func (c *Call) hangup(reason string) error {
	c.mu.Lock()
	a, st := c.cur, c.state
	c.mu.Unlock()
	if a == nil {
		return ErrNoCall
	}
	event := wire.EventEndCall
	if st == CallRinging {
		event = wire.EventCallRejected
	}
	c.end(a, reason, event, nil)
	return nil
}

func (c *Call) handleIncoming(in wire.IncomingCall) {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		// the relay pairs before ringing, so this is a stale frame
		c.log.WithField("from", in.From).Warn("incoming call while busy ignored")
		return
	}
	kind := in.Type
	if kind == "" {
		kind = KindVideo
	}
	c.cur = &attempt{peerID: in.From, kind: kind, offer: in.Offer}
	c.state = CallRinging
	c.mu.Unlock()
	c.notify(CallEvent{State: CallRinging, PeerID: in.From, Kind: kind})
}

func (c *Call) handleAnswered(ans wire.CallAnswered) {
	c.mu.Lock()
	a := c.cur
	if a == nil || c.state != CallCalling || a.peerID != ans.From {
		c.mu.Unlock()
		return
	}
	err := a.peer.SetAnswer(ans.Answer)
	if err == nil {
		c.remoteReadyLocked(a)
		c.state = CallActive
	}
	c.mu.Unlock()

	if err != nil {
		c.end(a, ReasonFailed, wire.EventEndCall, &signaling.SignalingError{Op: "call-answered", User: a.peerID, Err: err})
		return
	}
	c.notify(CallEvent{State: CallActive, PeerID: a.peerID, Kind: a.kind})
}

// handleCandidate applies a remote candidate, or buffers it until the
// remote description is in place.
func (c *Call) handleCandidate(f wire.ICEForward) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.cur
	if a == nil || a.peerID != f.From {
		return
	}
	if !a.remoteSet {
		a.pending = append(a.pending, f.Candidate)
		return
	}
	if err := a.peer.AddCandidate(f.Candidate); err != nil {
		c.log.WithError(err).Debug("remote candidate rejected")
	}
}

// handleEnded reacts to call-ended, call-busy, user-offline and
// call-rejected-by-user.
func (c *Call) handleEnded(event string, n wire.CallNotice) {
	c.mu.Lock()
	a := c.cur
	c.mu.Unlock()
	if a == nil || (n.From != "" && n.From != a.peerID) {
		return
	}
	c.end(a, event, "", nil)
}

// prepare opens media and the peer connection for a, then produces our
// offer, or our answer when offer is set. Called with c.mu held.
func (c *Call) prepare(a *attempt, offer wire.RawJSON) (wire.RawJSON, error) {
	if c.peers == nil {
		return nil, errors.New("calls are not available")
	}
	if c.source != nil {
		m, err := c.source.Open(a.kind)
		if err != nil {
			return nil, err
		}
		a.media = m
	}
	p, err := c.peers.NewPeer(a.kind, a.media, PeerHooks{
		OnCandidate: func(cand wire.RawJSON) {
			if a.done.Load() {
				return
			}
			if err := c.send(wire.EventICECandidate, wire.ICECandidate{To: a.peerID, Candidate: cand}); err != nil {
				c.log.WithError(err).Debug("local candidate not sent")
			}
		},
		OnFailed: func() {
			go c.end(a, ReasonFailed, wire.EventEndCall, errors.New("peer connection failed"))
		},
	})
	if err != nil {
		return nil, err
	}
	a.peer = p
	if offer == nil {
		return p.CreateOffer()
	}
	return p.Accept(offer)
}

func (c *Call) remoteReadyLocked(a *attempt) {
	a.remoteSet = true
	for _, cand := range a.pending {
		if err := a.peer.AddCandidate(cand); err != nil {
			c.log.WithError(err).Debug("buffered candidate rejected")
		}
	}
	a.pending = nil
}

// end releases a's media and peer connection once, optionally telling the
// partner with event. Peer and media are closed outside c.mu since their
// close may wait on callbacks that send.
func (c *Call) end(a *attempt, reason, event string, err error) {
	a.once.Do(func() {
		a.done.Store(true)
		c.mu.Lock()
		if c.cur == a {
			c.cur, c.state = nil, CallIdle
		}
		peer, media := a.peer, a.media
		c.mu.Unlock()

		if event != "" {
			if serr := c.send(event, wire.EndCall{To: a.peerID}); serr != nil {
				c.log.WithError(serr).WithField("event", event).Debug("hangup not sent")
			}
		}
		if peer != nil {
			if cerr := peer.Close(); cerr != nil {
				c.log.WithError(cerr).Debug("close peer connection")
			}
		}
		if media != nil {
			media.Stop()
		}
		fields := logrus.Fields{"peer": a.peerID, "reason": reason}
		if err != nil {
			c.log.WithError(err).WithFields(fields).Warn("call ended")
		} else {
			c.log.WithFields(fields).Info("call ended")
		}
		c.notify(CallEvent{State: CallIdle, PeerID: a.peerID, Kind: a.kind, Reason: reason, Err: err})
	})
}
