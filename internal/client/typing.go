package client

import (
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
)

// DefaultTypingQuiet is how long after the last keystroke stop_typing is
// sent.
const DefaultTypingQuiet = time.Second

// Typing debounces typing indicators per peer: typing goes out on the first
// keystroke of a burst, stop_typing once the input has been quiet.
type Typing struct {
	quiet time.Duration
	send  func(event string, payload any) error

	mu     sync.Mutex
	bursts map[string]*burst
	closed bool
}

type burst struct {
	timer *time.Timer
	seq   uint64
}

// NewTyping returns a debouncer that emits through send.
func NewTyping(quiet time.Duration, send func(event string, payload any) error) *Typing {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &Typing{quiet: quiet, send: send, bursts: make(map[string]*burst)}
}

// Keystroke records input in the chat with peerID.
func (t *Typing) Keystroke(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	b := t.bursts[peerID]
	if b == nil {
		b = &burst{}
		t.bursts[peerID] = b
		_ = t.send(wire.EventTyping, peerID)
	} else {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = time.AfterFunc(t.quiet, func() { t.expire(peerID, seq) })
}

// Stop ends a burst early, e.g. when the message is sent.
func (t *Typing) Stop(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(peerID)
}

// Active reports whether a burst towards peerID is open.
func (t *Typing) Active(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bursts[peerID] != nil
}

// Close ends every open burst and disables the debouncer.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.bursts {
		t.stopLocked(peer)
	}
	t.closed = true
}

func (t *Typing) expire(peerID string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// a later keystroke re-armed the burst
	if b := t.bursts[peerID]; b == nil || b.seq != seq {
		return
	}
	t.stopLocked(peerID)
}

func (t *Typing) stopLocked(peerID string) {
	b := t.bursts[peerID]
	if b == nil {
		return
	}
	b.timer.Stop()
	delete(t.bursts, peerID)
	_ = t.send(wire.EventStopTyping, peerID)
}
