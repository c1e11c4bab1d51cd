package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// pipe is an in-memory session.Transport. Frames the session sends land in
// out; tests push server frames with deliver.
type pipe struct {
	in     chan wire.Envelope
	out    chan wire.Envelope
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipe {
	return &pipe{in: make(chan wire.Envelope, 16), out: make(chan wire.Envelope, 64), closed: make(chan struct{})}
}

func (p *pipe) Recv(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return wire.Envelope{}, session.ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (p *pipe) Send(env wire.Envelope) error {
	select {
	case <-p.closed:
		return session.ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	default:
		return session.ErrSlowConsumer
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// sent returns the next frame the session wrote.
func (p *pipe) sent(t *testing.T) wire.Envelope {
	t.Helper()
	select {
	case env := <-p.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return wire.Envelope{}
	}
}

func (p *pipe) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-p.out:
		t.Fatalf("unexpected frame %s %s", env.Event, env.Data)
	case <-time.After(20 * time.Millisecond):
	}
}

func mustEnv(t *testing.T, event string, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func decodeString(t *testing.T, env wire.Envelope) string {
	t.Helper()
	var s string
	require.NoError(t, env.Decode(&s))
	return s
}

type directory map[string]keys.PublicKey

func (d directory) PublicKey(_ context.Context, id string) (keys.PublicKey, error) {
	pub, ok := d[id]
	if !ok {
		return keys.PublicKey{}, errors.New("unknown user")
	}
	return pub, nil
}

type fakePeer struct {
	mu         sync.Mutex
	kind       string
	remote     wire.RawJSON
	candidates []wire.RawJSON
	answerErr  error
	closes     atomic.Int32
	hooks      PeerHooks
}

func (p *fakePeer) CreateOffer() (wire.RawJSON, error) {
	return wire.RawJSON(`{"type":"offer","sdp":"v=0 fake offer"}`), nil
}

func (p *fakePeer) Accept(offer wire.RawJSON) (wire.RawJSON, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = offer
	return wire.RawJSON(`{"type":"answer","sdp":"v=0 fake answer"}`), nil
}

func (p *fakePeer) SetAnswer(answer wire.RawJSON) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return p.answerErr
	}
	p.remote = answer
	return nil
}

func (p *fakePeer) AddCandidate(c wire.RawJSON) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.closes.Add(1)
	return nil
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = string(c)
	}
	return out
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	answerErr error
}

func (f *fakeFactory) NewPeer(kind string, _ Media, hooks PeerHooks) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{kind: kind, hooks: hooks, answerErr: f.answerErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.peers)
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type fakeMedia struct {
	stops atomic.Int32
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Stop() { m.stops.Add(1) }

type fakeSource struct {
	mu     sync.Mutex
	opened []*fakeMedia
}

func (s *fakeSource) Open(string) (Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &fakeMedia{}
	s.opened = append(s.opened, m)
	return m, nil
}

func (s *fakeSource) last(t *testing.T) *fakeMedia {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.opened)
	return s.opened[len(s.opened)-1]
}

func candidateJSON(n int) wire.RawJSON {
	b, _ := json.Marshal(map[string]any{"candidate": "candidate:" + string(rune('0'+n)) + " 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0})
	return b
}
