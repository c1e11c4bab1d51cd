package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string

	mu     sync.Mutex
	sent   []wire.Envelope
	closed bool
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeHandle) Deliver(_ context.Context, env wire.Envelope) error {
	return f.Send(env)
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) lastOnline(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == wire.EventOnlineUsers {
			var ids []string
			require.NoError(t, json.Unmarshal(f.sent[i].Data, &ids))
			return ids
		}
	}
	t.Fatal("no online_users frame")
	return nil
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]time.Time
	err  error
}

func (r *recorder) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]time.Time{}
	}
	r.seen[userID] = at
	return r.err
}

func newRegistry(rec LastSeenRecorder) *Registry {
	logger, _ := test.NewNullLogger()
	return NewRegistry(rec, logger)
}

func TestMarkOnlineBroadcastsToEveryone(t *testing.T) {
	r := newRegistry(nil)
	alice := &fakeHandle{id: "c1"}
	bob := &fakeHandle{id: "c2"}

	r.MarkOnline("alice", alice)
	assert.Equal(t, []string{"alice"}, alice.lastOnline(t))

	r.MarkOnline("bob", bob)
	assert.Equal(t, []string{"alice", "bob"}, alice.lastOnline(t))
	assert.Equal(t, []string{"alice", "bob"}, bob.lastOnline(t))
	assert.True(t, r.IsOnline("bob"))
	assert.Equal(t, []string{"alice", "bob"}, r.ListOnline())
}

func TestLaterHandleReplacesEarlier(t *testing.T) {
	r := newRegistry(nil)
	first := &fakeHandle{id: "c1"}
	second := &fakeHandle{id: "c2"}

	r.MarkOnline("alice", first)
	r.MarkOnline("alice", second)

	assert.True(t, first.closed)
	assert.False(t, second.closed)

	require.NoError(t, r.SendTo("alice", wire.UserTyping("bob", false)))
	assert.Equal(t, wire.EventUserTyping, second.sent[len(second.sent)-1].Event)
}

func TestReleaseIgnoresStaleConnection(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec)
	first := &fakeHandle{id: "c1"}
	second := &fakeHandle{id: "c2"}

	r.MarkOnline("alice", first)
	r.MarkOnline("alice", second)

	assert.False(t, r.Holds("alice", "c1"))
	assert.True(t, r.Holds("alice", "c2"))
	assert.False(t, r.Release("alice", "c1"))
	assert.True(t, r.IsOnline("alice"))
	assert.Empty(t, rec.seen)

	assert.True(t, r.Release("alice", "c2"))
	assert.False(t, r.IsOnline("alice"))
	assert.Contains(t, rec.seen, "alice")
}

func TestMarkOffline(t *testing.T) {
	rec := &recorder{}
	r := newRegistry(rec)
	alice := &fakeHandle{id: "c1"}
	bob := &fakeHandle{id: "c2"}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.MarkOnline("alice", alice)
	r.MarkOnline("bob", bob)
	r.MarkOffline("bob")

	assert.Equal(t, []string{"alice"}, alice.lastOnline(t))
	assert.Equal(t, fixed, rec.seen["bob"])

	// offline user: no broadcast, no stamp
	before := len(alice.sent)
	r.MarkOffline("carol")
	assert.Len(t, alice.sent, before)
	assert.NotContains(t, rec.seen, "carol")
}

func TestLastSeenFailureIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewRegistry(&recorder{err: errors.New("db down")}, logger)

	r.MarkOnline("alice", &fakeHandle{id: "c1"})
	r.MarkOffline("alice")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.False(t, r.IsOnline("alice"))
}

func TestSendToOffline(t *testing.T) {
	r := newRegistry(nil)
	assert.ErrorIs(t, r.SendTo("ghost", wire.OnlineUsers(nil)), ErrOffline)
	assert.ErrorIs(t, r.DeliverTo(context.Background(), "ghost", wire.OnlineUsers(nil)), ErrOffline)
}

func TestDeliverToCurrentHandle(t *testing.T) {
	r := newRegistry(nil)
	first := &fakeHandle{id: "c1"}
	second := &fakeHandle{id: "c2"}
	r.MarkOnline("alice", first)
	r.MarkOnline("alice", second)

	before := len(first.sent)
	require.NoError(t, r.DeliverTo(context.Background(), "alice", wire.OnlineUsers([]string{"x"})))
	assert.Len(t, first.sent, before)
	assert.Equal(t, []string{"x"}, second.lastOnline(t))
}

func TestConcurrentChurn(t *testing.T) {
	r := newRegistry(&recorder{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := []string{"a", "b", "c"}[i%3]
			h := &fakeHandle{id: user + string(rune('0'+i%10))}
			r.MarkOnline(user, h)
			r.Release(user, h.id)
		}(i)
	}
	wg.Wait()

	for _, id := range r.ListOnline() {
		assert.True(t, r.IsOnline(id))
	}
}
