package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPersister struct {
	err   error
	saves int
}

func (f *flakyPersister) Save(*Cache) error {
	if f.err != nil {
		return f.err
	}
	f.saves++
	return nil
}

type countingPersister struct{ saves int }

func (c *countingPersister) Save(*Cache) error {
	c.saves++
	return nil
}

type harness struct {
	s     *Session
	pipe  *pipe
	alice *keys.KeyPair
	bob   *keys.KeyPair

	views    []View
	statuses []string
}

func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()
	alice, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	h := &harness{pipe: newPipe(), alice: alice, bob: bob}
	log, _ := test.NewNullLogger()
	cfg := Config{
		UserID:     "alice",
		PrivateKey: alice.Private,
		Directory:  directory{"alice": alice.Public, "bob": bob.Public},
		Log:        log,
		Handlers: Handlers{
			Message: func(v View) { h.views = append(h.views, v) },
			Status:  func(id, st string) { h.statuses = append(h.statuses, id+"="+st) },
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	h.s, err = New(h.pipe, cfg)
	require.NoError(t, err)
	return h
}

// fromBob builds a message bob sent to alice.
func (h *harness) fromBob(t *testing.T, id, text, status string) wire.Message {
	t.Helper()
	encS, encR, err := keys.EncryptMessage(text, h.bob.Public, h.alice.Public)
	require.NoError(t, err)
	return wire.Message{ID: id, Sender: "bob", Receiver: "alice", EncSender: encS, EncReceiver: encR, Status: status, CreatedAt: time.Now().UTC()}
}

func (h *harness) handle(t *testing.T, event string, payload any) error {
	t.Helper()
	return h.s.HandleEnvelope(context.Background(), mustEnv(t, event, payload))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(newPipe(), Config{Directory: directory{}})
	assert.Error(t, err)
	_, err = New(newPipe(), Config{UserID: "alice"})
	assert.Error(t, err)
}

func TestReceiveStoresAcknowledgesAndDecrypts(t *testing.T) {
	persist := &countingPersister{}
	h := newHarness(t, func(c *Config) { c.Persist = persist })

	m := h.fromBob(t, "m1", "hello alice", "delivered")
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, m))

	ack := h.pipe.sent(t)
	assert.Equal(t, wire.EventMessageStoredLocally, ack.Event)
	assert.Equal(t, "m1", decodeString(t, ack))
	h.pipe.quiet(t) // chat not open: no seen

	require.Len(t, h.views, 1)
	assert.Equal(t, "hello alice", h.views[0].Text)
	assert.False(t, h.views[0].Failed)
	assert.Equal(t, 1, h.s.Cache().Len())
	assert.Equal(t, 1, persist.saves)

	// redelivery after a lost ack: acked again, rendered once
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, m))
	assert.Equal(t, wire.EventMessageStoredLocally, h.pipe.sent(t).Event)
	assert.Len(t, h.views, 1)
	assert.Equal(t, 1, persist.saves)
}

func TestOwnEchoUsesSenderCopy(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.s.Send(context.Background(), "bob", "hi bob"))
	out := h.pipe.sent(t)
	require.Equal(t, wire.EventSendMessage, out.Event)
	var sm wire.SendMessage
	require.NoError(t, out.Decode(&sm))
	assert.Equal(t, "bob", sm.ReceiverID)

	// bob can read his copy, alice hers
	pt, err := keys.DecryptWith(sm.EncReceiver, h.bob.Private)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(pt))

	echo := wire.Message{ID: "m1", Sender: "alice", Receiver: "bob", EncSender: sm.EncSender, EncReceiver: sm.EncReceiver, Status: "sent", CreatedAt: time.Now()}
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, echo))
	h.pipe.quiet(t) // the sender never acknowledges
	require.Len(t, h.views, 1)
	assert.Equal(t, "hi bob", h.views[0].Text)
}

func TestSendRejectsEmptyAndUnknownPeer(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.s.Send(context.Background(), "bob", "   "))
	assert.Error(t, h.s.Send(context.Background(), "carol", "hi"))
	h.pipe.quiet(t)
}

func TestSendEndsTypingBurst(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Keystroke("bob")
	assert.Equal(t, wire.EventTyping, h.pipe.sent(t).Event)
	require.NoError(t, h.s.Send(context.Background(), "bob", "done typing"))
	assert.Equal(t, wire.EventStopTyping, h.pipe.sent(t).Event)
	assert.Equal(t, wire.EventSendMessage, h.pipe.sent(t).Event)
}

func TestDecryptionErrorRendersPlaceholder(t *testing.T) {
	h := newHarness(t, nil)
	m := h.fromBob(t, "m1", "secret", "delivered")
	m.EncReceiver[len(m.EncReceiver)-1] ^= 0xff

	require.NoError(t, h.handle(t, wire.EventReceiveMessage, m))
	assert.Equal(t, wire.EventMessageStoredLocally, h.pipe.sent(t).Event)
	require.Len(t, h.views, 1)
	assert.True(t, h.views[0].Failed)
	assert.Equal(t, keys.DecryptionPlaceholder, h.views[0].Text)
}

func TestPersistFailureWithholdsAck(t *testing.T) {
	boom := errors.New("disk full")
	persist := &flakyPersister{err: boom}
	h := newHarness(t, func(c *Config) { c.Persist = persist })

	m := h.fromBob(t, "m1", "x", "delivered")
	err := h.handle(t, wire.EventReceiveMessage, m)
	assert.ErrorIs(t, err, boom)
	h.pipe.quiet(t)
	assert.Empty(t, h.views)

	// the relay redelivers on reconnect; the pending save is retried first
	persist.err = nil
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, m))
	assert.Equal(t, 1, persist.saves)
	assert.Equal(t, wire.EventMessageStoredLocally, h.pipe.sent(t).Event)
}

func TestMessageNotForUsRejected(t *testing.T) {
	h := newHarness(t, nil)
	m := h.fromBob(t, "m1", "x", "sent")
	m.Receiver = "carol"
	assert.Error(t, h.handle(t, wire.EventReceiveMessage, m))
	assert.Equal(t, 0, h.s.Cache().Len())
}

func TestOpenChatMarksSeen(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, h.handle(t, wire.EventReceiveMessage, h.fromBob(t, id, "text "+id, "delivered")))
		h.pipe.sent(t)
	}
	h.s.Cache().SetStatus("m1", "seen")

	views, err := h.s.OpenChat(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "text m1", views[0].Text)
	assert.Equal(t, "text m2", views[1].Text)
	assert.Equal(t, "bob", h.s.ActiveChat())

	seen := h.pipe.sent(t)
	assert.Equal(t, wire.EventMessageSeen, seen.Event)
	assert.Equal(t, "m2", decodeString(t, seen))
	h.pipe.quiet(t)

	// live message into the open chat
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, h.fromBob(t, "m3", "live", "delivered")))
	assert.Equal(t, wire.EventMessageStoredLocally, h.pipe.sent(t).Event)
	seen = h.pipe.sent(t)
	assert.Equal(t, wire.EventMessageSeen, seen.Event)
	assert.Equal(t, "m3", decodeString(t, seen))

	h.s.CloseChat()
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, h.fromBob(t, "m4", "later", "delivered")))
	assert.Equal(t, wire.EventMessageStoredLocally, h.pipe.sent(t).Event)
	h.pipe.quiet(t)

	// reopening reports only what was not read before
	_, err = h.s.OpenChat(context.Background(), "bob")
	require.NoError(t, err)
	seen = h.pipe.sent(t)
	assert.Equal(t, "m4", decodeString(t, seen))
	h.pipe.quiet(t)
	m3, ok := h.s.Cache().Get("m3")
	require.True(t, ok)
	assert.Equal(t, "seen", m3.Status)
}

func TestOpenChatStaleLoad(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 50; i++ {
		require.NoError(t, h.handle(t, wire.EventReceiveMessage, h.fromBob(t, "m"+string(rune('A'+i)), "x", "seen")))
		h.pipe.sent(t)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.s.OpenChat(context.Background(), "bob")
		done <- err
	}()
	h.s.CloseChat()
	// either the load finished first or it noticed the switch
	if err := <-done; err != nil {
		assert.ErrorIs(t, err, ErrChatChanged)
		assert.Equal(t, "", h.s.ActiveChat())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.s.OpenChat(ctx, "bob")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusUpdatesForwardOnly(t *testing.T) {
	persist := &countingPersister{}
	h := newHarness(t, func(c *Config) { c.Persist = persist })
	require.NoError(t, h.s.Send(context.Background(), "bob", "hi"))
	var sm wire.SendMessage
	require.NoError(t, h.pipe.sent(t).Decode(&sm))
	require.NoError(t, h.handle(t, wire.EventReceiveMessage, wire.Message{ID: "m1", Sender: "alice", Receiver: "bob", EncSender: sm.EncSender, EncReceiver: sm.EncReceiver, Status: "sent", CreatedAt: time.Now()}))

	require.NoError(t, h.handle(t, wire.EventUpdateStatus, wire.StatusUpdate{MessageID: "m1", Status: "delivered"}))
	require.NoError(t, h.handle(t, wire.EventUpdateStatus, wire.StatusUpdate{MessageID: "m1", Status: "delivered"}))
	require.NoError(t, h.handle(t, wire.EventUpdateStatus, wire.StatusUpdate{MessageID: "m1", Status: "sent"}))
	require.NoError(t, h.handle(t, wire.EventUpdateStatus, wire.StatusUpdate{MessageID: "m1", Status: "seen"}))
	require.NoError(t, h.handle(t, wire.EventUpdateStatus, wire.StatusUpdate{MessageID: "unknown", Status: "seen"}))

	assert.Equal(t, []string{"m1=delivered", "m1=seen"}, h.statuses)
	assert.Equal(t, 3, persist.saves)
}

func TestPresenceTypingAndErrors(t *testing.T) {
	var (
		online []string
		typing []string
		errs   []wire.Error
	)
	h := newHarness(t, func(c *Config) {
		c.Handlers.Presence = func(ids []string) { online = ids }
		c.Handlers.Typing = func(peer string, on bool) {
			if on {
				typing = append(typing, "+"+peer)
			} else {
				typing = append(typing, "-"+peer)
			}
		}
		c.Handlers.Error = func(e wire.Error) { errs = append(errs, e) }
	})

	require.NoError(t, h.s.HandleEnvelope(context.Background(), wire.OnlineUsers([]string{"alice", "bob"})))
	assert.Equal(t, []string{"alice", "bob"}, online)
	assert.True(t, h.s.Online("bob"))
	require.NoError(t, h.s.HandleEnvelope(context.Background(), wire.OnlineUsers(nil)))
	assert.False(t, h.s.Online("bob"))

	require.NoError(t, h.s.HandleEnvelope(context.Background(), wire.UserTyping("bob", false)))
	require.NoError(t, h.s.HandleEnvelope(context.Background(), wire.UserTyping("bob", true)))
	assert.Equal(t, []string{"+bob", "-bob"}, typing)

	require.NoError(t, h.s.HandleEnvelope(context.Background(), wire.Failure(wire.CodeRateLimited, wire.EventSendMessage, "slow down")))
	require.Len(t, errs, 1)
	assert.Equal(t, wire.CodeRateLimited, errs[0].Code)

	assert.NoError(t, h.s.HandleEnvelope(context.Background(), wire.Envelope{Event: "something-new"}))
	assert.Error(t, h.s.HandleEnvelope(context.Background(), wire.Envelope{Event: wire.EventOnlineUsers, Data: []byte(`{`)}))
}

func TestRunStopsOnContextAndCleansUp(t *testing.T) {
	factory := &fakeFactory{}
	h := newHarness(t, func(c *Config) { c.Peers = factory })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	h.pipe.in <- wire.Incoming("bob", wire.RawJSON(`{"type":"offer","sdp":"v=0"}`), "audio")
	assert.Eventually(t, func() bool {
		st, _ := h.s.Call().State()
		return st == CallRinging
	}, time.Second, 5*time.Millisecond)
	h.s.Keystroke("bob")
	assert.Equal(t, wire.EventTyping, h.pipe.sent(t).Event)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, h.pipe.isClosed())
	st, _ := h.s.Call().State()
	assert.Equal(t, CallIdle, st)
}
