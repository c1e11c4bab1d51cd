package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, from, to string, at time.Time) wire.Message {
	return wire.Message{ID: id, Sender: from, Receiver: to, EncSender: []byte{1}, EncReceiver: []byte{2}, Status: "sent", CreatedAt: at}
}

func ids(ms []wire.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, ConversationKey("bob", "alice"), ConversationKey("alice", "bob"))
	assert.Equal(t, "alice:bob", ConversationKey("bob", "alice"))
	assert.NotEqual(t, ConversationKey("alice", "bob"), ConversationKey("alice", "carol"))
}

func TestCacheDedupesAndOrders(t *testing.T) {
	c := NewCache()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.True(t, c.Add(msg("2", "alice", "bob", t0.Add(time.Second))))
	assert.True(t, c.Add(msg("1", "bob", "alice", t0)))
	assert.True(t, c.Add(msg("3", "alice", "bob", t0.Add(time.Second))))
	assert.False(t, c.Add(msg("1", "bob", "alice", t0)), "duplicate id")
	assert.False(t, c.Add(wire.Message{Sender: "a", Receiver: "b"}), "no id")
	assert.True(t, c.Add(msg("4", "alice", "carol", t0)))

	assert.Equal(t, []string{"1", "2", "3"}, ids(c.Conversation("alice", "bob")))
	assert.Equal(t, []string{"1", "2", "3"}, ids(c.Conversation("bob", "alice")))
	assert.Equal(t, []string{"4"}, ids(c.Conversation("carol", "alice")))
	assert.Equal(t, 4, c.Len())

	got, ok := c.Get("3")
	require.True(t, ok)
	assert.Equal(t, "alice", got.Sender)
	_, ok = c.Get("nope")
	assert.False(t, ok)
}

func TestCacheStatusOnlyMovesForward(t *testing.T) {
	c := NewCache()
	c.Add(msg("1", "alice", "bob", time.Now()))

	m, changed := c.SetStatus("1", "delivered")
	assert.True(t, changed)
	assert.Equal(t, "delivered", m.Status)

	_, changed = c.SetStatus("1", "sent")
	assert.False(t, changed)
	_, changed = c.SetStatus("1", "delivered")
	assert.False(t, changed)
	_, changed = c.SetStatus("1", "seen")
	assert.True(t, changed)
	_, changed = c.SetStatus("missing", "seen")
	assert.False(t, changed)

	got, _ := c.Get("1")
	assert.Equal(t, "seen", got.Status)
}

func TestConversationReturnsCopy(t *testing.T) {
	c := NewCache()
	c.Add(msg("1", "alice", "bob", time.Now()))
	list := c.Conversation("alice", "bob")
	list[0].Status = "seen"
	got, _ := c.Get("1")
	assert.Equal(t, "sent", got.Status)
}

func TestFileCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cache.bin")
	fc := NewFileCache(path, "alice", "correct horse")

	empty, err := fc.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	c := NewCache()
	at := time.Now().UTC().Truncate(time.Millisecond)
	c.Add(msg("m1", "alice", "bob", at))
	c.Add(msg("m2", "bob", "alice", at.Add(time.Second)))
	c.SetStatus("m1", "delivered")
	require.NoError(t, fc.Save(c))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "alice"), "cache file must be sealed")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewFileCache(path, "alice", "correct horse").Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(loaded.Conversation("alice", "bob")))
	m1, _ := loaded.Get("m1")
	assert.Equal(t, "delivered", m1.Status)
	assert.True(t, at.Equal(m1.CreatedAt))

	_, err = NewFileCache(path, "alice", "wrong").Load()
	assert.ErrorIs(t, err, ErrCacheLocked)
	_, err = NewFileCache(path, "mallory", "correct horse").Load()
	assert.ErrorIs(t, err, ErrCacheLocked)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}
