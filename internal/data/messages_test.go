package data

import (
	"context"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestMessagesTransitLifecycle(t *testing.T) {
	c := setupDB(t)
	store := NewMessagesStore(c.MessagesCollection(), c.ReceiptsCollection())
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 3; i++ {
		m := &relay.Message{
			SenderID:    "alice",
			ReceiverID:  "bob",
			EncSender:   []byte{byte(i)},
			EncReceiver: []byte{byte(i + 10)},
			Status:      relay.StatusSent,
			CreatedAt:   at, // same instant: order falls back to _id
		}
		require.NoError(t, store.Save(ctx, m))
		ids = append(ids, m.ID)
	}

	pending, err := store.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, m := range pending {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, []byte{byte(i + 10)}, m.EncReceiver)
	}

	rc, changed, err := store.Advance(ctx, ids[0], relay.StatusDelivered)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, relay.StatusDelivered, rc.Status)

	_, changed, err = store.Advance(ctx, ids[0], relay.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	removed, err := store.Purge(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Purge(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = store.Get(ctx, ids[0])
	assert.ErrorIs(t, err, relay.ErrNotFound)

	// the receipt outlives the row
	rc, changed, err = store.Advance(ctx, ids[0], relay.StatusSeen)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "alice", rc.SenderID)

	// never backwards
	rc, changed, err = store.Advance(ctx, ids[0], relay.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, relay.StatusSeen, rc.Status)

	_, err = store.Receipt(ctx, "000000000000000000000000")
	assert.ErrorIs(t, err, relay.ErrNotFound)

	// a receipt lost to its TTL is rebuilt from the row
	row, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	oid, err := bson.ObjectIDFromHex(ids[1])
	require.NoError(t, err)
	_, err = c.ReceiptsCollection().DeleteOne(ctx, bson.M{"_id": oid})
	require.NoError(t, err)
	require.NoError(t, store.RestoreReceipt(ctx, row))
	rc, err = store.Receipt(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "bob", rc.ReceiverID)
	assert.Equal(t, relay.StatusSent, rc.Status)

	_, _, err = store.Advance(ctx, ids[1], relay.StatusSeen)
	require.NoError(t, err)
	require.NoError(t, store.RestoreReceipt(ctx, row))
	rc, err = store.Receipt(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, relay.StatusSeen, rc.Status)
}

func TestMessagesHistory(t *testing.T) {
	c := setupDB(t)
	store := NewMessagesStore(c.MessagesCollection(), c.ReceiptsCollection())
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	pairs := [][2]string{{"a", "b"}, {"b", "a"}, {"a", "c"}, {"a", "b"}}
	var ids []string
	for i, p := range pairs {
		m := &relay.Message{SenderID: p[0], ReceiverID: p[1], EncSender: []byte{1}, EncReceiver: []byte{1}, Status: relay.StatusSent, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.Save(ctx, m))
		ids = append(ids, m.ID)
	}

	all, err := store.History(ctx, "a", "b", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[0], ids[1], ids[3]}, []string{all[0].ID, all[1].ID, all[2].ID})

	page, err := store.History(ctx, "b", "a", ids[3], 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
}
