package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// These tests are integration tests and require a running MongoDB instance.
// Set MONGODB_URI in the environment before running them.

func TestNewAndCreateIndexes(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := New(ctx, uri, "securechat_db_test")
	require.NoError(t, err)
	defer func() {
		_ = c.db.Drop(context.Background())
		_ = c.Close(context.Background())
	}()

	require.NoError(t, c.CreateIndexes(ctx, time.Hour, 24*time.Hour))
	// idempotent
	require.NoError(t, c.CreateIndexes(ctx, time.Hour, 24*time.Hour))
	require.NoError(t, c.Ping(ctx))

	assert.EqualValues(t, 3600, expireAfter(t, c.ReceiptsCollection().Indexes()))
	// unacknowledged transit rows expire like the Redis mailbox
	assert.EqualValues(t, 86400, expireAfter(t, c.MessagesCollection().Indexes()))
}

func expireAfter(t *testing.T, iv mongo.IndexView) any {
	t.Helper()
	cur, err := iv.List(context.Background())
	require.NoError(t, err)
	var specs []bson.M
	require.NoError(t, cur.All(context.Background(), &specs))

	var ttl any
	for _, s := range specs {
		if v, ok := s["expireAfterSeconds"]; ok {
			ttl = v
		}
	}
	return ttl
}

func TestNewFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := New(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200", "")
	assert.Error(t, err)
}
