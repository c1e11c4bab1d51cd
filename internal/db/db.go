// Package db manages MongoDB connections and collections.
package db

import (
	"context" // For connection timeout/cancellation
	"fmt"     // Error formatting
	"time"    // Duration for timeouts

	"go.mongodb.org/mongo-driver/v2/bson"           // Index key documents
	"go.mongodb.org/mongo-driver/v2/mongo"          // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options"  // MongoDB options
	"go.mongodb.org/mongo-driver/v2/mongo/readpref" // MongoDB read preference
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "securechat"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db holds the "users", "messages" (transit) and "receipts" collections
	db *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	if database == "" {
		database = DefaultDatabase
	}

	// SetConnectTimeout: fail fast if MongoDB is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	// Connect only builds the client; the ping below is the real check
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database), // created lazily on first write
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// MessagesCollection returns the transit messages collection. Rows are
// purged once the receiver confirms local storage.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// ReceiptsCollection returns the delivery receipts collection.
func (c *Client) ReceiptsCollection() *mongo.Collection {
	return c.db.Collection("receipts")
}

// Ping checks the connection; used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	// ctx can carry a timeout to force shutdown after N seconds
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes every store relies on. receiptTTL
// controls how long receipts survive after their last update, transitTTL how
// long an unacknowledged row waits for its receiver.
func (c *Client) CreateIndexes(ctx context.Context, receiptTTL, transitTTL time.Duration) error {
	// ===== USERS =====
	// unique email (login lookup, duplicate registration)
	// unique username_key (case-insensitive display names)
	usersIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "username_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := c.UsersCollection().Indexes().CreateMany(ctx, usersIndexes); err != nil {
		return fmt.Errorf("failed to create users indexes: %w", err)
	}

	// ===== MESSAGES (transit) =====
	// bson.D keeps key order; a map would make compound indexes random
	messageIndexes := []mongo.IndexModel{
		{
			// Pending(): receiver + status, FIFO by created_at then _id
			Keys: bson.D{
				{Key: "receiver", Value: 1},
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
		{
			// History(): one index per direction of the conversation
			Keys: bson.D{
				{Key: "sender", Value: 1},
				{Key: "receiver", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
	}
	if transitTTL > 0 {
		// TTL: rows nobody acknowledges (unknown receiver, lost device)
		messageIndexes = append(messageIndexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(transitTTL / time.Second)),
		})
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// ===== RECEIPTS =====
	// TTL index: MongoDB removes receipts receiptTTL after updated_at
	receiptIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(receiptTTL / time.Second)),
	}
	if _, err := c.ReceiptsCollection().Indexes().CreateOne(ctx, receiptIndex); err != nil {
		return fmt.Errorf("failed to create receipts index: %w", err)
	}

	return nil
}
