package data

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/relay"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore is the MongoDB transit store. It implements relay.Store.
type MessagesStore struct {
	// coll is the "messages" collection: ciphertexts awaiting local storage
	coll *mongo.Collection
	// receipts keeps delivery metadata after the transit row is purged
	receipts *mongo.Collection
}

var _ relay.Store = (*MessagesStore)(nil)

// NewMessagesStore returns a MessagesStore over the transit and receipts
// collections.
func NewMessagesStore(coll, receipts *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll, receipts: receipts}
}

// Save inserts the transit row and its receipt. ObjectIDs are assigned here
// so the id order matches the insertion order within this process.
func (m *MessagesStore) Save(ctx context.Context, msg *relay.Message) error {
	oid := bson.NewObjectID()
	if msg.ID != "" {
		parsed, err := bson.ObjectIDFromHex(msg.ID)
		if err != nil {
			return err
		}
		oid = parsed
	}

	doc := messageDoc{
		ID:          oid,
		Sender:      msg.SenderID,
		Receiver:    msg.ReceiverID,
		EncSender:   msg.EncSender,
		EncReceiver: msg.EncReceiver,
		Status:      string(msg.Status),
		CreatedAt:   msg.CreatedAt,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return err
	}

	rc := receiptDoc{
		ID:        oid,
		Sender:    msg.SenderID,
		Receiver:  msg.ReceiverID,
		Status:    string(msg.Status),
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := m.receipts.InsertOne(ctx, rc); err != nil {
		// without a receipt the row could never be acknowledged
		_, _ = m.coll.DeleteOne(ctx, bson.M{"_id": oid})
		return err
	}

	msg.ID = oid.Hex()
	return nil
}

// Get returns the transit row.
func (m *MessagesStore) Get(ctx context.Context, id string) (*relay.Message, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, relay.ErrNotFound
	}
	var doc messageDoc
	if err := m.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	return doc.toMessage()
}

// Pending returns rows still awaiting the receiver, oldest first.
func (m *MessagesStore) Pending(ctx context.Context, receiverID string) ([]*relay.Message, error) {
	filter := bson.M{
		"receiver": receiverID,
		"status":   bson.M{"$in": bson.A{string(relay.StatusSent), string(relay.StatusDelivered)}},
	}
	// created_at then _id: rows from the same millisecond keep insert order
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return m.find(ctx, filter, opts)
}

// Receipt returns the delivery metadata for id.
func (m *MessagesStore) Receipt(ctx context.Context, id string) (relay.Receipt, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return relay.Receipt{}, relay.ErrNotFound
	}
	var doc receiptDoc
	if err := m.receipts.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return relay.Receipt{}, relay.ErrNotFound
		}
		return relay.Receipt{}, err
	}
	return doc.toReceipt()
}

// RestoreReceipt upserts a receipt for m. $setOnInsert keeps a receipt that
// reappeared concurrently untouched.
func (m *MessagesStore) RestoreReceipt(ctx context.Context, msg *relay.Message) error {
	oid, err := bson.ObjectIDFromHex(msg.ID)
	if err != nil {
		return relay.ErrNotFound
	}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "sender", Value: msg.SenderID},
		{Key: "receiver", Value: msg.ReceiverID},
		{Key: "status", Value: string(msg.Status)},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	_, err = m.receipts.UpdateOne(ctx, bson.M{"_id": oid}, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Advance moves the receipt (and the transit row, if still present) forward
// to `to`. The status filter makes the update conditional, so concurrent
// acknowledgements can never move a message backwards.
func (m *MessagesStore) Advance(ctx context.Context, id string, to relay.Status) (relay.Receipt, bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return relay.Receipt{}, false, relay.ErrNotFound
	}
	earlier := earlierThan(to)
	if len(earlier) == 0 {
		rc, err := m.Receipt(ctx, id)
		return rc, false, err
	}

	filter := bson.M{"_id": oid, "status": bson.M{"$in": earlier}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(to)},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := m.receipts.UpdateOne(ctx, filter, update)
	if err != nil {
		return relay.Receipt{}, false, err
	}
	changed := res.ModifiedCount > 0

	if changed {
		rowFilter := bson.M{"_id": oid, "status": bson.M{"$in": earlier}}
		rowUpdate := bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(to)}}}}
		if _, err := m.coll.UpdateOne(ctx, rowFilter, rowUpdate); err != nil {
			return relay.Receipt{}, false, err
		}
	}

	rc, err := m.Receipt(ctx, id)
	if err != nil {
		return relay.Receipt{}, false, err
	}
	return rc, changed, nil
}

// Purge deletes the transit row; the receipt stays until its TTL.
func (m *MessagesStore) Purge(ctx context.Context, id string) (bool, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// History returns the most recent transit rows between two users, oldest
// first. beforeID pages backwards.
func (m *MessagesStore) History(ctx context.Context, userA, userB, beforeID string, limit int) ([]*relay.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": userA, "receiver": userB},
			bson.M{"sender": userB, "receiver": userA},
		},
	}
	if beforeID != "" {
		if oid, err := bson.ObjectIDFromHex(beforeID); err == nil {
			filter["_id"] = bson.M{"$lt": oid}
		}
	}

	// newest first so the limit keeps the latest page, reversed below
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	msgs, err := m.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (m *MessagesStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*relay.Message, error) {
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*relay.Message, 0, len(docs))
	for i := range docs {
		msg, err := docs[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func earlierThan(to relay.Status) bson.A {
	var out bson.A
	for _, s := range []relay.Status{relay.StatusSent, relay.StatusDelivered, relay.StatusSeen} {
		if s.Before(to) {
			out = append(out, string(s))
		}
	}
	return out
}
