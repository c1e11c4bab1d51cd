// Package mailbox is a Redis-backed transit store for deployments that keep
// undelivered ciphertexts out of the primary database.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/normalize"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTransitTTL bounds how long an unacknowledged message waits.
	DefaultTransitTTL = 30 * 24 * time.Hour

	// key prefixes
	queuePrefix   = "mailbox:queue:"   // mailbox:queue:{receiver} - FIFO list of message ids
	messagePrefix = "mailbox:msg:"     // mailbox:msg:{id} - message JSON
	receiptPrefix = "mailbox:receipt:" // mailbox:receipt:{id} - hash of delivery metadata
	convPrefix    = "mailbox:conv:"    // mailbox:conv:{a}:{b} - ids scored by creation time
)

// advanceScript moves a receipt forward and mirrors the status into the
// message JSON when it still exists. Returns 1 when changed, 0 when the
// target is not ahead of the current status, -1 when there is no receipt.
var advanceScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
local rank = {sent = 1, delivered = 2, seen = 3}
if (rank[ARGV[1]] or 0) <= (rank[st] or 0) then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
local raw = redis.call('GET', KEYS[2])
if raw then
  local m = cjson.decode(raw)
  m.status = ARGV[1]
  redis.call('SET', KEYS[2], cjson.encode(m), 'KEEPTTL')
end
return 1
`)

// Options configures expiry.
type Options struct {
	TransitTTL time.Duration
	ReceiptTTL time.Duration
}

// Store implements relay.Store on Redis.
type Store struct {
	rdb        *redis.Client
	transitTTL time.Duration
	receiptTTL time.Duration
}

var _ relay.Store = (*Store)(nil)

// New returns a Store. Zero options fall back to the defaults.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.TransitTTL <= 0 {
		opts.TransitTTL = DefaultTransitTTL
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = relay.DefaultReceiptTTL
	}
	return &Store{rdb: rdb, transitTTL: opts.TransitTTL, receiptTTL: opts.ReceiptTTL}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

type record struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	EncSender   []byte    `json:"enc_sender"`
	EncReceiver []byte    `json:"enc_receiver"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *record) message() (*relay.Message, error) {
	st, err := relay.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &relay.Message{
		ID:          r.ID,
		SenderID:    r.Sender,
		ReceiverID:  r.Receiver,
		EncSender:   r.EncSender,
		EncReceiver: r.EncReceiver,
		Status:      st,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func convKey(a, b string) string {
	a, b = normalize.Pair(a, b)
	return convPrefix + a + ":" + b
}

func (s *Store) Save(ctx context.Context, m *relay.Message) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id.String()
	}
	rec := record{
		ID:          m.ID,
		Sender:      m.SenderID,
		Receiver:    m.ReceiverID,
		EncSender:   m.EncSender,
		EncReceiver: m.EncReceiver,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	queueKey := queuePrefix + m.ReceiverID
	receiptKey := receiptPrefix + m.ID
	conv := convKey(m.SenderID, m.ReceiverID)

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, messagePrefix+m.ID, data, s.transitTTL)
		p.RPush(ctx, queueKey, m.ID)
		p.Expire(ctx, queueKey, s.transitTTL)
		p.HSet(ctx, receiptKey,
			"sender", m.SenderID,
			"receiver", m.ReceiverID,
			"status", string(m.Status),
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		p.Expire(ctx, receiptKey, s.receiptTTL)
		p.ZAdd(ctx, conv, redis.Z{Score: float64(m.CreatedAt.UnixMilli()), Member: m.ID})
		p.Expire(ctx, conv, s.transitTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*relay.Message, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.message()
}

func (s *Store) load(ctx context.Context, id string) (*record, error) {
	data, err := s.rdb.Get(ctx, messagePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, relay.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &rec, nil
}

// Pending walks the receiver's queue in push order. Ids whose message has
// expired are dropped from the queue on the way.
func (s *Store) Pending(ctx context.Context, receiverID string) ([]*relay.Message, error) {
	queueKey := queuePrefix + receiverID
	ids, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get message queue: %w", err)
	}
	var out []*relay.Message
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if errors.Is(err, relay.ErrNotFound) {
			s.rdb.LRem(ctx, queueKey, 1, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := rec.message()
		if err != nil {
			return nil, err
		}
		if m.Status.Before(relay.StatusSeen) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) Receipt(ctx context.Context, id string) (relay.Receipt, error) {
	h, err := s.rdb.HGetAll(ctx, receiptPrefix+id).Result()
	if err != nil {
		return relay.Receipt{}, err
	}
	if len(h) == 0 {
		return relay.Receipt{}, relay.ErrNotFound
	}
	st, err := relay.ParseStatus(h["status"])
	if err != nil {
		return relay.Receipt{}, err
	}
	updated, _ := time.Parse(time.RFC3339Nano, h["updated_at"])
	return relay.Receipt{
		MessageID:  id,
		SenderID:   h["sender"],
		ReceiverID: h["receiver"],
		Status:     st,
		UpdatedAt:  updated,
	}, nil
}

// RestoreReceipt writes the receipt hash only when it is missing.
func (s *Store) RestoreReceipt(ctx context.Context, m *relay.Message) error {
	key := receiptPrefix + m.ID
	ok, err := s.rdb.HSetNX(ctx, key, "status", string(m.Status)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"sender", m.SenderID,
			"receiver", m.ReceiverID,
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		p.Expire(ctx, key, s.receiptTTL)
		return nil
	})
	return err
}

func (s *Store) Advance(ctx context.Context, id string, to relay.Status) (relay.Receipt, bool, error) {
	keys := []string{receiptPrefix + id, messagePrefix + id}
	res, err := advanceScript.Run(ctx, s.rdb, keys,
		string(to),
		time.Now().UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(int64(s.receiptTTL/time.Second), 10),
	).Int()
	if err != nil {
		return relay.Receipt{}, false, err
	}
	if res < 0 {
		return relay.Receipt{}, false, relay.ErrNotFound
	}
	rc, err := s.Receipt(ctx, id)
	if err != nil {
		return relay.Receipt{}, false, err
	}
	return rc, res == 1, nil
}

func (s *Store) Purge(ctx context.Context, id string) (bool, error) {
	rec, err := s.load(ctx, id)
	if errors.Is(err, relay.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, messagePrefix+id)
		p.LRem(ctx, queuePrefix+rec.Receiver, 1, id)
		p.ZRem(ctx, convKey(rec.Sender, rec.Receiver), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// History reads the conversation index newest first, then returns the page
// oldest first.
func (s *Store) History(ctx context.Context, userA, userB, beforeID string, limit int) ([]*relay.Message, error) {
	key := convKey(userA, userB)
	max := "+inf"
	if beforeID != "" {
		score, err := s.rdb.ZScore(ctx, key, beforeID).Result()
		if errors.Is(err, redis.Nil) {
			// cursor already purged
			return []*relay.Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		max = "(" + strconv.FormatFloat(score, 'f', -1, 64)
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: max}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*relay.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := s.load(ctx, ids[i])
		if errors.Is(err, relay.ErrNotFound) {
			s.rdb.ZRem(ctx, key, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := rec.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
