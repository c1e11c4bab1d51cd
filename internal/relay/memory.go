package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReceiptTTL is how long receipts are kept after their last update.
const DefaultReceiptTTL = 7 * 24 * time.Hour

// MemoryStore is an in-process Store. State is lost on restart, which makes
// it suitable for tests and single-node development.
type MemoryStore struct {
	mu         sync.Mutex
	rows       map[string]*memRow
	receipts   map[string]Receipt
	seq        uint64
	receiptTTL time.Duration
	now        func() time.Time
}

type memRow struct {
	msg Message
	seq uint64
}

// NewMemoryStore returns an empty store. A non-positive ttl uses
// DefaultReceiptTTL.
func NewMemoryStore(receiptTTL time.Duration) *MemoryStore {
	if receiptTTL <= 0 {
		receiptTTL = DefaultReceiptTTL
	}
	return &MemoryStore{
		rows:       make(map[string]*memRow),
		receipts:   make(map[string]Receipt),
		receiptTTL: receiptTTL,
		now:        time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.seq++
	s.rows[m.ID] = &memRow{msg: clone(m), seq: s.seq}
	s.receipts[m.ID] = Receipt{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Status:     m.Status,
		UpdatedAt:  s.now(),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	m := clone(&row.msg)
	return &m, nil
}

func (s *MemoryStore) Pending(_ context.Context, receiverID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow
	for _, row := range s.rows {
		if row.msg.ReceiverID == receiverID && row.msg.Status.Before(StatusSeen) {
			rows = append(rows, row)
		}
	}
	return sortedCopies(rows), nil
}

func (s *MemoryStore) Receipt(_ context.Context, id string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptLocked(id)
}

func (s *MemoryStore) receiptLocked(id string) (Receipt, error) {
	r, ok := s.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if s.now().Sub(r.UpdatedAt) > s.receiptTTL {
		delete(s.receipts, id)
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) RestoreReceipt(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.receiptLocked(m.ID); err == nil {
		return nil
	}
	s.receipts[m.ID] = Receipt{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Status:     m.Status,
		UpdatedAt:  s.now(),
	}
	return nil
}

func (s *MemoryStore) Advance(_ context.Context, id string, to Status) (Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.receiptLocked(id)
	if err != nil {
		return Receipt{}, false, err
	}
	if !r.Status.Before(to) {
		return r, false, nil
	}
	r.Status = to
	r.UpdatedAt = s.now()
	s.receipts[id] = r
	if row, ok := s.rows[id]; ok {
		row.msg.Status = to
	}
	return r, true, nil
}

func (s *MemoryStore) Purge(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *MemoryStore) History(_ context.Context, userA, userB, beforeID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*memRow
	for _, row := range s.rows {
		m := row.msg
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			rows = append(rows, row)
		}
	}
	sortRows(rows)
	if beforeID != "" {
		cut := -1
		for i, row := range rows {
			if row.msg.ID == beforeID {
				cut = i
				break
			}
		}
		if cut < 0 {
			// purged or foreign cursor
			return []*Message{}, nil
		}
		rows = rows[:cut]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return copies(rows), nil
}

func sortRows(rows []*memRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func sortedCopies(rows []*memRow) []*Message {
	sortRows(rows)
	return copies(rows)
}

func copies(rows []*memRow) []*Message {
	out := make([]*Message, 0, len(rows))
	for _, row := range rows {
		m := clone(&row.msg)
		out = append(out, &m)
	}
	return out
}

func clone(m *Message) Message {
	c := *m
	c.EncSender = append([]byte(nil), m.EncSender...)
	c.EncReceiver = append([]byte(nil), m.EncReceiver...)
	return c
}
