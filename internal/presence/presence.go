// Package presence tracks which users hold a live connection and broadcasts
// the online set whenever it changes.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrOffline is returned by SendTo when the user has no live handle.
var ErrOffline = errors.New("presence: user offline")

// Handle is one live connection. Send must not block and must not call back
// into the Registry. Deliver waits for queue space until ctx is done or the
// connection closes.
type Handle interface {
	ID() string
	Send(env wire.Envelope) error
	Deliver(ctx context.Context, env wire.Envelope) error
	Close() error
}

// LastSeenRecorder persists the time a user went offline.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Registry maps user ids to their current handle. At most one handle per
// user; the latest connection wins.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]Handle
	lastSeen LastSeenRecorder
	log      *logrus.Entry
	now      func() time.Time
}

// NewRegistry returns an empty registry. rec may be nil.
func NewRegistry(rec LastSeenRecorder, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		handles:  make(map[string]Handle),
		lastSeen: rec,
		log:      log.WithField("component", "presence"),
		now:      time.Now,
	}
}

// MarkOnline records h as userID's connection. An earlier handle for the
// same user is replaced and closed.
func (r *Registry) MarkOnline(userID string, h Handle) {
	r.mu.Lock()
	prev := r.handles[userID]
	r.handles[userID] = h
	r.broadcastLocked()
	r.mu.Unlock()

	if prev != nil && prev.ID() != h.ID() {
		r.log.WithFields(logrus.Fields{"user": userID, "conn": prev.ID()}).Info("replaced by newer connection")
		_ = prev.Close()
	}
}

// MarkOffline removes userID and stamps its last-seen time. It is a no-op
// for a user that is not online.
func (r *Registry) MarkOffline(userID string) {
	r.mu.Lock()
	_, ok := r.handles[userID]
	if ok {
		delete(r.handles, userID)
		r.broadcastLocked()
	}
	r.mu.Unlock()

	if ok {
		r.recordLastSeen(userID)
	}
}

// Release removes userID only while connID is still its current handle and
// reports whether it did. Disconnect paths use it so a closing stale
// connection never evicts the replacement.
func (r *Registry) Release(userID, connID string) bool {
	r.mu.Lock()
	h, ok := r.handles[userID]
	if !ok || h.ID() != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, userID)
	r.broadcastLocked()
	r.mu.Unlock()

	r.recordLastSeen(userID)
	return true
}

// Holds reports whether connID is userID's current handle.
func (r *Registry) Holds(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[userID]
	return ok && h.ID() == connID
}

// IsOnline reports whether userID has a live handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[userID]
	return ok
}

// ListOnline returns the online user ids in sorted order.
func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SendTo delivers env to userID's current handle.
func (r *Registry) SendTo(userID string, env wire.Envelope) error {
	r.mu.Lock()
	h, ok := r.handles[userID]
	r.mu.Unlock()
	if !ok {
		return ErrOffline
	}
	return h.Send(env)
}

// DeliverTo is SendTo with backpressure: it waits for room in userID's send
// queue instead of dropping the connection.
func (r *Registry) DeliverTo(ctx context.Context, userID string, env wire.Envelope) error {
	r.mu.Lock()
	h, ok := r.handles[userID]
	r.mu.Unlock()
	if !ok {
		return ErrOffline
	}
	return h.Deliver(ctx, env)
}

func (r *Registry) snapshotLocked() []string {
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// broadcastLocked runs under mu so every handle observes snapshots in the
// order the changes were applied.
func (r *Registry) broadcastLocked() {
	env := wire.OnlineUsers(r.snapshotLocked())
	for id, h := range r.handles {
		if err := h.Send(env); err != nil {
			r.log.WithError(err).WithField("user", id).Debug("online_users broadcast dropped")
		}
	}
}

func (r *Registry) recordLastSeen(userID string) {
	if r.lastSeen == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.lastSeen.UpdateLastSeen(ctx, userID, r.now()); err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("failed to record last seen")
	}
}
