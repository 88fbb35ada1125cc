// ABOUTME: Table-version registry with cancellable change subscriptions
// ABOUTME: Writers publish touched tables after commit; subscribers get coalesced wakeups

package observe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Snapshot maps table names to the version counter observed at one instant.
type Snapshot map[string]uint64

// Equal reports whether both snapshots hold the same versions.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for table, v := range s {
		ov, ok := other[table]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

type subscription struct {
	tables map[string]struct{}
	ch     chan struct{}
	done   chan struct{} // closed on removal; ends the ctx watcher
}

func (s *subscription) watches(tables []string) bool {
	for _, t := range tables {
		if _, ok := s.tables[t]; ok {
			return true
		}
	}
	return false
}

// Registry tracks a monotonically increasing version per table and wakes the
// subscriptions that depend on a table whenever it changes.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]uint64
	subs     map[string]*subscription // subID -> subscription
	closed   bool
	logger   *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		versions: make(map[string]uint64),
		subs:     make(map[string]*subscription),
		logger:   logger.With("component", "observe"),
	}
}

// Subscribe registers interest in the given tables. The returned channel
// receives a value after any of them changes; wakeups that arrive while one is
// already pending are coalesced. The subscription is removed and its channel
// closed when ctx is cancelled or Unsubscribe is called.
func (r *Registry) Subscribe(ctx context.Context, tables ...string) (<-chan struct{}, string) {
	subID := uuid.New().String()
	sub := &subscription{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	r.subs[subID] = sub
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "sub_id", subID, "tables", tables)

	go func() {
		select {
		case <-ctx.Done():
			r.Unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Unsubscribe removes a subscription and closes its channel. After it
// returns no further notifications are delivered for subID.
func (r *Registry) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subID]
	if !ok {
		return
	}
	r.removeLocked(subID, sub)

	r.logger.Debug("subscriber removed", "sub_id", subID)
}

// removeLocked drops sub and closes its channels. r.mu must be held.
func (r *Registry) removeLocked(subID string, sub *subscription) {
	delete(r.subs, subID)
	close(sub.ch)
	close(sub.done)
}

// Publish bumps the version of every named table and wakes the subscriptions
// that watch any of them. It never blocks on a slow subscriber.
func (r *Registry) Publish(tables ...string) {
	if len(tables) == 0 {
		return
	}

	// Sends happen under the lock so Unsubscribe cannot close a channel mid-send.
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tables {
		r.versions[t]++
	}
	for _, sub := range r.subs {
		if !sub.watches(tables) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
			// A wakeup is already pending.
		}
	}
}

// Versions returns the current version of each named table. Tables that were
// never published report zero.
func (r *Registry) Versions(tables ...string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(Snapshot, len(tables))
	for _, t := range tables {
		snap[t] = r.versions[t]
	}
	return snap
}

// Close shuts down the registry and closes all subscriber channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subID, sub := range r.subs {
		r.removeLocked(subID, sub)
	}
	r.closed = true

	r.logger.Debug("registry closed")
}
