// ABOUTME: Live queries over the store, re-run when their tables change
// ABOUTME: Thin wrappers that bind store reads to observe.Watch

package store

import (
	"context"
	"time"

	"github.com/2389/fedicache/internal/observe"
)

var (
	timelineTables = []string{
		TableTimelines,
		TableTimelineStatuses,
		TableLoadMoreMarkers,
		TableStatuses,
		TableAccounts,
	}
	threadTables = []string{
		TableStatusAncestors,
		TableStatusDescendants,
		TableStatuses,
		TableAccounts,
	}
	filterTables = []string{TableFilters}
)

// WatchTimeline emits the items of one timeline page, and again whenever the
// timeline, its members or their authors change.
func (s *SQLiteStore) WatchTimeline(ctx context.Context, timelineID string, page Page) <-chan observe.Result[[]TimelineItem] {
	return observe.Watch(ctx, s.registry, timelineTables, func(ctx context.Context) ([]TimelineItem, error) {
		return s.TimelineItems(ctx, timelineID, page)
	})
}

// WatchThread emits the thread around statusID on every change to it.
func (s *SQLiteStore) WatchThread(ctx context.Context, statusID string) <-chan observe.Result[*Thread] {
	return observe.Watch(ctx, s.registry, threadTables, func(ctx context.Context) (*Thread, error) {
		return s.ThreadContext(ctx, statusID)
	})
}

// WatchFilters emits the active filters for filterContext on every filter
// write. Expiry is evaluated per emission; a filter lapsing with no write in
// between does not by itself trigger one.
func (s *SQLiteStore) WatchFilters(ctx context.Context, filterContext FilterContext) <-chan observe.Result[[]Filter] {
	return observe.Watch(ctx, s.registry, filterTables, func(ctx context.Context) ([]Filter, error) {
		return s.ActiveFilters(ctx, time.Now(), filterContext)
	})
}
