// ABOUTME: Timeline registry, membership and gapped pagination
// ABOUTME: Display order is derived at read time from status creation time, never stored

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TimelineKind discriminates which feed a Timeline names.
type TimelineKind string

const (
	KindHome       TimelineKind = "home"
	KindLocal      TimelineKind = "local"
	KindFederated  TimelineKind = "federated"
	KindFavourites TimelineKind = "favourites"
	KindBookmarks  TimelineKind = "bookmarks"
	KindList       TimelineKind = "list"
	KindTag        TimelineKind = "tag"
	KindProfile    TimelineKind = "profile"
)

// ProfileCollection selects which slice of an account's statuses a profile
// timeline holds.
type ProfileCollection string

const (
	ProfileStatuses           ProfileCollection = "statuses"
	ProfileStatusesAndReplies ProfileCollection = "statuses_and_replies"
	ProfileMedia              ProfileCollection = "media"
)

// Timeline names one feed. Which optional fields are set depends on Kind:
// list timelines carry ListID and ListTitle, tag timelines carry Tag,
// profile timelines carry AccountID and Collection, and every other kind
// carries none.
type Timeline struct {
	ID         string
	Kind       TimelineKind
	ListID     string
	ListTitle  string
	Tag        string
	AccountID  string // soft reference
	Collection ProfileCollection
}

// HomeTimeline returns the signed-in account's home feed.
func HomeTimeline() Timeline { return CollectionTimeline(KindHome) }

// CollectionTimeline returns one of the parameterless feeds: home, local,
// federated, favourites or bookmarks.
func CollectionTimeline(kind TimelineKind) Timeline {
	return Timeline{ID: string(kind), Kind: kind}
}

// ListTimeline returns the feed of a user-defined list.
func ListTimeline(listID, title string) Timeline {
	return Timeline{ID: "list-" + listID, Kind: KindList, ListID: listID, ListTitle: title}
}

// TagTimeline returns a hashtag feed. Tags are case-insensitive, so the
// identifier is derived from the lower-cased tag.
func TagTimeline(tag string) Timeline {
	return Timeline{ID: "tag-" + strings.ToLower(tag), Kind: KindTag, Tag: tag}
}

// ProfileTimeline returns one collection of an account's statuses.
func ProfileTimeline(accountID string, collection ProfileCollection) Timeline {
	return Timeline{
		ID:         "profile-" + accountID + "-" + string(collection),
		Kind:       KindProfile,
		AccountID:  accountID,
		Collection: collection,
	}
}

// expectedID derives the identifier a valid timeline of this kind must carry.
func (t Timeline) expectedID() string {
	switch t.Kind {
	case KindList:
		return ListTimeline(t.ListID, t.ListTitle).ID
	case KindTag:
		return TagTimeline(t.Tag).ID
	case KindProfile:
		return ProfileTimeline(t.AccountID, t.Collection).ID
	default:
		return string(t.Kind)
	}
}

// Validate checks that exactly the fields belonging to Kind are populated
// and that ID matches the one derived from them.
func (t Timeline) Validate() error {
	hasList := t.ListID != "" || t.ListTitle != ""
	hasTag := t.Tag != ""
	hasProfile := t.AccountID != "" || t.Collection != ""

	switch t.Kind {
	case KindHome, KindLocal, KindFederated, KindFavourites, KindBookmarks:
		if hasList || hasTag || hasProfile {
			return fmt.Errorf("%w: %s timeline takes no parameters", ErrInvalidTimeline, t.Kind)
		}
	case KindList:
		if t.ListID == "" || t.ListTitle == "" {
			return fmt.Errorf("%w: list timeline needs an id and a title", ErrInvalidTimeline)
		}
		if hasTag || hasProfile {
			return fmt.Errorf("%w: list timeline has fields of another kind", ErrInvalidTimeline)
		}
	case KindTag:
		if !hasTag {
			return fmt.Errorf("%w: tag timeline needs a tag", ErrInvalidTimeline)
		}
		if hasList || hasProfile {
			return fmt.Errorf("%w: tag timeline has fields of another kind", ErrInvalidTimeline)
		}
	case KindProfile:
		if t.AccountID == "" {
			return fmt.Errorf("%w: profile timeline needs an account id", ErrInvalidTimeline)
		}
		switch t.Collection {
		case ProfileStatuses, ProfileStatusesAndReplies, ProfileMedia:
		default:
			return fmt.Errorf("%w: unknown profile collection %q", ErrInvalidTimeline, t.Collection)
		}
		if hasList || hasTag {
			return fmt.Errorf("%w: profile timeline has fields of another kind", ErrInvalidTimeline)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTimeline, t.Kind)
	}

	if want := t.expectedID(); t.ID != want {
		return fmt.Errorf("%w: id %q does not match %s timeline id %q", ErrInvalidTimeline, t.ID, t.Kind, want)
	}
	return nil
}

const timelineColumns = `id, kind, list_id, list_title, tag, account_id, profile_collection`

const sqlUpsertTimeline = `
	INSERT INTO timelines (` + timelineColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		list_title = excluded.list_title`

// SaveTimeline registers a timeline, updating a list's title if it changed.
func (s *SQLiteStore) SaveTimeline(ctx context.Context, timeline Timeline) error {
	if err := timeline.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *writeTx) error {
		return saveTimeline(ctx, tx, timeline)
	})
}

func saveTimeline(ctx context.Context, tx *writeTx, t Timeline) error {
	_, err := tx.ExecContext(ctx, sqlUpsertTimeline,
		t.ID,
		string(t.Kind),
		nullString(t.ListID),
		nullString(t.ListTitle),
		nullString(t.Tag),
		nullString(t.AccountID),
		nullString(string(t.Collection)),
	)
	if err != nil {
		return fmt.Errorf("saving timeline %s: %w", t.ID, err)
	}
	tx.touch(TableTimelines)
	return nil
}

// GetTimeline retrieves a timeline by ID.
// Returns ErrNotFound if the timeline is not registered.
func (s *SQLiteStore) GetTimeline(ctx context.Context, id string) (*Timeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timelineColumns+` FROM timelines WHERE id = ?`, id)
	t, err := scanTimeline(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	return t, nil
}

// DeleteTimeline removes a timeline with its memberships and gap markers.
// The statuses themselves stay cached.
func (s *SQLiteStore) DeleteTimeline(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM timelines WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting timeline: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		tx.touch(TableTimelines, TableTimelineStatuses, TableLoadMoreMarkers)
		s.logger.Debug("deleted timeline", "id", id)
		return nil
	})
}

// ReplaceLists syncs the set of list timelines to lists: every given list is
// saved and any cached list timeline missing from it is deleted.
func (s *SQLiteStore) ReplaceLists(ctx context.Context, lists []Timeline) error {
	keep := make([]string, 0, len(lists))
	for _, l := range lists {
		if l.Kind != KindList {
			return fmt.Errorf("%w: %s is not a list timeline", ErrInvalidTimeline, l.ID)
		}
		if err := l.Validate(); err != nil {
			return err
		}
		keep = append(keep, l.ID)
	}

	return s.withTx(ctx, func(tx *writeTx) error {
		for _, l := range lists {
			if err := saveTimeline(ctx, tx, l); err != nil {
				return err
			}
		}

		query := `DELETE FROM timelines WHERE kind = 'list'`
		if len(keep) > 0 {
			query += ` AND id NOT IN (` + placeholders(len(keep)) + `)`
		}
		result, err := tx.ExecContext(ctx, query, stringArgs(keep)...)
		if err != nil {
			return fmt.Errorf("pruning lists: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			tx.touch(TableTimelineStatuses, TableLoadMoreMarkers)
			s.logger.Debug("pruned list timelines", "count", n)
		}
		tx.touch(TableTimelines)
		return nil
	})
}

// Lists returns every list timeline ordered by title, ignoring case.
func (s *SQLiteStore) Lists(ctx context.Context) ([]Timeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+timelineColumns+` FROM timelines WHERE kind = 'list' ORDER BY list_title, id`)
	if err != nil {
		return nil, fmt.Errorf("querying lists: %w", err)
	}
	defer rows.Close()

	lists := []Timeline{}
	for rows.Next() {
		t, err := scanTimeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning list: %w", err)
		}
		lists = append(lists, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lists: %w", err)
	}
	return lists, nil
}

// AppendStatuses records a fetched page of a timeline in one transaction:
// the timeline row, the bundles, their memberships and the gap bookkeeping
// described by hint all land together or not at all.
func (s *SQLiteStore) AppendStatuses(ctx context.Context, timeline Timeline, bundles []StatusBundle, hint PositionHint) error {
	if err := timeline.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *writeTx) error {
		if err := saveTimeline(ctx, tx, timeline); err != nil {
			return err
		}

		for i := range bundles {
			if err := upsertBundle(ctx, tx, &bundles[i]); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO timeline_statuses (timeline_id, status_id) VALUES (?, ?)
				 ON CONFLICT DO NOTHING`,
				timeline.ID, bundles[i].Status.ID,
			); err != nil {
				return fmt.Errorf("linking status %s: %w", bundles[i].Status.ID, err)
			}
		}
		if len(bundles) > 0 {
			tx.touch(TableTimelineStatuses)
		}

		if hint.FilledGap != "" {
			if err := clearGap(ctx, tx, timeline.ID, hint.FilledGap); err != nil {
				return err
			}
		}
		if hint.NextGap != "" {
			if err := markGap(ctx, tx, timeline.ID, hint.NextGap); err != nil {
				return err
			}
		}

		s.logger.Debug("appended statuses",
			"timeline_id", timeline.ID,
			"count", len(bundles),
			"filled_gap", hint.FilledGap,
			"next_gap", hint.NextGap)
		return nil
	})
}

// pageQuery builds the ordered membership query for one page.
func pageQuery(timelineID string, page Page) (string, []any) {
	query := bundleSelect + `
		JOIN timeline_statuses ts ON ts.status_id = s.id
		WHERE ts.timeline_id = ?`
	args := []any{timelineID}

	if page.Before != nil {
		at := formatTime(page.Before.CreatedAt)
		query += ` AND (s.created_at < ? OR (s.created_at = ? AND s.id < ?))`
		args = append(args, at, at, page.Before.StatusID)
	}

	query += ` ORDER BY s.created_at DESC, s.id DESC`
	if page.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, page.Limit)
	}
	return query, args
}

// TimelineStatuses returns a page of a timeline, newest first. An unknown
// timeline yields an empty page.
func (s *SQLiteStore) TimelineStatuses(ctx context.Context, timelineID string, page Page) ([]StatusBundle, error) {
	var bundles []StatusBundle
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		query, args := pageQuery(timelineID, page)
		var err error
		bundles, err = queryBundles(ctx, tx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

// TimelineItems returns a page of a timeline with a gap item placed directly
// after each status that anchors a load-more marker. Markers anchored
// outside the page are not reported.
func (s *SQLiteStore) TimelineItems(ctx context.Context, timelineID string, page Page) ([]TimelineItem, error) {
	var items []TimelineItem
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		query, args := pageQuery(timelineID, page)
		bundles, err := queryBundles(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		gaps, err := listGaps(ctx, tx, timelineID)
		if err != nil {
			return err
		}
		anchors := make(map[string]struct{}, len(gaps))
		for _, g := range gaps {
			anchors[g.AfterStatusID] = struct{}{}
		}

		items = make([]TimelineItem, 0, len(bundles)+len(gaps))
		for i := range bundles {
			items = append(items, TimelineItem{Status: &bundles[i]})
			if _, ok := anchors[bundles[i].Status.ID]; ok {
				items = append(items, TimelineItem{Gap: &LoadMore{
					TimelineID:    timelineID,
					AfterStatusID: bundles[i].Status.ID,
				}})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkGap records that content after afterStatusID is missing from the
// timeline. Marking an existing gap is a no-op. The timeline must exist.
func (s *SQLiteStore) MarkGap(ctx context.Context, timelineID, afterStatusID string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		return markGap(ctx, tx, timelineID, afterStatusID)
	})
}

// ClearGap removes a gap marker once it has been filled.
func (s *SQLiteStore) ClearGap(ctx context.Context, timelineID, afterStatusID string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		return clearGap(ctx, tx, timelineID, afterStatusID)
	})
}

func markGap(ctx context.Context, tx *writeTx, timelineID, afterStatusID string) error {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO load_more_markers (timeline_id, after_status_id) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`,
		timelineID, afterStatusID)
	if err != nil {
		return fmt.Errorf("marking gap: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		tx.touch(TableLoadMoreMarkers)
	}
	return nil
}

func clearGap(ctx context.Context, tx *writeTx, timelineID, afterStatusID string) error {
	result, err := tx.ExecContext(ctx,
		`DELETE FROM load_more_markers WHERE timeline_id = ? AND after_status_id = ?`,
		timelineID, afterStatusID)
	if err != nil {
		return fmt.Errorf("clearing gap: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		tx.touch(TableLoadMoreMarkers)
	}
	return nil
}

// HasGap reports whether a marker exists at the anchor.
func (s *SQLiteStore) HasGap(ctx context.Context, timelineID, afterStatusID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM load_more_markers WHERE timeline_id = ? AND after_status_id = ?)`,
		timelineID, afterStatusID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking gap: %w", err)
	}
	return exists, nil
}

// Gaps lists every marker of a timeline.
func (s *SQLiteStore) Gaps(ctx context.Context, timelineID string) ([]LoadMore, error) {
	return listGaps(ctx, s.db, timelineID)
}

func listGaps(ctx context.Context, q querier, timelineID string) ([]LoadMore, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT timeline_id, after_status_id FROM load_more_markers
		 WHERE timeline_id = ? ORDER BY after_status_id DESC`,
		timelineID)
	if err != nil {
		return nil, fmt.Errorf("querying gaps: %w", err)
	}
	defer rows.Close()

	gaps := []LoadMore{}
	for rows.Next() {
		var g LoadMore
		if err := rows.Scan(&g.TimelineID, &g.AfterStatusID); err != nil {
			return nil, fmt.Errorf("scanning gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gaps: %w", err)
	}
	return gaps, nil
}

func scanTimeline(row scanner) (*Timeline, error) {
	var t Timeline
	var kind string
	var listID, listTitle, tag, accountID, collection sql.NullString
	if err := row.Scan(&t.ID, &kind, &listID, &listTitle, &tag, &accountID, &collection); err != nil {
		return nil, err
	}
	t.Kind = TimelineKind(kind)
	t.ListID = listID.String
	t.ListTitle = listTitle.String
	t.Tag = tag.String
	t.AccountID = accountID.String
	t.Collection = ProfileCollection(collection.String)
	return &t, nil
}
