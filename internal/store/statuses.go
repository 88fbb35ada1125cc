// ABOUTME: Status entity persistence and bundle reads (status + author + boosted status)
// ABOUTME: Bundles are written author-first so the account foreign key always resolves

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const statusColumns = `s.id, s.uri, s.created_at, s.account_id, s.content, s.visibility,
	s.sensitive, s.spoiler_text, s.media_attachments, s.mentions, s.tags, s.emojis,
	s.reblogs_count, s.favourites_count, s.replies_count, s.application, s.url,
	s.in_reply_to_id, s.in_reply_to_account_id, s.reblog_id, s.poll, s.card,
	s.language, s.text, s.favourited, s.reblogged, s.muted, s.bookmarked, s.pinned`

// bundleSelect reads a status joined with its author. Callers append
// joins, WHERE and ORDER BY.
const bundleSelect = `SELECT ` + statusColumns + `, ` + accountColumns + `
	FROM statuses s
	JOIN accounts a ON a.id = s.account_id`

const sqlUpsertStatus = `
	INSERT INTO statuses (
		id, uri, created_at, account_id, content, visibility,
		sensitive, spoiler_text, media_attachments, mentions, tags, emojis,
		reblogs_count, favourites_count, replies_count, application, url,
		in_reply_to_id, in_reply_to_account_id, reblog_id, poll, card,
		language, text, favourited, reblogged, muted, bookmarked, pinned
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		uri = excluded.uri,
		created_at = excluded.created_at,
		account_id = excluded.account_id,
		content = excluded.content,
		visibility = excluded.visibility,
		sensitive = excluded.sensitive,
		spoiler_text = excluded.spoiler_text,
		media_attachments = excluded.media_attachments,
		mentions = excluded.mentions,
		tags = excluded.tags,
		emojis = excluded.emojis,
		reblogs_count = excluded.reblogs_count,
		favourites_count = excluded.favourites_count,
		replies_count = excluded.replies_count,
		application = excluded.application,
		url = excluded.url,
		in_reply_to_id = excluded.in_reply_to_id,
		in_reply_to_account_id = excluded.in_reply_to_account_id,
		reblog_id = excluded.reblog_id,
		poll = excluded.poll,
		card = excluded.card,
		language = excluded.language,
		text = excluded.text,
		favourited = excluded.favourited,
		reblogged = excluded.reblogged,
		muted = excluded.muted,
		bookmarked = excluded.bookmarked,
		pinned = excluded.pinned`

// UpsertStatus inserts or overwrites a single status row. Its author must
// already be cached, otherwise ErrConstraint is returned.
func (s *SQLiteStore) UpsertStatus(ctx context.Context, status *Status) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		return upsertStatus(ctx, tx, status)
	})
}

// UpsertStatuses writes a batch of bundles (authors, boosted statuses and the
// statuses themselves) in one transaction.
func (s *SQLiteStore) UpsertStatuses(ctx context.Context, bundles []StatusBundle) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		for i := range bundles {
			if err := upsertBundle(ctx, tx, &bundles[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// upsertBundle writes the boosted status first, then the author, then the
// status. A boost without an explicit ReblogID is linked to its Reblog.
func upsertBundle(ctx context.Context, tx *writeTx, b *StatusBundle) error {
	status := b.Status
	if b.Reblog != nil {
		if err := upsertBundle(ctx, tx, b.Reblog); err != nil {
			return err
		}
		if status.ReblogID == nil {
			id := b.Reblog.Status.ID
			status.ReblogID = &id
		}
	}
	if b.Account.ID != status.AccountID {
		return fmt.Errorf("%w: status %s is authored by %q but bundled with account %q",
			ErrConstraint, status.ID, status.AccountID, b.Account.ID)
	}
	if err := upsertAccount(ctx, tx, &b.Account); err != nil {
		return err
	}
	return upsertStatus(ctx, tx, &status)
}

func upsertStatus(ctx context.Context, tx *writeTx, st *Status) error {
	_, err := tx.ExecContext(ctx, sqlUpsertStatus,
		st.ID,
		st.URI,
		formatTime(st.CreatedAt),
		st.AccountID,
		st.Content,
		string(st.Visibility),
		st.Sensitive,
		st.SpoilerText,
		jsonList(st.MediaAttachments),
		jsonList(st.Mentions),
		jsonList(st.Tags),
		jsonList(st.Emojis),
		st.ReblogsCount,
		st.FavouritesCount,
		st.RepliesCount,
		nullBlob(st.Application),
		st.URL,
		st.InReplyToID,
		st.InReplyToAccountID,
		st.ReblogID,
		nullBlob(st.Poll),
		nullBlob(st.Card),
		st.Language,
		st.Text,
		st.Favourited,
		st.Reblogged,
		st.Muted,
		st.Bookmarked,
		st.Pinned,
	)
	if err != nil {
		return fmt.Errorf("upserting status %s: %w", st.ID, err)
	}
	tx.touch(TableStatuses)
	return nil
}

// GetStatus retrieves a status bundle by ID.
// Returns ErrNotFound if the status is not cached.
func (s *SQLiteStore) GetStatus(ctx context.Context, id string) (*StatusBundle, error) {
	var bundle *StatusBundle
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		bundle, err = getBundle(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// ReblogOf returns the status boosted by id. It returns nil, nil when id is
// not a boost or the boosted status is no longer cached.
func (s *SQLiteStore) ReblogOf(ctx context.Context, id string) (*StatusBundle, error) {
	return s.followStatus(ctx, id, func(st *Status) *string { return st.ReblogID })
}

// InReplyTo returns the status id replies to. It returns nil, nil when id is
// not a reply or the parent is outside the cache.
func (s *SQLiteStore) InReplyTo(ctx context.Context, id string) (*StatusBundle, error) {
	return s.followStatus(ctx, id, func(st *Status) *string { return st.InReplyToID })
}

// followStatus resolves a soft status reference. Only the starting status
// being absent is an error.
func (s *SQLiteStore) followStatus(ctx context.Context, id string, ref func(*Status) *string) (*StatusBundle, error) {
	var target *StatusBundle
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		start, err := getBundle(ctx, tx, id)
		if err != nil {
			return err
		}
		targetID := ref(&start.Status)
		if targetID == nil {
			return nil
		}
		target, err = getBundle(ctx, tx, *targetID)
		if err == ErrNotFound {
			target = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// DeleteStatus removes a status, its boosts and every join row that
// references it. Deleting an uncached status is a no-op.
func (s *SQLiteStore) DeleteStatus(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM statuses WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting status: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		tx.touch(
			TableStatuses,
			TableTimelineStatuses,
			TableStatusAncestors,
			TableStatusDescendants,
			TableAccountPinnedStatuses,
		)
		s.logger.Debug("deleted status", "id", id)
		return nil
	})
}

func getBundle(ctx context.Context, q querier, id string) (*StatusBundle, error) {
	bundles, err := queryBundles(ctx, q, bundleSelect+` WHERE s.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, ErrNotFound
	}
	return &bundles[0], nil
}

// queryBundles runs a bundleSelect query and attaches boosted statuses.
func queryBundles(ctx context.Context, q querier, query string, args ...any) ([]StatusBundle, error) {
	bundles, err := scanBundles(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if err := attachReblogs(ctx, q, bundles); err != nil {
		return nil, err
	}
	return bundles, nil
}

func scanBundles(ctx context.Context, q querier, query string, args ...any) ([]StatusBundle, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	bundles := []StatusBundle{}
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		bundles = append(bundles, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating statuses: %w", err)
	}
	return bundles, nil
}

// attachReblogs loads the boosted status of every boost in one query.
// Boosts of boosts are not expanded further.
func attachReblogs(ctx context.Context, q querier, bundles []StatusBundle) error {
	var ids []string
	seen := make(map[string]struct{})
	for _, b := range bundles {
		if id := b.Status.ReblogID; id != nil {
			if _, ok := seen[*id]; !ok {
				seen[*id] = struct{}{}
				ids = append(ids, *id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	reblogs, err := scanBundles(ctx, q,
		bundleSelect+` WHERE s.id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("loading boosted statuses: %w", err)
	}
	byID := make(map[string]*StatusBundle, len(reblogs))
	for i := range reblogs {
		byID[reblogs[i].Status.ID] = &reblogs[i]
	}
	for i := range bundles {
		if id := bundles[i].Status.ReblogID; id != nil {
			bundles[i].Reblog = byID[*id]
		}
	}
	return nil
}

type statusDest struct {
	st                 Status
	createdAt          string
	visibility         string
	media              []byte
	mentions           []byte
	tags               []byte
	emojis             []byte
	application        []byte
	url                sql.NullString
	inReplyToID        sql.NullString
	inReplyToAccountID sql.NullString
	reblogID           sql.NullString
	poll               []byte
	card               []byte
	language           sql.NullString
	text               sql.NullString
	pinned             sql.NullBool
}

func (d *statusDest) targets() []any {
	return []any{
		&d.st.ID, &d.st.URI, &d.createdAt, &d.st.AccountID, &d.st.Content, &d.visibility,
		&d.st.Sensitive, &d.st.SpoilerText, &d.media, &d.mentions, &d.tags, &d.emojis,
		&d.st.ReblogsCount, &d.st.FavouritesCount, &d.st.RepliesCount, &d.application, &d.url,
		&d.inReplyToID, &d.inReplyToAccountID, &d.reblogID, &d.poll, &d.card,
		&d.language, &d.text, &d.st.Favourited, &d.st.Reblogged, &d.st.Muted, &d.st.Bookmarked, &d.pinned,
	}
}

func (d *statusDest) status() (Status, error) {
	createdAt, err := parseTime(d.createdAt)
	if err != nil {
		return Status{}, fmt.Errorf("parsing status created_at: %w", err)
	}
	st := d.st
	st.CreatedAt = createdAt
	st.Visibility = Visibility(d.visibility)
	st.MediaAttachments = rawOrNil(d.media)
	st.Mentions = rawOrNil(d.mentions)
	st.Tags = rawOrNil(d.tags)
	st.Emojis = rawOrNil(d.emojis)
	st.Application = rawOrNil(d.application)
	st.URL = nullStringPtr(d.url)
	st.InReplyToID = nullStringPtr(d.inReplyToID)
	st.InReplyToAccountID = nullStringPtr(d.inReplyToAccountID)
	st.ReblogID = nullStringPtr(d.reblogID)
	st.Poll = rawOrNil(d.poll)
	st.Card = rawOrNil(d.card)
	st.Language = nullStringPtr(d.language)
	st.Text = nullStringPtr(d.text)
	st.Pinned = nullBoolPtr(d.pinned)
	return st, nil
}

// scanBundle reads one row of bundleSelect.
func scanBundle(row scanner) (*StatusBundle, error) {
	var sd statusDest
	var ad accountDest
	if err := row.Scan(append(sd.targets(), ad.targets()...)...); err != nil {
		return nil, err
	}
	st, err := sd.status()
	if err != nil {
		return nil, err
	}
	account, err := ad.account()
	if err != nil {
		return nil, err
	}
	return &StatusBundle{Status: st, Account: *account}, nil
}
