// ABOUTME: Content-filter rules with optional expiry
// ABOUTME: Expired rules are hidden at read time; DeleteExpiredFilters evicts them on demand

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const filterColumns = `id, phrase, context, expires_at, irreversible, whole_word`

const sqlUpsertFilter = `
	INSERT INTO filters (` + filterColumns + `)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phrase = excluded.phrase,
		context = excluded.context,
		expires_at = excluded.expires_at,
		irreversible = excluded.irreversible,
		whole_word = excluded.whole_word`

// UpsertFilter inserts or overwrites a filter by ID.
func (s *SQLiteStore) UpsertFilter(ctx context.Context, filter *Filter) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		return upsertFilter(ctx, tx, filter)
	})
}

// ReplaceFilters makes filters the complete cached set.
func (s *SQLiteStore) ReplaceFilters(ctx context.Context, filters []Filter) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM filters`); err != nil {
			return fmt.Errorf("clearing filters: %w", err)
		}
		tx.touch(TableFilters)
		for i := range filters {
			if err := upsertFilter(ctx, tx, &filters[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertFilter(ctx context.Context, tx *writeTx, f *Filter) error {
	contexts := f.Context
	if contexts == nil {
		contexts = []FilterContext{}
	}
	encoded, err := json.Marshal(contexts)
	if err != nil {
		return fmt.Errorf("encoding filter context: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertFilter,
		f.ID,
		f.Phrase,
		encoded,
		nullTime(f.ExpiresAt),
		f.Irreversible,
		f.WholeWord,
	); err != nil {
		return fmt.Errorf("upserting filter %s: %w", f.ID, err)
	}
	tx.touch(TableFilters)
	return nil
}

// GetFilter retrieves a filter by ID, expired or not.
// Returns ErrNotFound if the filter is not cached.
func (s *SQLiteStore) GetFilter(ctx context.Context, id string) (*Filter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+filterColumns+` FROM filters WHERE id = ?`, id)
	f, err := scanFilter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying filter: %w", err)
	}
	return f, nil
}

// DeleteFilter removes a filter by ID.
func (s *SQLiteStore) DeleteFilter(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting filter: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			tx.touch(TableFilters)
		}
		return nil
	})
}

// ActiveFilters returns the filters that have not expired at now and apply
// to filterContext, ordered by ID. An empty filterContext matches every
// context.
func (s *SQLiteStore) ActiveFilters(ctx context.Context, now time.Time, filterContext FilterContext) ([]Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+filterColumns+` FROM filters
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY id`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying filters: %w", err)
	}
	defer rows.Close()

	filters := []Filter{}
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning filter: %w", err)
		}
		if filterContext != "" && !f.AppliesTo(filterContext) {
			continue
		}
		filters = append(filters, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating filters: %w", err)
	}
	return filters, nil
}

// DeleteExpiredFilters evicts filters whose expiry is at or before now and
// returns how many were removed.
func (s *SQLiteStore) DeleteExpiredFilters(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM filters WHERE expires_at IS NOT NULL AND expires_at <= ?`,
			formatTime(now))
		if err != nil {
			return fmt.Errorf("deleting expired filters: %w", err)
		}
		removed, _ = result.RowsAffected()
		if removed > 0 {
			tx.touch(TableFilters)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("deleted expired filters", "count", removed)
	}
	return removed, nil
}

func scanFilter(row scanner) (*Filter, error) {
	var f Filter
	var contexts []byte
	var expiresAt sql.NullString
	if err := row.Scan(&f.ID, &f.Phrase, &contexts, &expiresAt, &f.Irreversible, &f.WholeWord); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contexts, &f.Context); err != nil {
		return nil, fmt.Errorf("decoding filter context: %w", err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing filter expires_at: %w", err)
		}
		f.ExpiresAt = &t
	}
	return &f, nil
}
