// ABOUTME: Thread graph: ordered ancestor and descendant joins per status
// ABOUTME: A thread write fully replaces both join sets for its parent

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceThread stores the reply context of parent. Existing ancestor and
// descendant rows for parent are dropped and the given sequences are written
// with their slice index as server order. A status listed twice keeps its
// last position.
func (s *SQLiteStore) ReplaceThread(ctx context.Context, parent StatusBundle, ancestors, descendants []StatusBundle) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		if err := upsertBundle(ctx, tx, &parent); err != nil {
			return err
		}
		parentID := parent.Status.ID

		if err := replaceThreadSide(ctx, tx, TableStatusAncestors, parentID, ancestors); err != nil {
			return err
		}
		if err := replaceThreadSide(ctx, tx, TableStatusDescendants, parentID, descendants); err != nil {
			return err
		}

		s.logger.Debug("replaced thread",
			"status_id", parentID,
			"ancestors", len(ancestors),
			"descendants", len(descendants))
		return nil
	})
}

// replaceThreadSide rewrites one join table for parentID. table is one of the
// two thread table constants.
func replaceThreadSide(ctx context.Context, tx *writeTx, table, parentID string, bundles []StatusBundle) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE parent_id = ?`, parentID); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	tx.touch(table)

	insert := `INSERT INTO ` + table + ` (parent_id, status_id, position) VALUES (?, ?, ?)
		ON CONFLICT(parent_id, status_id) DO UPDATE SET position = excluded.position`
	for i := range bundles {
		if err := upsertBundle(ctx, tx, &bundles[i]); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, parentID, bundles[i].Status.ID, i); err != nil {
			return fmt.Errorf("linking %s row %s: %w", table, bundles[i].Status.ID, err)
		}
	}
	return nil
}

// Ancestors returns the statuses preceding statusID in its thread, in server
// order. A status with no stored thread yields an empty slice.
func (s *SQLiteStore) Ancestors(ctx context.Context, statusID string) ([]StatusBundle, error) {
	return s.threadSide(ctx, TableStatusAncestors, statusID)
}

// Descendants returns the replies following statusID, in server order.
func (s *SQLiteStore) Descendants(ctx context.Context, statusID string) ([]StatusBundle, error) {
	return s.threadSide(ctx, TableStatusDescendants, statusID)
}

func (s *SQLiteStore) threadSide(ctx context.Context, table, statusID string) ([]StatusBundle, error) {
	var bundles []StatusBundle
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		bundles, err = queryThreadSide(ctx, tx, table, statusID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func queryThreadSide(ctx context.Context, q querier, table, statusID string) ([]StatusBundle, error) {
	query := bundleSelect + `
		JOIN ` + table + ` j ON j.status_id = s.id
		WHERE j.parent_id = ?
		ORDER BY j.position ASC`
	return queryBundles(ctx, q, query, statusID)
}

// ThreadContext reads a status with its ancestors and descendants from one
// snapshot. Returns ErrNotFound if the status itself is not cached.
func (s *SQLiteStore) ThreadContext(ctx context.Context, statusID string) (*Thread, error) {
	var thread Thread
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		status, err := getBundle(ctx, tx, statusID)
		if err != nil {
			return err
		}
		thread.Status = status

		if thread.Ancestors, err = queryThreadSide(ctx, tx, TableStatusAncestors, statusID); err != nil {
			return err
		}
		thread.Descendants, err = queryThreadSide(ctx, tx, TableStatusDescendants, statusID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &thread, nil
}
