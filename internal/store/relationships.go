// ABOUTME: Ordered relationship joins: pinned statuses per account and account lists
// ABOUTME: Both follow the full-replace-by-owner pattern with sequential positions

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ReplacePinnedStatuses sets the pinned statuses of accountID to bundles, in
// order. The account must already be cached.
func (s *SQLiteStore) ReplacePinnedStatuses(ctx context.Context, accountID string, bundles []StatusBundle) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM account_pinned_statuses WHERE account_id = ?`, accountID,
		); err != nil {
			return fmt.Errorf("clearing pinned statuses: %w", err)
		}
		tx.touch(TableAccountPinnedStatuses)

		for i := range bundles {
			if err := upsertBundle(ctx, tx, &bundles[i]); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO account_pinned_statuses (account_id, status_id, position) VALUES (?, ?, ?)
				 ON CONFLICT(account_id, status_id) DO UPDATE SET position = excluded.position`,
				accountID, bundles[i].Status.ID, i,
			); err != nil {
				return fmt.Errorf("pinning status %s: %w", bundles[i].Status.ID, err)
			}
		}

		s.logger.Debug("replaced pinned statuses", "account_id", accountID, "count", len(bundles))
		return nil
	})
}

// PinnedStatuses returns the pinned statuses of accountID in pin order.
func (s *SQLiteStore) PinnedStatuses(ctx context.Context, accountID string) ([]StatusBundle, error) {
	query := bundleSelect + `
		JOIN account_pinned_statuses p ON p.status_id = s.id
		WHERE p.account_id = ?
		ORDER BY p.position ASC`

	var bundles []StatusBundle
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		bundles, err = queryBundles(ctx, tx, query, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

// CreateAccountList stores accounts as a new ordered list and returns its
// generated ID.
func (s *SQLiteStore) CreateAccountList(ctx context.Context, accounts []Account) (string, error) {
	listID := uuid.New().String()
	if err := s.ReplaceAccountList(ctx, listID, accounts); err != nil {
		return "", err
	}
	return listID, nil
}

// ReplaceAccountList sets the members of listID, creating the list if needed.
func (s *SQLiteStore) ReplaceAccountList(ctx context.Context, listID string, accounts []Account) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO account_lists (id) VALUES (?) ON CONFLICT DO NOTHING`, listID,
		); err != nil {
			return fmt.Errorf("creating account list: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM account_list_members WHERE list_id = ?`, listID,
		); err != nil {
			return fmt.Errorf("clearing account list: %w", err)
		}
		tx.touch(TableAccountLists, TableAccountListMembers)

		for i := range accounts {
			if err := upsertAccount(ctx, tx, &accounts[i]); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO account_list_members (account_id, list_id, position) VALUES (?, ?, ?)
				 ON CONFLICT(account_id, list_id) DO UPDATE SET position = excluded.position`,
				accounts[i].ID, listID, i,
			); err != nil {
				return fmt.Errorf("adding account %s to list: %w", accounts[i].ID, err)
			}
		}

		s.logger.Debug("replaced account list", "list_id", listID, "count", len(accounts))
		return nil
	})
}

// AccountListAccounts returns the members of listID in list order.
func (s *SQLiteStore) AccountListAccounts(ctx context.Context, listID string) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a
		JOIN account_list_members m ON m.account_id = a.id
		WHERE m.list_id = ?
		ORDER BY m.position ASC`, listID)
	if err != nil {
		return nil, fmt.Errorf("querying account list: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account list: %w", err)
	}
	return accounts, nil
}

// DeleteAccountList removes a list and its memberships. The accounts stay.
func (s *SQLiteStore) DeleteAccountList(ctx context.Context, listID string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM account_lists WHERE id = ?`, listID)
		if err != nil {
			return fmt.Errorf("deleting account list: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			tx.touch(TableAccountLists, TableAccountListMembers)
		}
		return nil
	})
}
