// ABOUTME: Account entity persistence: upsert, lookup, soft moved-account lookup, delete
// ABOUTME: Deleting an account cascades its statuses, pinned rows and list memberships

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const accountColumns = `a.id, a.username, a.acct, a.display_name, a.locked, a.created_at,
	a.followers_count, a.following_count, a.statuses_count, a.note, a.url,
	a.avatar, a.avatar_static, a.header, a.header_static, a.fields, a.emojis,
	a.bot, a.discoverable, a.moved_id`

const sqlUpsertAccount = `
	INSERT INTO accounts (
		id, username, acct, display_name, locked, created_at,
		followers_count, following_count, statuses_count, note, url,
		avatar, avatar_static, header, header_static, fields, emojis,
		bot, discoverable, moved_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		acct = excluded.acct,
		display_name = excluded.display_name,
		locked = excluded.locked,
		created_at = excluded.created_at,
		followers_count = excluded.followers_count,
		following_count = excluded.following_count,
		statuses_count = excluded.statuses_count,
		note = excluded.note,
		url = excluded.url,
		avatar = excluded.avatar,
		avatar_static = excluded.avatar_static,
		header = excluded.header,
		header_static = excluded.header_static,
		fields = excluded.fields,
		emojis = excluded.emojis,
		bot = excluded.bot,
		discoverable = excluded.discoverable,
		moved_id = excluded.moved_id`

// UpsertAccount inserts the account or overwrites the cached row with the same id.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account *Account) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		return upsertAccount(ctx, tx, account)
	})
}

// UpsertAccounts upserts a batch of accounts atomically.
func (s *SQLiteStore) UpsertAccounts(ctx context.Context, accounts []Account) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		for i := range accounts {
			if err := upsertAccount(ctx, tx, &accounts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertAccount(ctx context.Context, tx *writeTx, a *Account) error {
	_, err := tx.ExecContext(ctx, sqlUpsertAccount,
		a.ID,
		a.Username,
		a.Acct,
		a.DisplayName,
		a.Locked,
		formatTime(a.CreatedAt),
		a.FollowersCount,
		a.FollowingCount,
		a.StatusesCount,
		a.Note,
		a.URL,
		a.Avatar,
		a.AvatarStatic,
		a.Header,
		a.HeaderStatic,
		jsonList(a.Fields),
		jsonList(a.Emojis),
		a.Bot,
		a.Discoverable,
		a.MovedID,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	tx.touch(TableAccounts)
	return nil
}

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if the account is not cached.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, s.db, id)
}

// MovedAccount follows the soft moved_id reference of the given account.
// It returns nil, nil when the account has not moved or the target is not cached.
func (s *SQLiteStore) MovedAccount(ctx context.Context, id string) (*Account, error) {
	var moved *Account
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		a, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.MovedID == nil {
			return nil
		}
		moved, err = getAccount(ctx, tx, *a.MovedID)
		if err == ErrNotFound {
			moved = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// DeleteAccount removes an account and everything it structurally owns.
// Deleting an account that is not cached is a no-op.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *writeTx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting account: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		tx.touch(
			TableAccounts,
			TableStatuses,
			TableTimelineStatuses,
			TableStatusAncestors,
			TableStatusDescendants,
			TableAccountPinnedStatuses,
			TableAccountListMembers,
		)
		s.logger.Debug("deleted account", "id", id)
		return nil
	})
}

func getAccount(ctx context.Context, q querier, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.id = ?`
	a, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

// accountDest collects scan targets for accountColumns.
type accountDest struct {
	a            Account
	createdAt    string
	fields       []byte
	emojis       []byte
	discoverable sql.NullBool
	movedID      sql.NullString
}

func (d *accountDest) targets() []any {
	return []any{
		&d.a.ID, &d.a.Username, &d.a.Acct, &d.a.DisplayName, &d.a.Locked, &d.createdAt,
		&d.a.FollowersCount, &d.a.FollowingCount, &d.a.StatusesCount, &d.a.Note, &d.a.URL,
		&d.a.Avatar, &d.a.AvatarStatic, &d.a.Header, &d.a.HeaderStatic, &d.fields, &d.emojis,
		&d.a.Bot, &d.discoverable, &d.movedID,
	}
}

func (d *accountDest) account() (*Account, error) {
	var err error
	d.a.CreatedAt, err = parseTime(d.createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing account created_at: %w", err)
	}
	d.a.Fields = rawOrNil(d.fields)
	d.a.Emojis = rawOrNil(d.emojis)
	d.a.Discoverable = nullBoolPtr(d.discoverable)
	d.a.MovedID = nullStringPtr(d.movedID)
	a := d.a
	return &a, nil
}

func scanAccount(row scanner) (*Account, error) {
	var d accountDest
	if err := row.Scan(d.targets()...); err != nil {
		return nil, err
	}
	return d.account()
}
