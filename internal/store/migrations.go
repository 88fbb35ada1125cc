// ABOUTME: Registered schema migrations for the content cache
// ABOUTME: 0.1.0 creates every table; later versions are additive or corrective

package store

import (
	"context"
	"database/sql"
	"log/slog"
)

// Accounts. moved_id is a soft reference and carries no constraint.
const sqlCreateAccounts = `
	CREATE TABLE accounts (
		id              TEXT NOT NULL PRIMARY KEY,
		username        TEXT NOT NULL,
		acct            TEXT NOT NULL,
		display_name    TEXT NOT NULL,
		locked          INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		followers_count INTEGER NOT NULL,
		following_count INTEGER NOT NULL,
		statuses_count  INTEGER NOT NULL,
		note            TEXT NOT NULL,
		url             TEXT NOT NULL,
		avatar          TEXT NOT NULL,
		avatar_static   TEXT NOT NULL,
		header          TEXT NOT NULL,
		header_static   TEXT NOT NULL,
		fields          BLOB NOT NULL,
		emojis          BLOB NOT NULL,
		bot             INTEGER NOT NULL,
		discoverable    INTEGER,
		moved_id        TEXT
	)`

// Statuses. Reply pointers are soft; a boost is owned by the boosted status.
const sqlCreateStatuses = `
	CREATE TABLE statuses (
		id                     TEXT NOT NULL PRIMARY KEY,
		uri                    TEXT NOT NULL,
		created_at             TEXT NOT NULL,
		account_id             TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		content                TEXT NOT NULL,
		visibility             TEXT NOT NULL,
		sensitive              INTEGER NOT NULL,
		spoiler_text           TEXT NOT NULL,
		media_attachments      BLOB NOT NULL,
		mentions               BLOB NOT NULL,
		tags                   BLOB NOT NULL,
		emojis                 BLOB NOT NULL,
		reblogs_count          INTEGER NOT NULL,
		favourites_count       INTEGER NOT NULL,
		replies_count          INTEGER NOT NULL,
		application            BLOB,
		url                    TEXT,
		in_reply_to_id         TEXT,
		in_reply_to_account_id TEXT,
		reblog_id              TEXT REFERENCES statuses(id) ON DELETE CASCADE,
		poll                   BLOB,
		card                   BLOB,
		language               TEXT,
		text                   TEXT,
		favourited             INTEGER NOT NULL,
		reblogged              INTEGER NOT NULL,
		muted                  INTEGER NOT NULL,
		bookmarked             INTEGER NOT NULL,
		pinned                 INTEGER
	)`

const sqlCreateTimelines = `
	CREATE TABLE timelines (
		id                 TEXT NOT NULL PRIMARY KEY,
		kind               TEXT NOT NULL,
		list_id            TEXT,
		list_title         TEXT COLLATE NOCASE,
		tag                TEXT,
		account_id         TEXT,
		profile_collection TEXT,

		CHECK (kind IN ('home', 'local', 'federated', 'favourites', 'bookmarks', 'list', 'tag', 'profile'))
	)`

const sqlCreateLoadMoreMarkers = `
	CREATE TABLE load_more_markers (
		timeline_id     TEXT NOT NULL REFERENCES timelines(id) ON DELETE CASCADE,
		after_status_id TEXT NOT NULL,

		PRIMARY KEY (timeline_id, after_status_id)
	)`

const sqlCreateTimelineStatuses = `
	CREATE TABLE timeline_statuses (
		timeline_id TEXT NOT NULL REFERENCES timelines(id) ON DELETE CASCADE,
		status_id   TEXT NOT NULL REFERENCES statuses(id) ON DELETE CASCADE,

		PRIMARY KEY (timeline_id, status_id)
	)`

const sqlCreateFilters = `
	CREATE TABLE filters (
		id           TEXT NOT NULL PRIMARY KEY,
		phrase       TEXT NOT NULL,
		context      BLOB NOT NULL,
		expires_at   TEXT,
		irreversible INTEGER NOT NULL,
		whole_word   INTEGER NOT NULL
	)`

// threadJoinDDL builds one of the two symmetric thread join tables.
func threadJoinDDL(table string) string {
	return `
	CREATE TABLE ` + table + ` (
		parent_id TEXT NOT NULL REFERENCES statuses(id) ON DELETE CASCADE,
		status_id TEXT NOT NULL REFERENCES statuses(id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,

		PRIMARY KEY (parent_id, status_id)
	)`
}

const sqlCreateAccountPinnedStatuses = `
	CREATE TABLE account_pinned_statuses (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		status_id  TEXT NOT NULL REFERENCES statuses(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,

		PRIMARY KEY (account_id, status_id)
	)`

const sqlCreateAccountLists = `
	CREATE TABLE account_lists (
		id TEXT NOT NULL PRIMARY KEY
	)`

const sqlCreateAccountListMembers = `
	CREATE TABLE account_list_members (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		list_id    TEXT NOT NULL REFERENCES account_lists(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,

		PRIMARY KEY (account_id, list_id)
	)`

// migrateInitial creates every cache table with the indexes that back
// cascades and join lookups.
func migrateInitial(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		sqlCreateAccounts,
		sqlCreateStatuses,
		`CREATE INDEX idx_statuses_account_id ON statuses(account_id)`,
		sqlCreateTimelines,
		`CREATE INDEX idx_timelines_list_title ON timelines(list_title)`,
		sqlCreateLoadMoreMarkers,
		sqlCreateTimelineStatuses,
		`CREATE INDEX idx_timeline_statuses_timeline_id ON timeline_statuses(timeline_id)`,
		`CREATE INDEX idx_timeline_statuses_status_id ON timeline_statuses(status_id)`,
		sqlCreateFilters,
		`CREATE INDEX idx_filters_expires_at ON filters(expires_at)`,
		threadJoinDDL(TableStatusAncestors),
		`CREATE INDEX idx_status_ancestors_parent_id ON status_ancestors(parent_id)`,
		`CREATE INDEX idx_status_ancestors_status_id ON status_ancestors(status_id)`,
		threadJoinDDL(TableStatusDescendants),
		`CREATE INDEX idx_status_descendants_parent_id ON status_descendants(parent_id)`,
		`CREATE INDEX idx_status_descendants_status_id ON status_descendants(status_id)`,
		sqlCreateAccountPinnedStatuses,
		`CREATE INDEX idx_account_pinned_statuses_account_id ON account_pinned_statuses(account_id)`,
		`CREATE INDEX idx_account_pinned_statuses_status_id ON account_pinned_statuses(status_id)`,
		sqlCreateAccountLists,
		sqlCreateAccountListMembers,
		`CREATE INDEX idx_account_list_members_account_id ON account_list_members(account_id)`,
		`CREATE INDEX idx_account_list_members_list_id ON account_list_members(list_id)`,
	)
}

// migrateReadIndexes adds indexes for timeline ordering and soft-reference lookups.
func migrateReadIndexes(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE INDEX idx_statuses_created_at ON statuses(created_at DESC, id DESC)`,
		`CREATE INDEX idx_statuses_reblog_id ON statuses(reblog_id)`,
		`CREATE INDEX idx_accounts_moved_id ON accounts(moved_id)`,
	)
}

// migrateNanosecondTimes widens timestamps written with millisecond
// precision to the nanosecond layout so old and new rows compare correctly.
func migrateNanosecondTimes(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`UPDATE accounts SET created_at = substr(created_at, 1, 23) || '000000Z' WHERE length(created_at) = 24`,
		`UPDATE statuses SET created_at = substr(created_at, 1, 23) || '000000Z' WHERE length(created_at) = 24`,
		`UPDATE filters SET expires_at = substr(expires_at, 1, 23) || '000000Z' WHERE length(expires_at) = 24`,
	)
}

// cacheMigrator returns the migrator holding the cache's schema history.
// Entries are append-only: never edit or reorder a released migration.
func cacheMigrator(logger *slog.Logger) *Migrator {
	m := NewMigrator(logger)
	mustRegister(m, "0.1.0", migrateInitial)
	mustRegister(m, "0.2.0", migrateReadIndexes)
	mustRegister(m, "0.3.0", migrateNanosecondTimes)
	return m
}

func mustRegister(m *Migrator, name string, apply func(ctx context.Context, tx *sql.Tx) error) {
	if err := m.Register(name, apply); err != nil {
		panic(err)
	}
}
