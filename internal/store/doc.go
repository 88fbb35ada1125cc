// Package store is the local relational cache for a federated social-network
// API: accounts, statuses, timelines, threads, pinned statuses, account lists
// and content filters.
//
// # Architecture
//
// SQLiteStore implements the Store interface on top of database/sql. Two
// drivers are supported:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// Every connection is opened with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=<ms>;
//
// # Schema and migrations
//
// The schema is defined by an ordered list of named migrations (see
// migrations.go). Each migration runs in its own transaction together with
// the row that records it in schema_migrations, so a migration is either
// fully applied and recorded or not applied at all. Migrations are forward
// only. A failing migration makes Open fail with ErrMigration.
//
// # Ownership
//
// Structural ownership is expressed with ON DELETE CASCADE:
//
//   - account -> its statuses, pinned-status rows, list memberships
//   - status -> its boosts, timeline memberships, thread rows
//   - timeline -> its memberships and load-more markers
//   - account list -> its memberships
//
// Soft references (moved_id, in_reply_to_id, in_reply_to_account_id,
// load-more anchors) carry no constraint and may point outside the cache.
//
// Parent rows are upserted with INSERT ... ON CONFLICT DO UPDATE rather than
// INSERT OR REPLACE: REPLACE deletes the old row first, which would cascade
// away every dependent row.
//
// # Concurrency
//
// Writes are serialized through a single writer lock and run as one
// transaction per logical operation. Multi-query reads run inside a read
// transaction so they observe one snapshot. After each commit the touched
// tables are published to the observe.Registry, which drives Watch* queries.
//
// # Errors
//
//   - ErrNotFound: single-entity getter found nothing
//   - ErrConstraint: a write broke a constraint (e.g. unknown account_id)
//   - ErrBusy: the lock timeout expired; the operation was rolled back
//   - ErrInvalidTimeline: timeline kind and fields disagree
//   - ErrMigration: schema migration failed; the store is unusable
package store
