// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens the database, applies migrations, serializes writers and classifies driver errors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/2389/fedicache/internal/observe"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// timeFormat is fixed-width with full nanoseconds so stored timestamps sort
// lexically in the same order as the times they encode.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Options configures Open.
type Options struct {
	Path        string
	Driver      string        // DriverModernc (default) or DriverCgo
	BusyTimeout time.Duration // defaults to 5s
	Logger      *slog.Logger
	Registry    *observe.Registry // created and owned by the store when nil
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	driver   string
	logger   *slog.Logger
	registry *observe.Registry
	ownsReg  bool
	migrator *Migrator

	// writeMu serializes writers; SQLite allows one writer at a time.
	writeMu sync.Mutex
}

// Open creates or opens the cache database at opts.Path and applies every
// pending migration. A migration failure is fatal: the database is closed
// and an error wrapping ErrMigration is returned.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	// Ensure parent directory exists
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := buildDSN(driver, opts.Path, busy)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		driver:   driver,
		logger:   logger,
		registry: opts.Registry,
		migrator: cacheMigrator(base),
	}
	if s.registry == nil {
		s.registry = observe.NewRegistry(base)
		s.ownsReg = true
	}

	applied, err := s.migrator.Migrate(ctx, db)
	if err != nil {
		s.Close()
		return nil, err
	}
	if len(applied) > 0 {
		s.registry.Publish(Tables...)
	}

	logger.Info("SQLite store initialized", "path", opts.Path, "driver", driver, "migrations_applied", len(applied))
	return s, nil
}

// buildDSN attaches the per-connection pragmas in the syntax each driver
// understands, so every pooled connection gets them.
func buildDSN(driver, path string, busy time.Duration) (string, error) {
	ms := busy.Milliseconds()
	switch driver {
	case DriverModernc:
		return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, ms), nil
	case DriverCgo:
		return fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, ms), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// Close closes the database connection. A registry created by Open is
// closed too, ending every watch on this store; a registry passed in via
// Options stays open.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	if s.ownsReg {
		s.registry.Close()
	}
	return s.db.Close()
}

// Registry returns the change registry this store publishes to.
func (s *SQLiteStore) Registry() *observe.Registry {
	return s.registry
}

// AppliedMigrations lists recorded migration names in application order.
func (s *SQLiteStore) AppliedMigrations(ctx context.Context) ([]string, error) {
	return s.migrator.Applied(ctx, s.db)
}

// TableCounts returns the number of rows in every cache table.
func (s *SQLiteStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		for _, table := range Tables {
			var n int64
			// Table names come from the fixed Tables list.
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				return fmt.Errorf("counting %s: %w", table, err)
			}
			counts[table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// writeTx is a write transaction that remembers which tables it touched.
type writeTx struct {
	*sql.Tx
	touched map[string]struct{}
}

func (w *writeTx) touch(tables ...string) {
	for _, t := range tables {
		w.touched[t] = struct{}{}
	}
}

// withTx runs fn as one serialized write transaction. On success the touched
// tables are published after commit; on any error the transaction is rolled
// back and nothing is published.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *writeTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	w := &writeTx{Tx: tx, touched: make(map[string]struct{})}
	if err := fn(w); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", classify(err))
	}

	if len(w.touched) > 0 {
		tables := make([]string, 0, len(w.touched))
		for t := range w.touched {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		s.registry.Publish(tables...)
	}
	return nil
}

// withReadTx runs fn inside a read transaction so that multi-query reads see
// one consistent snapshot. In WAL mode this never blocks the writer.
func (s *SQLiteStore) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// classify tags constraint and lock failures with the matching sentinel,
// keeping the cause.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConstraint) {
		return err
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	if isBusy(err) && !errors.Is(err, ErrBusy) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}

// isConstraintViolation checks if the error is a SQLite constraint failure.
// modernc errors carry a typed result code; the cgo driver is matched by message.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime returns nil for a nil time, otherwise the formatted timestamp
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// jsonList returns the payload verbatim, or an empty JSON array when unset.
func jsonList(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("[]")
	}
	return []byte(b)
}

// nullBlob returns nil for an empty payload, otherwise the bytes verbatim
func nullBlob(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// rawOrNil converts a scanned blob into a RawMessage, keeping NULL as nil.
func rawOrNil(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// nullString stores an empty string as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullBoolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
