// ABOUTME: Tests for opening the SQLite store, the migrator and change publication
// ABOUTME: Includes the golden schema snapshot and driver/DSN handling

package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fedicache/internal/observe"
)

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "cache.db")

	s, err := Open(context.Background(), Options{Path: dbPath})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Path:   filepath.Join(t.TempDir(), "cache.db"),
		Driver: "postgres",
	})
	assert.Error(t, err)
}

func TestOpen_CgoDriver(t *testing.T) {
	s, err := Open(context.Background(), Options{
		Path:   filepath.Join(t.TempDir(), "cache.db"),
		Driver: DriverCgo,
	})
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("mattn/go-sqlite3 requires cgo")
	}
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	st := makeStatus("st1", "ghost", baseTime)
	assert.ErrorIs(t, s.UpsertStatus(ctx, &st), ErrConstraint, "foreign keys are enforced")

	require.NoError(t, s.AppendStatuses(ctx, HomeTimeline(), []StatusBundle{makeBundle("st1", makeAccount("acc1"), baseTime)}, PositionHint{}))
	home, err := s.TimelineStatuses(ctx, "home", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"st1"}, statusIDs(home))
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(DriverModernc, "/tmp/cache.db", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", dsn)

	dsn, err = buildDSN(DriverCgo, "/tmp/cache.db", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=2000", dsn)
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Hold one connection so the next query must use another.
	conn, err := s.db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var fk int
	require.NoError(t, s.db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_AppliesMigrationsInOrder(t *testing.T) {
	s := setupTestStore(t)

	applied, err := s.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1.0", "0.2.0", "0.3.0"}, applied)
	assert.Equal(t, applied, cacheMigrator(nil).Names())
}

// dumpSchema renders tables, columns and named indexes in a stable order.
func dumpSchema(t *testing.T, db *sql.DB) string {
	t.Helper()
	ctx := context.Background()

	var tables []string
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	require.NoError(t, err)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())
	rows.Close()

	var b strings.Builder
	for _, table := range tables {
		cols, err := db.QueryContext(ctx,
			`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, table)
		require.NoError(t, err)
		for cols.Next() {
			var name, typ string
			var notNull, pk int
			require.NoError(t, cols.Scan(&name, &typ, &notNull, &pk))
			fmt.Fprintf(&b, "%s.%s %s notnull=%d pk=%d\n", table, name, typ, notNull, pk)
		}
		require.NoError(t, cols.Err())
		cols.Close()
	}

	idx, err := db.QueryContext(ctx,
		`SELECT name, tbl_name FROM sqlite_master
		 WHERE type = 'index' AND name NOT LIKE 'sqlite_autoindex_%' ORDER BY name`)
	require.NoError(t, err)
	defer idx.Close()
	for idx.Next() {
		var name, table string
		require.NoError(t, idx.Scan(&name, &table))
		fmt.Fprintf(&b, "index %s on %s\n", name, table)
	}
	require.NoError(t, idx.Err())

	return b.String()
}

func TestSchema_Golden(t *testing.T) {
	s := setupTestStore(t)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "schema", []byte(dumpSchema(t, s.db)))
}

func TestMigrate_ReopenIsNoop(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	first, err := Open(ctx, Options{Path: dbPath})
	require.NoError(t, err)
	before := dumpSchema(t, first.db)
	require.NoError(t, first.Close())

	second, err := Open(ctx, Options{Path: dbPath})
	require.NoError(t, err)
	defer second.Close()

	ran, err := cacheMigrator(nil).Migrate(ctx, second.db)
	require.NoError(t, err)
	assert.Empty(t, ran, "no migration may run twice")

	applied, err := second.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1.0", "0.2.0", "0.3.0"}, applied)
	assert.Equal(t, before, dumpSchema(t, second.db))
}

func TestMigrate_WidensMillisecondTimestamps(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(ctx, Options{Path: dbPath})
	require.NoError(t, err)

	acc := makeAccount("acc1")
	newer := makeBundle("new", acc, baseTime.Add(1500*time.Microsecond))
	older := makeBundle("old", acc, baseTime.Add(time.Millisecond))
	require.NoError(t, s.AppendStatuses(ctx, HomeTimeline(), []StatusBundle{newer}, PositionHint{}))
	expires := baseTime.Add(time.Hour)
	require.NoError(t, s.UpsertFilter(ctx, &Filter{ID: "f1", Phrase: "x", Context: []FilterContext{FilterContextHome}, ExpiresAt: &expires}))

	// Rewrite rows the way a build with millisecond timestamps stored them.
	const msFormat = "2006-01-02T15:04:05.000Z07:00"
	require.NoError(t, s.AppendStatuses(ctx, HomeTimeline(), []StatusBundle{older}, PositionHint{}))
	for _, stmt := range []struct {
		query string
		args  []any
	}{
		{`UPDATE accounts SET created_at = ?`, []any{baseTime.Format(msFormat)}},
		{`UPDATE statuses SET created_at = ? WHERE id = 'old'`, []any{older.Status.CreatedAt.Format(msFormat)}},
		{`UPDATE filters SET expires_at = ?`, []any{expires.Format(msFormat)}},
		{`DELETE FROM schema_migrations WHERE name = '0.3.0'`, nil},
	} {
		_, err := s.db.ExecContext(ctx, stmt.query, stmt.args...)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Path: dbPath})
	require.NoError(t, err)
	defer s.Close()

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT created_at FROM statuses WHERE id = 'old'`).Scan(&raw))
	assert.Equal(t, formatTime(older.Status.CreatedAt), raw)
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT expires_at FROM filters WHERE id = 'f1'`).Scan(&raw))
	assert.Equal(t, formatTime(expires), raw)

	got, err := s.TimelineStatuses(ctx, "home", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, statusIDs(got))
	assert.True(t, baseTime.Equal(got[0].Account.CreatedAt))
}

func TestOpen_MigrationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	// A conflicting table makes 0.1.0 fail part way through.
	dsn, err := buildDSN(DriverModernc, dbPath, time.Second)
	require.NoError(t, err)
	raw, err := sql.Open(DriverModernc, dsn)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `CREATE TABLE statuses (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := Open(ctx, Options{Path: dbPath})
	require.ErrorIs(t, err, ErrMigration)
	assert.Contains(t, err.Error(), "0.1.0")
	assert.Nil(t, s)

	// The last connection closing removes the WAL file.
	assert.NoFileExists(t, dbPath+"-wal", "Open must close the database on failure")

	raw, err = sql.Open(DriverModernc, dsn)
	require.NoError(t, err)
	defer raw.Close()
	assert.False(t, tableExists(t, raw, TableAccounts), "failed migration must leave no trace")
	var n int
	require.NoError(t, raw.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Zero(t, n)
}

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn, err := buildDSN(DriverModernc, filepath.Join(t.TempDir(), "raw.db"), time.Second)
	require.NoError(t, err)
	db, err := sql.Open(DriverModernc, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestMigrator_AppliesPendingOnly(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)

	var order []string
	step := func(name string) func(context.Context, *sql.Tx) error {
		return func(ctx context.Context, tx *sql.Tx) error {
			order = append(order, name)
			_, err := tx.ExecContext(ctx, `CREATE TABLE t_`+name+` (id INTEGER)`)
			return err
		}
	}

	m := NewMigrator(nil)
	require.NoError(t, m.Register("one", step("one")))
	require.NoError(t, m.Register("two", step("two")))

	ran, err := m.Migrate(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, ran)

	// A later build appends a migration; only it runs.
	require.NoError(t, m.Register("three", step("three")))
	ran, err = m.Migrate(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, ran)
	assert.Equal(t, []string{"one", "two", "three"}, order)

	applied, err := m.Applied(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, applied)
}

func TestMigrator_FailureIsAtomicAndFatal(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)

	m := NewMigrator(nil)
	require.NoError(t, m.Register("good", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE good (id INTEGER)`)
		return err
	}))
	require.NoError(t, m.Register("bad", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE half_done (id INTEGER)`); err != nil {
			return err
		}
		return errors.New("boom")
	}))
	require.NoError(t, m.Register("never", func(ctx context.Context, tx *sql.Tx) error {
		t.Fatal("migration after a failure must not run")
		return nil
	}))

	ran, err := m.Migrate(ctx, db)
	require.ErrorIs(t, err, ErrMigration)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"good"}, ran)

	assert.True(t, tableExists(t, db, "good"))
	assert.False(t, tableExists(t, db, "half_done"), "failed migration must leave no trace")

	applied, err := m.Applied(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, applied)
}

func TestMigrator_Register(t *testing.T) {
	m := NewMigrator(nil)
	noop := func(context.Context, *sql.Tx) error { return nil }

	require.NoError(t, m.Register("0.1.0", noop))
	assert.Error(t, m.Register("0.1.0", noop), "duplicate name")
	assert.Error(t, m.Register("", noop), "empty name")
	assert.Error(t, m.Register("0.2.0", nil), "nil apply")
	assert.Equal(t, []string{"0.1.0"}, m.Names())
}

func TestMigrator_ToleratesUnknownRecordedMigration(t *testing.T) {
	ctx := context.Background()
	db := openRawDB(t)

	newer := NewMigrator(nil)
	require.NoError(t, newer.Register("a", func(context.Context, *sql.Tx) error { return nil }))
	require.NoError(t, newer.Register("from-the-future", func(context.Context, *sql.Tx) error { return nil }))
	_, err := newer.Migrate(ctx, db)
	require.NoError(t, err)

	older := NewMigrator(nil)
	require.NoError(t, older.Register("a", func(context.Context, *sql.Tx) error { return nil }))
	ran, err := older.Migrate(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	plain := errors.New("disk on fire")
	assert.Equal(t, plain, classify(plain))

	cgoStyle := errors.New("FOREIGN KEY constraint failed")
	assert.ErrorIs(t, classify(cgoStyle), ErrConstraint)

	locked := errors.New("database is locked")
	assert.ErrorIs(t, classify(locked), ErrBusy)

	already := fmt.Errorf("%w: mismatch", ErrConstraint)
	assert.Equal(t, already, classify(already))
}

// Change publication

func waitForChange(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestWrite_PublishesTouchedTables(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	reg := s.Registry()

	before := reg.Versions(TableTimelineStatuses, TableFilters)
	markers, _ := reg.Subscribe(t.Context(), TableTimelineStatuses)
	filters, _ := reg.Subscribe(t.Context(), TableFilters)

	require.NoError(t, s.AppendStatuses(ctx, HomeTimeline(), []StatusBundle{makeBundle("st1", makeAccount("acc1"), baseTime)}, PositionHint{}))

	waitForChange(t, markers)
	select {
	case <-filters:
		t.Fatal("filters were not written")
	case <-time.After(100 * time.Millisecond):
	}

	after := reg.Versions(TableTimelineStatuses, TableFilters)
	assert.Greater(t, after[TableTimelineStatuses], before[TableTimelineStatuses])
	assert.Equal(t, before[TableFilters], after[TableFilters])
}

func TestWrite_FailureDoesNotPublish(t *testing.T) {
	s := setupTestStore(t)
	reg := s.Registry()
	before := reg.Versions(Tables...)

	st := makeStatus("st1", "ghost", baseTime)
	require.Error(t, s.UpsertStatus(context.Background(), &st))

	assert.True(t, before.Equal(reg.Versions(Tables...)))
}

func TestOpen_SharedRegistry(t *testing.T) {
	reg := observe.NewRegistry(nil)
	defer reg.Close()

	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "cache.db"), Registry: reg})
	require.NoError(t, err)
	defer s.Close()

	assert.Same(t, reg, s.Registry())
	assert.Equal(t, uint64(1), reg.Versions(TableAccounts)[TableAccounts], "fresh schema is announced once")

	// A registry the caller owns survives the store.
	require.NoError(t, s.Close())
	ch, _ := reg.Subscribe(t.Context(), TableAccounts)
	reg.Publish(TableAccounts)
	select {
	case _, ok := <-ch:
		assert.True(t, ok, "caller's registry must stay open after Close")
	case <-time.After(time.Second):
		t.Fatal("caller's registry stopped delivering after Close")
	}
}

func TestClose_EndsWatches(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "cache.db")})
	require.NoError(t, err)

	items := s.WatchTimeline(context.Background(), "home", Page{})
	assert.Empty(t, nextResult(t, items))

	require.NoError(t, s.Close())
	select {
	case _, ok := <-items:
		assert.False(t, ok, "watch should close with the store")
	case <-time.After(time.Second):
		t.Fatal("watch still open after Close")
	}
}

func TestOpen_ComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "cache.db"), Logger: logger})
	require.NoError(t, err)
	require.NoError(t, s.UpsertAccount(context.Background(), &Account{ID: "acc1", CreatedAt: baseTime}))
	require.NoError(t, s.Close())

	components := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"component":`), "one component per record: %s", line)
		var rec struct {
			Component string `json:"component"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		components[rec.Component] = true
	}
	assert.True(t, components["store"])
	assert.True(t, components["migrator"])
	assert.True(t, components["observe"])
}

func nextResult[T any](t *testing.T, ch <-chan observe.Result[T]) T {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "watch closed")
		require.NoError(t, res.Err)
		return res.Value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch result")
	}
	var zero T
	return zero
}

func TestWatchTimeline(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	items := s.WatchTimeline(ctx, "home", Page{Limit: 20})
	assert.Empty(t, nextResult(t, items))

	require.NoError(t, s.AppendStatuses(context.Background(), HomeTimeline(),
		[]StatusBundle{makeBundle("st1", makeAccount("acc1"), baseTime)}, PositionHint{NextGap: "st1"}))

	got := nextResult(t, items)
	require.Len(t, got, 2)
	assert.Equal(t, "st1", got[0].Status.Status.ID)
	assert.Equal(t, "st1", got[1].Gap.AfterStatusID)
}

func TestWatchThread(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	acc := makeAccount("acc1")
	status := makeBundle("S", acc, baseTime)
	require.NoError(t, s.UpsertStatuses(context.Background(), []StatusBundle{status}))

	threads := s.WatchThread(ctx, "S")
	thread := nextResult(t, threads)
	assert.Empty(t, thread.Descendants)

	require.NoError(t, s.ReplaceThread(context.Background(), status, nil,
		[]StatusBundle{makeBundle("R", acc, baseTime.Add(time.Minute))}))

	thread = nextResult(t, threads)
	assert.Equal(t, []string{"R"}, statusIDs(thread.Descendants))
}

func TestWatchFilters_StopsAfterCancel(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	filters := s.WatchFilters(ctx, FilterContextHome)
	assert.Empty(t, nextResult(t, filters))

	require.NoError(t, s.UpsertFilter(context.Background(), &Filter{
		ID: "f1", Phrase: "x", Context: []FilterContext{FilterContextHome},
	}))
	got := nextResult(t, filters)
	require.Len(t, got, 1)

	cancel()
	select {
	case _, ok := <-filters:
		assert.False(t, ok, "watch should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch not closed after cancel")
	}
}
