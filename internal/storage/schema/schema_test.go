package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/0001_items.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"migrations/0001_items.down.sql": {Data: []byte("DROP TABLE IF EXISTS items;")},
		"migrations/0002_tags.up.sql":    {Data: []byte("CREATE TABLE tags (id TEXT PRIMARY KEY);")},
		"migrations/0002_tags.down.sql":  {Data: []byte("DROP TABLE IF EXISTS tags;")},
		"migrations/0003_notes.up.sql":   {Data: []byte("ALTER TABLE items ADD COLUMN note TEXT;")},
		"migrations/0003_notes.down.sql": {Data: []byte("ALTER TABLE items DROP COLUMN note;")},
	}
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "schema.db")+"?_txlock=immediate")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRunner(t *testing.T, db *sql.DB) *Runner {
	t.Helper()

	migrations, err := Load(testFS(), "migrations")
	require.NoError(t, err)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewRunner(db, SQLite, migrations, WithClock(func() time.Time { return clock }))
}

func ids(migrations []Migration) []string {
	out := make([]string, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, m.ID())
	}
	return out
}

func TestLoad(t *testing.T) {
	t.Parallel()

	migrations, err := Load(testFS(), "migrations")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_items", "0002_tags", "0003_notes"}, ids(migrations))
	assert.Contains(t, migrations[0].Up, "CREATE TABLE items")
	assert.Contains(t, migrations[2].Down, "DROP COLUMN note")
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fsys    fstest.MapFS
		message string
	}{
		"no files": {
			fsys:    fstest.MapFS{},
			message: "no migration files",
		},
		"missing down": {
			fsys:    fstest.MapFS{"m/0001_init.up.sql": {Data: []byte("SELECT 1;")}},
			message: "both up and down",
		},
		"bad name": {
			fsys:    fstest.MapFS{"m/init.sql": {Data: []byte("SELECT 1;")}},
			message: "invalid migration file name",
		},
		"empty body": {
			fsys: fstest.MapFS{
				"m/0001_init.up.sql":   {Data: []byte("  \n")},
				"m/0001_init.down.sql": {Data: []byte("SELECT 1;")},
			},
			message: "empty",
		},
		"name mismatch": {
			fsys: fstest.MapFS{
				"m/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
				"m/0001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			message: "name mismatch",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(tc.fsys, "m")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestRunner_UpStatusDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := newTestRunner(t, openSQLite(t))

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Version)
	assert.Len(t, status.Pending, 3)

	applied, err := runner.Up(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_items", "0002_tags"}, ids(applied))

	applied, err = runner.Up(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0003_notes"}, ids(applied))

	applied, err = runner.Up(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, applied)

	status, err = runner.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Version)
	require.Len(t, status.Applied, 3)
	assert.Empty(t, status.Pending)
	assert.Equal(t, "tags", status.Applied[1].Name)
	assert.True(t, status.Applied[0].AppliedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	rolled, err := runner.Down(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0003_notes"}, ids(rolled))

	rolled, err = runner.Down(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_tags", "0001_items"}, ids(rolled))

	rolled, err = runner.Down(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rolled)

	status, err = runner.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Version)
	assert.Empty(t, status.Applied)
}

func TestRunner_FailedMigrationRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fsys := testFS()
	fsys["migrations/0002_tags.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE broken (")}
	migrations, err := Load(fsys, "migrations")
	require.NoError(t, err)

	runner := NewRunner(openSQLite(t), SQLite, migrations)
	applied, err := runner.Up(ctx, 0)
	require.ErrorContains(t, err, "0002_tags")
	assert.Equal(t, []string{"0001_items"}, ids(applied))

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Version)
	assert.Equal(t, []string{"0002_tags", "0003_notes"}, ids(status.Pending))
}

func TestRunner_DownUnknownVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openSQLite(t)
	_, err := newTestRunner(t, db).Up(ctx, 0)
	require.NoError(t, err)

	migrations, err := Load(testFS(), "migrations")
	require.NoError(t, err)
	_, err = NewRunner(db, SQLite, migrations[:2]).Down(ctx, 1)
	require.ErrorContains(t, err, "unknown migration version 3")
}

func TestRunner_NilGuards(t *testing.T) {
	t.Parallel()

	var runner *Runner
	_, err := runner.Up(context.Background(), 0)
	require.Error(t, err)
	_, err = runner.Status(context.Background())
	require.Error(t, err)
}

func TestPostgresPlaceholder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "$3", Postgres.Placeholder(3))
	assert.Equal(t, "?", SQLite.Placeholder(3))
	assert.Equal(t, "0012_outbox", Migration{Version: 12, Name: "outbox"}.ID())
}
