// Package schema ведёт версионированные SQL-миграции, зашитые в бинарник.
//
// Файлы называются NNNN_name.up.sql / NNNN_name.down.sql. Каждая миграция
// применяется в отдельной транзакции вместе с записью в schema_migrations,
// поэтому прерванный запуск можно безопасно повторить. Различия между
// PostgreSQL и SQLite (плейсхолдеры, DDL служебной таблицы, блокировка)
// описывает Dialect.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// postgresLockKey: ключ advisory lock, общий для всех экземпляров order-server.
const postgresLockKey = int64(0x706f7373)

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Migration: пара up/down скриптов одной версии.
type Migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// ID возвращает имя миграции в формате файлов: 0003_outbox.
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// Dialect описывает особенности конкретной СУБД.
type Dialect struct {
	Name string
	// TableDDL создаёт schema_migrations(version, name, applied_at).
	TableDDL string
	// Placeholder возвращает n-й (с единицы) параметр запроса.
	Placeholder func(n int) string
	// Lock сериализует миграции между процессами. nil: без блокировки.
	Lock func(ctx context.Context, conn *sql.Conn) (unlock func(), err error)
}

// Postgres: диалект для pgx: $N и pg_advisory_lock.
var Postgres = Dialect{
	Name: "postgres",
	TableDDL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
)`,
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Lock: func(ctx context.Context, conn *sql.Conn) (func(), error) {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", postgresLockKey); err != nil {
			return nil, err
		}
		return func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", postgresLockKey)
		}, nil
	},
}

// SQLite: диалект для go-sqlite3. Межпроцессную защиту даёт _txlock=immediate.
var SQLite = Dialect{
	Name: "sqlite",
	TableDDL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT      NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`,
	Placeholder: func(int) string { return "?" },
}

// AppliedMigration: строка schema_migrations.
type AppliedMigration struct {
	Version   int64
	Name      string
	AppliedAt time.Time
}

// Status: состояние схемы относительно зашитых миграций.
type Status struct {
	// Version: максимальная применённая версия, 0 для пустой базы.
	Version int64
	Applied []AppliedMigration
	Pending []Migration
}

// Load читает миграции из каталога dir и сортирует их по версии.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*Migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		parts := fileNamePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &Migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		case m.Name != parts[2]:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}

		target := &m.Up
		if parts[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	result := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.ID())
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

// Option настраивает Runner.
type Option func(*Runner)

// WithLogger задаёт logger для сообщений о применённых миграциях.
func WithLogger(logger *log.Entry) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock подменяет время applied_at.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner применяет и откатывает миграции одной базы.
type Runner struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
	logger     *log.Entry
	now        func() time.Time
}

// NewRunner создаёт Runner для уже загруженного набора миграций.
func NewRunner(db *sql.DB, dialect Dialect, migrations []Migration, options ...Option) *Runner {
	r := &Runner{
		db:         db,
		dialect:    dialect,
		migrations: migrations,
		logger:     log.WithField("component", "schema").WithField("dialect", dialect.Name),
		now:        time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Migrations возвращает известные Runner миграции.
func (r *Runner) Migrations() []Migration {
	return append([]Migration(nil), r.migrations...)
}

// Up применяет до steps ожидающих миграций по возрастанию версии; steps<=0: все.
func (r *Runner) Up(ctx context.Context, steps int) ([]Migration, error) {
	var done []Migration
	err := r.withConn(ctx, true, func(conn *sql.Conn) error {
		status, err := r.status(ctx, conn)
		if err != nil {
			return err
		}
		pending := status.Pending
		if steps > 0 && len(pending) > steps {
			pending = pending[:steps]
		}
		for _, m := range pending {
			if err := r.applyUp(ctx, conn, m); err != nil {
				return err
			}
			done = append(done, m)
		}
		return nil
	})
	return done, err
}

// Down откатывает steps последних применённых миграций; steps<=0 означает одну.
func (r *Runner) Down(ctx context.Context, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}

	known := make(map[int64]Migration, len(r.migrations))
	for _, m := range r.migrations {
		known[m.Version] = m
	}

	var done []Migration
	err := r.withConn(ctx, true, func(conn *sql.Conn) error {
		status, err := r.status(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(status.Applied) - 1; i >= 0 && len(done) < steps; i-- {
			m, ok := known[status.Applied[i].Version]
			if !ok {
				return fmt.Errorf("cannot rollback unknown migration version %d", status.Applied[i].Version)
			}
			if err := r.applyDown(ctx, conn, m); err != nil {
				return err
			}
			done = append(done, m)
		}
		return nil
	})
	return done, err
}

// Status читает schema_migrations и сравнивает её с зашитым набором.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	var status Status
	err := r.withConn(ctx, false, func(conn *sql.Conn) error {
		var err error
		status, err = r.status(ctx, conn)
		return err
	})
	return status, err
}

func (r *Runner) withConn(ctx context.Context, locked bool, fn func(conn *sql.Conn) error) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("%s schema runner is not initialized", r.dialectName())
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if locked && r.dialect.Lock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		unlock, err := r.dialect.Lock(lockCtx, conn)
		cancel()
		if err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		defer unlock()
	}

	if _, err := conn.ExecContext(ctx, r.dialect.TableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

func (r *Runner) dialectName() string {
	if r == nil || r.dialect.Name == "" {
		return "sql"
	}
	return r.dialect.Name
}

func (r *Runner) status(ctx context.Context, conn *sql.Conn) (Status, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return Status{}, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var status Status
	applied := make(map[int64]bool)
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return Status{}, fmt.Errorf("scan applied migration: %w", err)
		}
		status.Applied = append(status.Applied, a)
		applied[a.Version] = true
		status.Version = a.Version
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("iterate applied migrations: %w", err)
	}

	for _, m := range r.migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func (r *Runner) applyUp(ctx context.Context, conn *sql.Conn, m Migration) error {
	ph := r.dialect.Placeholder
	record := fmt.Sprintf(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (%s, %s, %s)",
		ph(1), ph(2), ph(3),
	)
	return r.inTx(ctx, conn, "up", m, m.Up, record, m.Version, m.Name, r.now().UTC())
}

func (r *Runner) applyDown(ctx context.Context, conn *sql.Conn, m Migration) error {
	record := "DELETE FROM schema_migrations WHERE version = " + r.dialect.Placeholder(1)
	return r.inTx(ctx, conn, "down", m, m.Down, record, m.Version)
}

// inTx выполняет тело миграции и запись в schema_migrations одной транзакцией.
func (r *Runner) inTx(ctx context.Context, conn *sql.Conn, direction string, m Migration, body, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s %s): %w", direction, m.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %s: %w", direction, m.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %s: %w", direction, m.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.ID(), err)
	}

	r.logger.WithFields(log.Fields{"migration": m.ID(), "direction": direction}).Info("migration applied")
	return nil
}
