// Package postgres хранит заказы, каталог и outbox сервера в PostgreSQL (pgx).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/storage/schema"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

var errNotInitialized = errors.New("postgres store is not initialized")

// Options задаёт параметры пула и логирования.
type Options struct {
	Logger       *log.Entry
	MaxOpenConns int
	ConnTimeout  time.Duration
}

// Option настраивает Store.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMaxOpenConns ограничивает пул; простаивающих соединений держим столько же.
func WithMaxOpenConns(n int) Option {
	return func(opts *Options) {
		opts.MaxOpenConns = n
	}
}

// WithConnTimeout задаёт таймаут ping при открытии и в health-проверке.
func WithConnTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.ConnTimeout = timeout
	}
}

// Store оборачивает пул соединений и миграции серверной базы.
type Store struct {
	db          *sql.DB
	logger      *log.Entry
	connTimeout time.Duration
	schema      *schema.Runner
}

// Open открывает пул, проверяет доступность базы и загружает миграции.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	opts := Options{MaxOpenConns: defaultMaxOpenConns, ConnTimeout: defaultConnTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "postgres")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.ConnTimeout <= 0 {
		opts.ConnTimeout = defaultConnTimeout
	}

	migrations, err := schema.Load(migrationsFS, "sql/migrations")
	if err != nil {
		return nil, fmt.Errorf("load postgres migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	s := &Store{
		db:          db,
		logger:      opts.Logger,
		connTimeout: opts.ConnTimeout,
		schema:      schema.NewRunner(db, schema.Postgres, migrations, schema.WithLogger(opts.Logger)),
	}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s.logger.WithField("max_open_conns", opts.MaxOpenConns).Debug("postgres pool opened")
	return s, nil
}

// DB возвращает пул для репозиториев пакета.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность базы; используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает пул. Безопасно для nil.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MigrateUp применяет steps ожидающих миграций; 0: все.
func (s *Store) MigrateUp(ctx context.Context, steps int) ([]schema.Migration, error) {
	if s == nil || s.schema == nil {
		return nil, errNotInitialized
	}
	return s.schema.Up(ctx, steps)
}

// MigrateDown откатывает steps последних миграций; steps<=0: одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) ([]schema.Migration, error) {
	if s == nil || s.schema == nil {
		return nil, errNotInitialized
	}
	return s.schema.Down(ctx, steps)
}

// MigrationStatus возвращает применённые и ожидающие миграции.
func (s *Store) MigrationStatus(ctx context.Context) (schema.Status, error) {
	if s == nil || s.schema == nil {
		return schema.Status{}, errNotInitialized
	}
	return s.schema.Status(ctx)
}
