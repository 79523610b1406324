// Package sqlitestore: надёжная реализация LocalStore поверх SQLite (WAL).
// Переживает падение процесса; блокировка синхронизации разделяется всеми
// экземплярами агента, открывшими один файл.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
)

const (
	defaultConnTimeout = 5 * time.Second
	busyTimeoutMillis  = 5000
)

// Store оборачивает SQLite-подключение.
type Store struct {
	db   *sql.DB
	opts localstore.Options
}

// Open открывает (или создаёт) файл базы, настраивает pragma и применяет миграции.
func Open(ctx context.Context, path string, options ...localstore.Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite допускает одного писателя; одно соединение убирает SQLITE_BUSY внутри процесса.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, opts: localstore.Apply("sqlitestore", options...)}
	if err := s.MigrateUp(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn передаёт pragma через строку подключения, чтобы они действовали на каждом
// соединении пула. synchronous=FULL: заказ, о сохранении которого сообщили
// пользователю, переживает потерю питания. _txlock=immediate берёт блокировку
// записи в начале транзакции, и ожидание укладывается в busy_timeout.
func dsn(path string) string {
	return fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		path, busyTimeoutMillis,
	)
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GenerateLocalID возвращает новый UUID.
func (s *Store) GenerateLocalID() string {
	return uuid.NewString()
}

// Ping проверяет доступность базы.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

var _ domain.LocalStore = (*Store)(nil)
var _ localstore.ImageBlobs = (*Store)(nil)
