package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/possync/internal/storage/schema"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

func (s *Store) schemaRunner() (*schema.Runner, error) {
	migrations, err := schema.Load(migrationsFS, "sql/migrations")
	if err != nil {
		return nil, err
	}
	return schema.NewRunner(s.db, schema.SQLite, migrations,
		schema.WithLogger(s.opts.Logger),
		schema.WithClock(s.now),
	), nil
}

// MigrateUp применяет все ещё не применённые миграции локальной базы.
func (s *Store) MigrateUp(ctx context.Context) error {
	runner, err := s.schemaRunner()
	if err != nil {
		return err
	}
	if _, err := runner.Up(ctx, 0); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// MigrationStatus возвращает текущую версию схемы и количество применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	runner, err := s.schemaRunner()
	if err != nil {
		return 0, 0, err
	}
	status, err := runner.Status(ctx)
	if err != nil {
		return 0, 0, err
	}
	return status.Version, len(status.Applied), nil
}

// isNoRows выделяет пустую выборку.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
