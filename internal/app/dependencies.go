package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
)

// runtimeDependencies содержит хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	store  domain.OrderStore
	outbox domain.OutboxRepository
	pruner domain.OutboxPruner
	ping   func(ctx context.Context) error
	close  func() error
}

// initRuntimeDependencies открывает хранилище заказов и outbox.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		outboxRepo := memory.NewOutboxRepository()
		logger.Info("используем in-memory хранилище")
		return &runtimeDependencies{
			store:  memory.NewOrderStore(outboxRepo),
			outbox: outboxRepo,
			pruner: outboxRepo,
			ping:   func(context.Context) error { return nil },
			close:  func() error { return nil },
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithLogger(logger.WithField("component", "postgres")),
			postgres.WithMaxOpenConns(cfg.PostgresMaxConns),
		)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			applied, err := store.MigrateUp(ctx, 0)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.WithField("applied", len(applied)).Info("postgres migrations checked")
		}
		logger.Info("используем postgres хранилище")
		outboxRepo := postgres.NewOutboxRepository(store)
		return &runtimeDependencies{
			store:  postgres.NewOrderStore(store),
			outbox: outboxRepo,
			pruner: outboxRepo,
			ping:   store.Ping,
			close:  store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
