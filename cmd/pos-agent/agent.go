package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/possync/internal/connectivity"
	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
	"github.com/vladislavdragonenkov/possync/internal/localstore/memstore"
	"github.com/vladislavdragonenkov/possync/internal/localstore/sqlitestore"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/notify"
	"github.com/vladislavdragonenkov/possync/internal/remote"
	"github.com/vladislavdragonenkov/possync/internal/service/cart"
	"github.com/vladislavdragonenkov/possync/internal/service/catalog"
	"github.com/vladislavdragonenkov/possync/internal/service/readmodel"
	"github.com/vladislavdragonenkov/possync/internal/service/submission"
	"github.com/vladislavdragonenkov/possync/internal/service/syncer"
)

// agent: собранный клиент кассы.
type agent struct {
	cfg    Config
	logger *log.Entry

	store       domain.LocalStore
	api         *remote.Client
	monitor     *connectivity.Monitor
	healthConn  *grpc.ClientConn
	prober      *connectivity.Prober
	hub         *readmodel.Hub
	metrics     *metrics.SyncMetrics
	submitter   *submission.Submitter
	coordinator *syncer.Coordinator
	catalog     *catalog.Catalog
	cart        *cart.Cart

	closeOnce sync.Once
}

// newAgent открывает хранилище и связывает компоненты. Сеть считается
// недоступной, пока Prober не сообщит обратное.
func newAgent(ctx context.Context, cfg Config, out io.Writer) (_ *agent, err error) {
	a := &agent{
		cfg:     cfg,
		logger:  log.WithFields(log.Fields{"component": "pos-agent", "restaurant_id": cfg.RestaurantID}),
		monitor: connectivity.NewMonitor(false),
		hub:     readmodel.NewHub(nil),
		metrics: metrics.NewSyncMetrics(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.api, err = remote.New(cfg.ServerURL,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Sync.RequestTimeout}),
		remote.WithLogger(a.logger.WithField("layer", "remote")),
	)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(ctx, cfg.Store, a.api, a.logger.WithField("layer", "store"))
	if err != nil {
		return nil, err
	}

	if cfg.HealthTarget != "" {
		a.healthConn, err = connectivity.DialHealth(cfg.HealthTarget)
		if err != nil {
			return nil, err
		}
		a.prober = connectivity.NewProber(healthpb.NewHealthClient(a.healthConn), a.monitor,
			connectivity.WithHealthService(cfg.HealthService),
			connectivity.WithProbeInterval(cfg.Probe.Interval),
			connectivity.WithProbeTimeout(cfg.Probe.Timeout),
			connectivity.WithProberLogger(a.logger.WithField("layer", "prober")),
		)
	}

	notifier := notify.Fanout{notify.NewLogNotifier(a.logger.WithField("layer", "notify"))}
	if out != nil {
		notifier = append(notifier, consoleNotifier{out: out})
	}

	a.cart = cart.New(a.store, cfg.RestaurantID, a.logger.WithField("layer", "cart"))
	a.catalog = catalog.New(a.api, a.store, a.monitor,
		catalog.WithHolds(a.cart.Held),
		catalog.WithLogger(a.logger.WithField("layer", "catalog")),
	)
	a.submitter = submission.NewSubmitter(a.store, a.api, a.monitor,
		submission.WithNotifier(notifier),
		submission.WithReadModelRefresher(a.hub),
		submission.WithLogger(a.logger.WithField("layer", "submission")),
	)
	a.coordinator = syncer.NewCoordinator(a.store, a.api, a.monitor,
		syncer.WithNotifier(notifier),
		syncer.WithReadModelRefresher(a.hub),
		syncer.WithMetrics(a.metrics),
		syncer.WithPause(cfg.Sync.Pause),
		syncer.WithErrorAfterAttempts(cfg.Sync.ErrorAfterAttempts),
		syncer.WithLogger(a.logger.WithField("layer", "sync")),
	)

	a.hub.Register(domain.ReadModelProducts, func(ctx context.Context) error {
		return a.catalog.Refresh(ctx, cfg.RestaurantID)
	})
	a.hub.Register(domain.ReadModelOrders, func(ctx context.Context) error {
		n, err := a.store.GetUnsyncedCount(ctx)
		if err != nil {
			return err
		}
		a.metrics.SetUnsynced(n)
		return nil
	})
	return a, nil
}

func openStore(ctx context.Context, cfg StoreConfig, fetcher domain.ImageFetcher, logger *log.Entry) (domain.LocalStore, error) {
	options := []localstore.Option{
		localstore.WithLockTTL(cfg.LockTTL),
		localstore.WithImageFetcher(fetcher),
		localstore.WithLogger(logger),
	}
	switch cfg.Driver {
	case storeDriverMemory:
		return memstore.New(options...), nil
	case storeDriverSQLite:
		store, err := sqlitestore.Open(ctx, cfg.Path, options...)
		if err != nil {
			return nil, fmt.Errorf("open local store %s: %w", cfg.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// probe один раз проверяет доступность сервера. Без health target агент остаётся offline.
func (a *agent) probe(ctx context.Context) bool {
	if a.prober == nil {
		return a.monitor.Online()
	}
	return a.prober.Check(ctx)
}

// Close освобождает хранилище и gRPC-канал. Повторный вызов ничего не делает.
func (a *agent) Close() {
	a.closeOnce.Do(func() {
		if a.healthConn != nil {
			if err := a.healthConn.Close(); err != nil {
				a.logger.WithError(err).Debug("close health connection")
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.WithError(err).Warn("close local store")
			}
		}
	})
}

// consoleNotifier выводит пользовательские уведомления в терминал.
type consoleNotifier struct {
	out io.Writer
}

func (n consoleNotifier) Notify(msg domain.Notification) {
	switch msg.Kind {
	case domain.NotificationProgress:
		_, _ = fmt.Fprintf(n.out, "[%d/%d] %s\n", msg.Done, msg.Total, msg.Message)
	case domain.NotificationUnsynced:
		// счётчик показывает status
	default:
		_, _ = fmt.Fprintf(n.out, "%s: %s\n", msg.Kind, msg.Message)
	}
}
