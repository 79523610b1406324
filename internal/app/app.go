// Package app собирает сервер заказов: HTTP API, gRPC health, метрики и outbox worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/possync/internal/health"
	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/possync/internal/server/orders"
	"github.com/vladislavdragonenkov/possync/internal/service/outbox"
	"github.com/vladislavdragonenkov/possync/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

// HealthServiceName: имя сервиса в gRPC health, которое опрашивают агенты.
const HealthServiceName = "possync.OrderServer"

const shutdownTimeout = 5 * time.Second

// Server: собранный сервер заказов с открытыми портами.
type Server struct {
	cfg        Config
	logger     *log.Entry
	deps       *runtimeDependencies
	producer   *kafka.Producer
	worker     *outbox.Worker
	cleanup    *outbox.CleanupWorker
	grpcServer *grpc.Server
	grpcHealth *health.Server
	apiSrv     *http.Server
	opsSrv     *http.Server

	grpcLis net.Listener
	apiLis  net.Listener
	opsLis  net.Listener
}

// Run собирает сервер и обслуживает запросы до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	srv, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// New открывает хранилище, Kafka и порты. При ошибке всё уже открытое закрывается.
func New(ctx context.Context, cfg Config) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: log.WithField("component", "app")}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.deps, err = initRuntimeDependencies(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}

	svc := orders.NewService(s.deps.store, orders.WithLogger(s.logger.WithField("layer", "orders")))
	if cfg.CatalogFile != "" {
		products, err := LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		if err := svc.SeedProducts(ctx, products); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		s.logger.WithField("products", len(products)).Info("каталог загружен")
	}

	s.producer, err = initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		s.producer = nil
	}
	publisher, dlq := outboxPublishers(s.producer, s.logger)
	s.worker = outbox.NewWorker(s.deps.outbox, publisher,
		outbox.WithLogger(s.logger.WithField("layer", "outbox")),
		outbox.WithDLQPublisher(dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	if cfg.OutboxRetention > 0 {
		s.cleanup = outbox.NewCleanupWorker(s.deps.pruner,
			outbox.WithCleanupLogger(s.logger.WithField("layer", "outbox-cleanup")),
			outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
			outbox.WithRetention(cfg.OutboxRetention),
		)
	}

	if err := version.RegisterBuildInfo(prometheus.DefaultRegisterer, "order-server"); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			s.logger.WithError(err).Warn("failed to register build info")
		}
	}

	s.grpcServer, s.grpcHealth = newGRPCServer(s.logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", s.deps.ping))
	healthHandler.RegisterChecker("outbox", healthcheck.NewSoftChecker("outbox", outboxBacklogCheck(s.deps.outbox, time.Now)))

	s.apiSrv = &http.Server{
		Handler:           httpapi.NewHandler(svc, s.logger.WithField("layer", "http")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.opsSrv = &http.Server{
		Handler:           opsRouter(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	if s.apiLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	if cfg.MetricsAddr != "" {
		if s.opsLis, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
	}
	return s, nil
}

// HTTPAddr возвращает фактический адрес HTTP API.
func (s *Server) HTTPAddr() string { return s.apiLis.Addr().String() }

// GRPCAddr возвращает фактический адрес gRPC.
func (s *Server) GRPCAddr() string { return s.grpcLis.Addr().String() }

// MetricsAddr возвращает адрес /metrics и health или "", если он выключен.
func (s *Server) MetricsAddr() string {
	if s.opsLis == nil {
		return ""
	}
	return s.opsLis.Addr().String()
}

// Serve обслуживает запросы до отмены ctx или падения одного из серверов
// и затем останавливает всё. Возвращает ctx.Err() при штатной остановке.
func (s *Server) Serve(ctx context.Context) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.worker.Run(gctx)
		return nil
	})
	if s.cleanup != nil {
		g.Go(func() error {
			s.cleanup.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Infof("gRPC сервер слушает %s", s.GRPCAddr())
		if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Infof("HTTP API слушает %s", s.HTTPAddr())
		if err := s.apiSrv.Serve(s.apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api server: %w", err)
		}
		return nil
	})
	if s.opsLis != nil {
		g.Go(func() error {
			s.logger.Infof("метрики доступны по адресу %s/metrics", s.MetricsAddr())
			if err := s.opsSrv.Serve(s.opsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("получен сигнал остановки, останавливаем серверы")
		s.shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) shutdown() {
	s.grpcHealth.Shutdown()

	stoppedCh := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		s.grpcServer.Stop()
	}

	shutdownHTTP(s.apiSrv, s.logger)
	if s.opsLis != nil {
		shutdownHTTP(s.opsSrv, s.logger)
	}
}

// close освобождает ресурсы, не принадлежащие серверам.
func (s *Server) close() {
	for _, lis := range []net.Listener{s.grpcLis, s.apiLis, s.opsLis} {
		if lis != nil {
			_ = lis.Close()
		}
	}
	closeKafka(s.producer, s.logger)
	s.producer = nil
	if s.deps != nil {
		if err := s.deps.close(); err != nil {
			s.logger.WithError(err).Warn("failed to close storage")
		}
		s.deps = nil
	}
}

// newGRPCServer создаёт gRPC сервер с health, reflection и метриками Prometheus.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

// opsRouter отдаёт /metrics и health-эндпоинты.
// outboxStaleAfter: возраст самого старого pending-события, после которого
// сервер считается degraded: брокер недоступен или воркер встал.
const outboxStaleAfter = 5 * time.Minute

func outboxBacklogCheck(repo domain.OutboxRepository, now func() time.Time) func(context.Context) error {
	return func(context.Context) error {
		stats, err := repo.Stats()
		if err != nil {
			return err
		}
		if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
			return nil
		}
		if age := now().Sub(stats.OldestPendingAt); age > outboxStaleAfter {
			return fmt.Errorf("%d pending events, oldest %s", stats.PendingCount, age.Truncate(time.Second))
		}
		return nil
	}
}

func opsRouter(healthHandler *healthcheck.Handler) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	healthHandler.Mount(r)
	return r
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
