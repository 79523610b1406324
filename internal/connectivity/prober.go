package connectivity

import (
	"context"
	"fmt"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Prober периодически опрашивает gRPC health сервера и переключает Monitor.
// Любая ошибка или статус, отличный от SERVING, означает offline.
type Prober struct {
	client   healthpb.HealthClient
	monitor  *Monitor
	service  string
	interval time.Duration
	timeout  time.Duration
	logger   *log.Entry
}

// ProberOption настраивает Prober.
type ProberOption func(*Prober)

// WithProbeInterval задаёт период опроса.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout задаёт таймаут одного запроса.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHealthService задаёт имя сервиса в HealthCheckRequest, пустое имя означает сервер целиком.
func WithHealthService(name string) ProberOption {
	return func(p *Prober) {
		p.service = name
	}
}

// WithProberLogger задаёт logger.
func WithProberLogger(logger *log.Entry) ProberOption {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// DialHealth открывает gRPC-канал до сервера с клиентскими метриками Prometheus.
func DialHealth(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(promgrpc.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("dial health %s: %w", target, err)
	}
	return conn, nil
}

// NewProber создаёт Prober поверх health-клиента.
func NewProber(client healthpb.HealthClient, monitor *Monitor, options ...ProberOption) *Prober {
	p := &Prober{
		client:   client,
		monitor:  monitor,
		interval: defaultProbeInterval,
		timeout:  defaultProbeTimeout,
		logger:   log.WithField("component", "connectivity-prober"),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Check выполняет одну проверку и передаёт результат монитору.
func (p *Prober) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: p.service})
	online := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		p.logger.WithError(err).Debug("health probe failed")
	}
	p.monitor.Set(online)
	return online
}

// Run проверяет сразу и затем каждые interval до отмены ctx.
func (p *Prober) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
