// Package metrics содержит метрики движка синхронизации заказов.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исход прохода синхронизации.
const (
	PassCompleted      = "completed"
	PassOffline        = "offline"
	PassAlreadyRunning = "already_running"
	PassNothingToSync  = "nothing_to_sync"
	PassFailed         = "failed"
)

// Исход отправки одного заказа.
const (
	OrderSynced    = "synced"
	OrderDuplicate = "duplicate"
	OrderRetry     = "retry"
	OrderErrored   = "errored"
	OrderSkipped   = "skipped"
)

// SyncMetrics содержит метрики проходов синхронизации.
type SyncMetrics struct {
	passes         *prometheus.CounterVec
	orders         *prometheus.CounterVec
	passDuration   prometheus.Histogram
	submitDuration prometheus.Histogram
	recovered      prometheus.Counter

	inFlight prometheus.Gauge
	unsynced prometheus.Gauge
}

// NewSyncMetrics регистрирует метрики в default registry.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer регистрирует метрики в заданном registry (тесты, отдельные агенты).
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		passes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "possync_sync_passes_total",
			Help: "Total number of sync passes grouped by outcome",
		}, []string{"outcome"}),
		orders: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "possync_sync_orders_total",
			Help: "Total number of order submissions grouped by result",
		}, []string{"result"}),
		passDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "possync_sync_pass_duration_seconds",
			Help:    "Duration of sync passes that held the lock",
			Buckets: prometheus.DefBuckets,
		}),
		submitDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "possync_sync_submit_duration_seconds",
			Help:    "Duration of a single order submission to the remote authority",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		recovered: registerCounter(registerer, prometheus.CounterOpts{
			Name: "possync_sync_orphans_recovered_total",
			Help: "Orders found in SYNCING after a crashed pass and reverted to PENDING",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "possync_sync_in_flight",
			Help: "1 while this instance runs a sync pass",
		}),
		unsynced: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "possync_unsynced_orders",
			Help: "Orders accepted locally but not yet confirmed by the server",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordPass увеличивает счётчик проходов с исходом outcome.
func (m *SyncMetrics) RecordPass(outcome string) {
	m.passes.WithLabelValues(outcome).Inc()
}

// RecordOrder увеличивает счётчик отправок с результатом result.
func (m *SyncMetrics) RecordOrder(result string) {
	m.orders.WithLabelValues(result).Inc()
}

// RecordPassDuration записывает длительность прохода под блокировкой.
func (m *SyncMetrics) RecordPassDuration(duration time.Duration) {
	m.passDuration.Observe(duration.Seconds())
}

// RecordSubmitDuration записывает длительность отправки одного заказа.
func (m *SyncMetrics) RecordSubmitDuration(duration time.Duration) {
	m.submitDuration.Observe(duration.Seconds())
}

// RecordRecovered учитывает заказы, возвращённые из брошенного SYNCING.
func (m *SyncMetrics) RecordRecovered(n int) {
	if n > 0 {
		m.recovered.Add(float64(n))
	}
}

// PassStarted выставляет признак идущего прохода.
func (m *SyncMetrics) PassStarted() {
	m.inFlight.Set(1)
}

// PassFinished снимает признак идущего прохода.
func (m *SyncMetrics) PassFinished() {
	m.inFlight.Set(0)
}

// SetUnsynced публикует текущее число несинхронизированных заказов.
func (m *SyncMetrics) SetUnsynced(n int) {
	m.unsynced.Set(float64(n))
}
