package outbox

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Метки результата публикации.
const (
	resultSent      = "sent"
	resultRetry     = "retry_error"
	resultFailed    = "failed"
	resultDLQFailed = "dlq_failed"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics: метрики публикации и backlog outbox.
type Metrics struct {
	publishAttempts  *prometheus.CounterVec
	pendingRecords   prometheus.Gauge
	oldestPendingAge prometheus.Gauge
	failedRecords    prometheus.Gauge
}

// NewMetrics создаёт метрики воркера в reg (nil: default registerer).
// Повторный вызов с тем же reg возвращает уже зарегистрированные коллекторы.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	reg = registererOrDefault(reg)
	return &Metrics{
		publishAttempts: registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"})),
		pendingRecords: registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		})),
		oldestPendingAge: registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		})),
		failedRecords: registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_outbox_failed_records",
			Help: "Outbox records moved to the dead letter topic and not yet cleaned up.",
		})),
	}
}

// CleanupMetrics: метрики очистки outbox.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetrics создаёт и регистрирует метрики очистки.
func NewCleanupMetrics(reg prometheus.Registerer) *CleanupMetrics {
	reg = registererOrDefault(reg)
	return &CleanupMetrics{
		runs: registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_outbox_cleanup_runs_total",
			Help: "Total number of outbox cleanup runs grouped by result.",
		}, []string{"result"})),
		deleted: registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "possync_outbox_cleanup_deleted_total",
			Help: "Total number of deleted processed outbox records.",
		})),
		lastDeleted: registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_outbox_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		})),
	}
}

func registererOrDefault(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}
