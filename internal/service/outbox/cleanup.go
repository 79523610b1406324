package outbox

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultSweepEvery = 10 * time.Minute
	defaultSweepBatch = 500
	defaultRetention  = 24 * time.Hour
)

// CleanupOptions задаёт параметры очистки outbox.
type CleanupOptions struct {
	Logger   *log.Entry
	Metrics  *CleanupMetrics
	Interval time.Duration
	// BatchSize ограничивает одно удаление, чтобы не держать долгую блокировку.
	BatchSize int
	// Retention: сколько хранить sent/failed сообщения.
	Retention time.Duration
	Now       func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithCleanupLogger(logger *log.Entry) CleanupOption {
	return func(o *CleanupOptions) { o.Logger = logger }
}

func WithCleanupMetrics(metrics *CleanupMetrics) CleanupOption {
	return func(o *CleanupOptions) { o.Metrics = metrics }
}

func WithCleanupInterval(interval time.Duration) CleanupOption {
	return func(o *CleanupOptions) { o.Interval = interval }
}

func WithCleanupBatchSize(size int) CleanupOption {
	return func(o *CleanupOptions) { o.BatchSize = size }
}

func WithRetention(retention time.Duration) CleanupOption {
	return func(o *CleanupOptions) { o.Retention = retention }
}

func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(o *CleanupOptions) { o.Now = now }
}

func (o *CleanupOptions) normalize() {
	if o.Logger == nil {
		o.Logger = log.WithField("component", "outbox-cleanup")
	}
	if o.Metrics == nil {
		o.Metrics = NewCleanupMetrics(nil)
	}
	if o.Interval <= 0 {
		o.Interval = defaultSweepEvery
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultSweepBatch
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// CleanupWorker удаляет обработанные сообщения outbox старше Retention.
type CleanupWorker struct {
	pruner domain.OutboxPruner
	opts   CleanupOptions
}

func NewCleanupWorker(pruner domain.OutboxPruner, options ...CleanupOption) *CleanupWorker {
	var opts CleanupOptions
	for _, apply := range options {
		apply(&opts)
	}
	opts.normalize()
	return &CleanupWorker{pruner: pruner, opts: opts}
}

// Run выполняет очистку при старте и затем раз в Interval, пока жив ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.pruner == nil {
		w.opts.Logger.Warn("outbox cleanup worker is disabled: pruner is nil")
		return
	}

	for {
		w.cleanup(ctx)
		if sleepCtx(ctx, w.opts.Interval) != nil {
			return
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context) {
	m := w.opts.Metrics
	deleted, err := w.DeleteExpired(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		m.runs.WithLabelValues(resultError).Inc()
		w.opts.Logger.WithError(err).WithField("deleted", deleted).Warn("outbox cleanup run failed")
		return
	}

	m.runs.WithLabelValues(resultOK).Inc()
	m.lastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.opts.Logger.WithField("deleted", deleted).Info("outbox cleanup completed")
	}
}

// DeleteExpired удаляет порциями по BatchSize, пока очередная порция не
// окажется неполной. Возвращает общее число удалённых записей.
func (w *CleanupWorker) DeleteExpired(ctx context.Context) (int, error) {
	cutoff := w.opts.Now().UTC().Add(-w.opts.Retention)

	var total int
	for ctx.Err() == nil {
		n, err := w.pruner.DeleteProcessedBefore(cutoff, w.opts.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		w.opts.Metrics.deleted.Add(float64(n))
		if n < w.opts.BatchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}
