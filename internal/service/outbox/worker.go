// Package outbox публикует события transactional outbox сервера заказов
// (order.created) во внешний брокер и чистит обработанные записи.
package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = time.Duration(1<<63 - 1)
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger       *log.Entry
	DLQPublisher domain.OutboxPublisher
	Metrics      *Metrics
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts: попыток публикации одного сообщения за цикл, после них
	// сообщение помечается failed и уходит в DLQ.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDLQPublisher задаёт publisher для dead letter.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithMetrics подменяет метрики (в тестах: на отдельном registry).
func WithMetrics(metrics *Metrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = metrics }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

func (o *WorkerOptions) normalize() {
	if o.Logger == nil {
		o.Logger = log.WithField("component", "outbox-worker")
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryBaseDelay < 0 {
		o.RetryBaseDelay = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Report: итог одного цикла опроса.
type Report struct {
	Sent   int
	Failed int
}

// outcome: судьба одного сообщения в цикле.
type outcome int

const (
	outcomeSent outcome = iota
	outcomeDeadLettered
	// outcomeDeferred: ctx отменён, сообщение остаётся pending до следующего запуска.
	outcomeDeferred
)

// Worker публикует pending-сообщения из outbox в брокер.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	opts      WorkerOptions
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	opts.normalize()

	return &Worker{repo: repo, publisher: publisher, opts: opts}
}

// Run опрашивает outbox сразу и затем раз в PollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.opts.Logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч pending-сообщений по порядку постановки.
func (w *Worker) ProcessOnce(ctx context.Context) Report {
	var report Report
	if ctx.Err() != nil {
		return report
	}

	w.observeBacklog()
	defer w.observeBacklog()

	batch, err := w.repo.PullPending(w.opts.BatchSize)
	if err != nil {
		w.opts.Logger.WithError(err).Warn("failed to pull pending outbox messages")
		return report
	}

	for _, msg := range batch {
		switch w.deliver(ctx, msg) {
		case outcomeSent:
			report.Sent++
		case outcomeDeadLettered:
			report.Failed++
		case outcomeDeferred:
			return report
		}
	}
	return report
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) outcome {
	if ctx.Err() != nil {
		return outcomeDeferred
	}
	entry := w.opts.Logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	})

	publishErr := w.publishWithRetry(ctx, msg)
	if publishErr == nil {
		if err := w.repo.MarkSent(msg.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
		return outcomeSent
	}
	if ctx.Err() != nil {
		return outcomeDeferred
	}

	entry.WithError(publishErr).Error("outbox publish failed after retries")
	w.opts.Metrics.publishAttempts.WithLabelValues(resultFailed).Inc()
	if err := w.deadLetter(msg, publishErr); err != nil {
		entry.WithError(err).Warn("failed to publish to DLQ")
		w.opts.Metrics.publishAttempts.WithLabelValues(resultDLQFailed).Inc()
	}
	if err := w.repo.MarkFailed(msg.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
	return outcomeDeadLettered
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = w.publisher.Publish(msg)
		if lastErr == nil {
			w.opts.Metrics.publishAttempts.WithLabelValues(resultSent).Inc()
			return nil
		}
		w.opts.Metrics.publishAttempts.WithLabelValues(resultRetry).Inc()
		if attempt >= w.opts.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, w.retryBackoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.opts.MaxAttempts, lastErr)
}

// retryBackoff: base, 2*base, 4*base... с насыщением вместо переполнения.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.opts.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	for ; attempt > 1; attempt-- {
		if delay > maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, publishErr error) error {
	if w.opts.DLQPublisher == nil {
		return nil
	}
	wrapped, err := domain.NewDeadLetter(msg, publishErr, w.opts.Now()).AsOutboxMessage()
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := w.opts.DLQPublisher.Publish(wrapped); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.opts.Logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	m := w.opts.Metrics
	m.pendingRecords.Set(float64(stats.PendingCount))
	m.failedRecords.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		m.oldestPendingAge.Set(0)
		return
	}
	m.oldestPendingAge.Set(max(w.opts.Now().Sub(stats.OldestPendingAt).Seconds(), 0))
}
