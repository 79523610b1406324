// Package syncer отправляет локальную очередь заказов на сервер.
//
// Проход синхронизации защищён двумя уровнями взаимного исключения: флагом
// внутри процесса и персистентным SyncLock, общим для всех экземпляров,
// открывших одно хранилище.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/notify"
)

const (
	defaultPause              = 200 * time.Millisecond
	defaultErrorAfterAttempts = 5
)

// Outcome: чем закончился вызов SyncOrders.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeOffline        Outcome = "offline"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeNothingToSync  Outcome = "nothing_to_sync"
	OutcomeAborted        Outcome = "aborted"
)

// Summary: итог прохода.
type Summary struct {
	Outcome Outcome
	Total   int
	// Succeeded включает Duplicates.
	Succeeded  int
	Duplicates int
	Failed     int
	// Errored: сколько из Failed переведено в ERROR.
	Errored   int
	Skipped   int
	Recovered int
}

// Store: часть LocalStore, нужная координатору.
type Store interface {
	domain.OrderQueue
	domain.SyncStateStore
	domain.SyncLocker
}

// CoordinatorOptions задаёт параметры координатора.
type CoordinatorOptions struct {
	Logger             *log.Entry
	Notifier           domain.Notifier
	Refresher          domain.ReadModelRefresher
	Metrics            *metrics.SyncMetrics
	Holder             string
	Pause              time.Duration
	ErrorAfterAttempts int
}

// Option настраивает Coordinator.
type Option func(*CoordinatorOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *CoordinatorOptions) {
		opts.Logger = logger
	}
}

// WithNotifier задаёт получателя уведомлений.
func WithNotifier(n domain.Notifier) Option {
	return func(opts *CoordinatorOptions) {
		opts.Notifier = n
	}
}

// WithReadModelRefresher задаёт инвалидатор моделей чтения.
func WithReadModelRefresher(r domain.ReadModelRefresher) Option {
	return func(opts *CoordinatorOptions) {
		opts.Refresher = r
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *CoordinatorOptions) {
		opts.Metrics = m
	}
}

// WithHolder задаёт токен владельца блокировки (по умолчанию случайный).
func WithHolder(holder string) Option {
	return func(opts *CoordinatorOptions) {
		opts.Holder = holder
	}
}

// WithPause задаёт паузу между запросами к серверу.
func WithPause(d time.Duration) Option {
	return func(opts *CoordinatorOptions) {
		opts.Pause = d
	}
}

// WithErrorAfterAttempts задаёт число неудачных попыток, после которого заказ
// помечается ERROR. Заказ в ERROR по-прежнему отправляется в каждом проходе.
// Значение 0 отключает пометку.
func WithErrorAfterAttempts(n int) Option {
	return func(opts *CoordinatorOptions) {
		opts.ErrorAfterAttempts = n
	}
}

// Coordinator выполняет проходы синхронизации.
type Coordinator struct {
	store      Store
	api        domain.OrderAPI
	conn       domain.ConnectivityObserver
	notifier   domain.Notifier
	refresher  domain.ReadModelRefresher
	metrics    *metrics.SyncMetrics
	logger     *log.Entry
	holder     string
	pause      time.Duration
	errorAfter int

	running atomic.Bool
}

// NewCoordinator создаёт координатор.
func NewCoordinator(store Store, api domain.OrderAPI, conn domain.ConnectivityObserver, options ...Option) *Coordinator {
	opts := CoordinatorOptions{
		Pause:              defaultPause,
		ErrorAfterAttempts: defaultErrorAfterAttempts,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "sync-coordinator")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(logger)
	}
	if opts.Refresher == nil {
		opts.Refresher = nopRefresher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSyncMetrics()
	}
	if opts.Holder == "" {
		opts.Holder = "sync-" + uuid.NewString()
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if opts.ErrorAfterAttempts < 0 {
		opts.ErrorAfterAttempts = 0
	}

	return &Coordinator{
		store:      store,
		api:        api,
		conn:       conn,
		notifier:   opts.Notifier,
		refresher:  opts.Refresher,
		metrics:    opts.Metrics,
		logger:     logger.WithField("holder", opts.Holder),
		holder:     opts.Holder,
		pause:      opts.Pause,
		errorAfter: opts.ErrorAfterAttempts,
	}
}

// Running сообщает, идёт ли проход в этом экземпляре.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// SyncOrders выполняет один проход. Занятая блокировка и отсутствие сети не
// ошибки: они возвращаются как Outcome. Ошибка означает сбой локального
// хранилища или отмену ctx; проход при этом прерывается.
func (c *Coordinator) SyncOrders(ctx context.Context) (summary Summary, err error) {
	if !c.conn.Online() {
		c.metrics.RecordPass(metrics.PassOffline)
		c.notifier.Notify(domain.Notification{
			Kind:    domain.NotificationWarning,
			Message: "Offline: orders will sync when the connection is back",
		})
		return Summary{Outcome: OutcomeOffline}, nil
	}

	if !c.running.CompareAndSwap(false, true) {
		c.metrics.RecordPass(metrics.PassAlreadyRunning)
		return Summary{Outcome: OutcomeAlreadyRunning}, nil
	}
	defer c.running.Store(false)

	locked, err := c.store.IsSyncLocked(ctx)
	if err != nil {
		return c.abort(Summary{}, fmt.Errorf("check sync lock: %w", err))
	}
	if locked {
		c.metrics.RecordPass(metrics.PassAlreadyRunning)
		return Summary{Outcome: OutcomeAlreadyRunning}, nil
	}

	acquired, err := c.store.AcquireSyncLock(ctx, c.holder)
	if err != nil {
		return c.abort(Summary{}, fmt.Errorf("acquire sync lock: %w", err))
	}
	if !acquired {
		c.metrics.RecordPass(metrics.PassAlreadyRunning)
		return Summary{Outcome: OutcomeAlreadyRunning}, nil
	}

	started := time.Now()
	c.metrics.PassStarted()

	// inFlight: заказ, переведённый в SYNCING и ещё не получивший итоговый статус.
	var inFlight string
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if inFlight != "" {
			if revertErr := c.store.RevertToPending(cleanupCtx, inFlight, "sync pass aborted"); revertErr != nil {
				c.logger.WithError(revertErr).WithField("local_id", inFlight).Error("failed to revert in-flight order")
			}
		}
		if releaseErr := c.store.ReleaseSyncLock(cleanupCtx, c.holder); releaseErr != nil {
			c.logger.WithError(releaseErr).Error("failed to release sync lock")
		}
		c.metrics.PassFinished()
		c.metrics.RecordPassDuration(time.Since(started))
	}()

	recovered, err := c.store.RecoverOrphanedSyncing(ctx)
	if err != nil {
		return c.abort(summary, fmt.Errorf("recover orphaned orders: %w", err))
	}
	if recovered > 0 {
		c.metrics.RecordRecovered(recovered)
		c.logger.WithField("recovered", recovered).Warn("reverted orders left SYNCING by a crashed pass")
	}
	summary.Recovered = recovered

	pending, err := c.store.GetPendingOrders(ctx)
	if err != nil {
		return c.abort(summary, fmt.Errorf("load pending orders: %w", err))
	}
	if len(pending) == 0 {
		summary.Outcome = OutcomeNothingToSync
		c.metrics.RecordPass(metrics.PassNothingToSync)
		c.publishUnsynced(ctx)
		return summary, nil
	}

	summary.Total = len(pending)
	c.logger.WithField("pending", len(pending)).Info("sync pass started")

	for i, order := range pending {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.finish(ctx, &summary)
			return c.abort(summary, fmt.Errorf("sync interrupted: %w", ctxErr))
		}

		held, err := c.store.RefreshSyncLock(ctx, c.holder)
		if err != nil {
			return c.abort(summary, fmt.Errorf("refresh sync lock: %w", err))
		}
		if !held {
			c.finish(ctx, &summary)
			return c.abort(summary, domain.ErrSyncLockLost)
		}

		safe, err := c.store.IsOrderSafeToSync(ctx, order.LocalID)
		if err != nil {
			return c.abort(summary, fmt.Errorf("check order %s: %w", order.LocalID, err))
		}
		if !safe {
			summary.Skipped++
			c.metrics.RecordOrder(metrics.OrderSkipped)
			continue
		}

		if err := c.store.MarkAsSyncing(ctx, order.LocalID); err != nil {
			if errors.Is(err, domain.ErrOrderNotSyncable) {
				summary.Skipped++
				c.metrics.RecordOrder(metrics.OrderSkipped)
				continue
			}
			return c.abort(summary, fmt.Errorf("mark order %s syncing: %w", order.LocalID, err))
		}
		inFlight = order.LocalID

		if err := c.syncOne(ctx, order, &summary); err != nil {
			return c.abort(summary, err)
		}
		inFlight = ""

		c.notifier.Notify(domain.Notification{
			Kind:    domain.NotificationProgress,
			Message: "Syncing orders",
			Done:    i + 1,
			Total:   len(pending),
		})

		if i < len(pending)-1 && c.pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.pause):
			}
		}
	}

	c.finish(ctx, &summary)
	summary.Outcome = OutcomeCompleted
	c.metrics.RecordPass(metrics.PassCompleted)
	return summary, nil
}

// syncOne отправляет заказ, уже переведённый в SYNCING, и фиксирует итог.
// Итоговые записи в хранилище делаются без отмены: ответ сервера уже получен.
func (c *Coordinator) syncOne(ctx context.Context, order domain.PendingOrder, summary *Summary) error {
	logger := c.logger.WithFields(log.Fields{
		"local_id": order.LocalID,
		"attempt":  order.SyncAttempts + 1,
	})
	storeCtx := context.WithoutCancel(ctx)

	submitStarted := time.Now()
	created, err := c.api.CreateOrder(ctx, order.ToOrder())
	c.metrics.RecordSubmitDuration(time.Since(submitStarted))

	if err == nil || domain.IsDuplicate(err) {
		if delErr := c.store.DeleteOrder(storeCtx, order.LocalID); delErr != nil {
			return fmt.Errorf("delete synced order %s: %w", order.LocalID, delErr)
		}
		summary.Succeeded++
		if err != nil {
			summary.Duplicates++
			c.metrics.RecordOrder(metrics.OrderDuplicate)
			logger.WithField("server_id", created.ID).Info("order already exists on server, removed locally")
		} else {
			c.metrics.RecordOrder(metrics.OrderSynced)
			logger.WithField("server_id", created.ID).Info("order synced")
		}
		return nil
	}

	summary.Failed++
	attempts := order.SyncAttempts + 1
	if c.errorAfter > 0 && attempts >= c.errorAfter {
		if markErr := c.store.MarkAsError(storeCtx, order.LocalID, err.Error()); markErr != nil {
			return fmt.Errorf("mark order %s error: %w", order.LocalID, markErr)
		}
		summary.Errored++
		c.metrics.RecordOrder(metrics.OrderErrored)
		logger.WithError(err).Error("order keeps failing to sync")
		return nil
	}

	if revertErr := c.store.RevertToPending(storeCtx, order.LocalID, err.Error()); revertErr != nil {
		return fmt.Errorf("revert order %s: %w", order.LocalID, revertErr)
	}
	c.metrics.RecordOrder(metrics.OrderRetry)
	logger.WithError(err).Warn("order sync failed, will retry on next pass")
	return nil
}

// finish обновляет модели чтения и сообщает итог пользователю.
func (c *Coordinator) finish(ctx context.Context, summary *Summary) {
	c.refresher.Refresh(ctx, domain.ReadModelOrders, domain.ReadModelProducts)
	c.publishUnsynced(ctx)

	msg := domain.Notification{
		Kind:    domain.NotificationSuccess,
		Message: fmt.Sprintf("%d succeeded, %d failed", summary.Succeeded, summary.Failed),
	}
	if summary.Failed > 0 {
		msg.Kind = domain.NotificationWarning
	}
	c.notifier.Notify(msg)

	c.logger.WithFields(log.Fields{
		"succeeded":  summary.Succeeded,
		"duplicates": summary.Duplicates,
		"failed":     summary.Failed,
		"errored":    summary.Errored,
		"skipped":    summary.Skipped,
	}).Info("sync pass finished")
}

func (c *Coordinator) abort(summary Summary, err error) (Summary, error) {
	summary.Outcome = OutcomeAborted
	c.metrics.RecordPass(metrics.PassFailed)
	c.logger.WithError(err).Error("sync pass aborted")
	if domain.IsStorage(err) {
		c.notifier.Notify(domain.Notification{
			Kind:    domain.NotificationError,
			Message: "Sync stopped: local storage failure",
		})
	}
	return summary, err
}

func (c *Coordinator) publishUnsynced(ctx context.Context) {
	count, err := c.store.GetUnsyncedCount(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.WithError(err).Warn("failed to read unsynced count")
		return
	}
	c.metrics.SetUnsynced(count)
	c.notifier.Notify(domain.Notification{Kind: domain.NotificationUnsynced, Unsynced: count})
}

type nopRefresher struct{}

func (nopRefresher) Refresh(context.Context, ...domain.ReadModel) {}
