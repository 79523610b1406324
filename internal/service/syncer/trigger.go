package syncer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const defaultDebounce = 2 * time.Second

// Syncer: то, что запускает AutoTrigger.
type Syncer interface {
	SyncOrders(ctx context.Context) (Summary, error)
}

// UnsyncedCounter отдаёт размер локальной очереди.
type UnsyncedCounter interface {
	GetUnsyncedCount(ctx context.Context) (int, error)
}

// TriggerOptions задаёт параметры AutoTrigger.
type TriggerOptions struct {
	Logger        *log.Entry
	Debounce      time.Duration
	RetryInterval time.Duration
}

// TriggerOption настраивает AutoTrigger.
type TriggerOption func(*TriggerOptions)

// WithTriggerLogger задаёт logger.
func WithTriggerLogger(logger *log.Entry) TriggerOption {
	return func(opts *TriggerOptions) {
		opts.Logger = logger
	}
}

// WithDebounce задаёт окно тишины после перехода в online.
func WithDebounce(d time.Duration) TriggerOption {
	return func(opts *TriggerOptions) {
		opts.Debounce = d
	}
}

// WithRetryInterval включает периодический проход, пока сеть есть и очередь не пуста.
// 0 отключает.
func WithRetryInterval(d time.Duration) TriggerOption {
	return func(opts *TriggerOptions) {
		opts.RetryInterval = d
	}
}

// AutoTrigger запускает синхронизацию после восстановления сети. Каждый переход
// внутри окна debounce перезапускает таймер, поэтому серия переключений даёт
// не больше одного прохода на период тишины.
type AutoTrigger struct {
	syncer        Syncer
	conn          domain.ConnectivityObserver
	counter       UnsyncedCounter
	logger        *log.Entry
	debounce      time.Duration
	retryInterval time.Duration

	mu    sync.Mutex
	timer *time.Timer
	// gen отсекает срабатывания таймеров, которые успели сработать до Stop.
	gen  uint64
	fire chan struct{}
}

// NewAutoTrigger создаёт триггер.
func NewAutoTrigger(syncer Syncer, conn domain.ConnectivityObserver, counter UnsyncedCounter, options ...TriggerOption) *AutoTrigger {
	opts := TriggerOptions{Debounce: defaultDebounce}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "sync-trigger")
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.RetryInterval < 0 {
		opts.RetryInterval = 0
	}

	return &AutoTrigger{
		syncer:        syncer,
		conn:          conn,
		counter:       counter,
		logger:        logger,
		debounce:      opts.Debounce,
		retryInterval: opts.RetryInterval,
		fire:          make(chan struct{}, 1),
	}
}

// Run подписывается на монитор и выполняет проходы до отмены ctx.
// Проходы выполняются последовательно в горутине Run.
func (t *AutoTrigger) Run(ctx context.Context) error {
	unsubscribe := t.conn.Subscribe(t.onTransition)
	defer unsubscribe()
	defer t.stopTimer()

	if t.conn.Online() {
		t.schedule()
	}

	var retry <-chan time.Time
	if t.retryInterval > 0 {
		ticker := time.NewTicker(t.retryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.fire:
			t.runPass(ctx, "reconnect")
		case <-retry:
			if t.pending() {
				continue
			}
			t.runPass(ctx, "retry")
		}
	}
}

func (t *AutoTrigger) onTransition(online bool) {
	if online {
		t.schedule()
		return
	}
	t.stopTimer()
}

// schedule (пере)запускает таймер debounce.
func (t *AutoTrigger) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		current := gen == t.gen
		if current {
			t.timer = nil
		}
		t.mu.Unlock()
		if !current {
			return
		}
		select {
		case t.fire <- struct{}{}:
		default:
		}
	})
}

func (t *AutoTrigger) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// pending сообщает, что ждёт срабатывания таймер debounce.
func (t *AutoTrigger) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *AutoTrigger) runPass(ctx context.Context, reason string) {
	logger := t.logger.WithField("reason", reason)
	if !t.conn.Online() {
		return
	}

	count, err := t.counter.GetUnsyncedCount(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to read unsynced count")
		return
	}
	if count == 0 {
		return
	}

	summary, err := t.syncer.SyncOrders(ctx)
	if err != nil {
		logger.WithError(err).Error("auto sync failed")
		return
	}
	logger.WithFields(log.Fields{
		"outcome":   string(summary.Outcome),
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Debug("auto sync finished")
}
