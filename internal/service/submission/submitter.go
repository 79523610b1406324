// Package submission реализует путь записи нового заказа: сначала сервер,
// при недоступности сети: надёжная локальная очередь.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/notify"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "possync",
	Subsystem: "submission",
	Name:      "orders_total",
	Help:      "Orders placed by the submission path, by route taken.",
}, []string{"route"})

const (
	routeOnline    = "online"
	routeDuplicate = "duplicate"
	routeQueued    = "queued"
	routeFallback  = "fallback"
	routeFailed    = "failed"
)

// Result: идентификатор, которым UI пользуется в текущей сессии.
type Result struct {
	// ID равен ServerID для заказа, принятого сервером, иначе LocalID.
	ID       string
	LocalID  string
	ServerID string
	// Queued истинно, если заказ лёг в локальную очередь.
	Queued bool
}

// Submitter сохраняет новые заказы.
//
// Остатки в зеркале списывает корзина до вызова SaveOrder; Submitter их не трогает.
type Submitter struct {
	queue     domain.OrderQueue
	api       domain.OrderAPI
	conn      domain.ConnectivityObserver
	notifier  domain.Notifier
	refresher domain.ReadModelRefresher
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает Submitter.
type Option func(*Submitter)

// WithNotifier задаёт получателя пользовательских уведомлений.
func WithNotifier(n domain.Notifier) Option {
	return func(s *Submitter) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithReadModelRefresher задаёт инвалидатор моделей чтения.
func WithReadModelRefresher(r domain.ReadModelRefresher) Option {
	return func(s *Submitter) {
		if r != nil {
			s.refresher = r
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSubmitter собирает путь записи.
func NewSubmitter(queue domain.OrderQueue, api domain.OrderAPI, conn domain.ConnectivityObserver, options ...Option) *Submitter {
	logger := log.WithField("component", "submission")
	s := &Submitter{
		queue:     queue,
		api:       api,
		conn:      conn,
		notifier:  notify.NewLogNotifier(logger),
		refresher: nopRefresher{},
		logger:    logger,
		now:       time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// SaveOrder принимает новый заказ. LocalID генерируется до любой попытки отправки
// и уходит на сервер, поэтому повтор того же заказа распознаётся как дубликат.
// Ошибка возвращается только при невалидном черновике или если заказ не удалось
// надёжно сохранить локально.
func (s *Submitter) SaveOrder(ctx context.Context, draft domain.OrderDraft) (Result, error) {
	order := s.newPendingOrder(draft)
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Result{}, fmt.Errorf("invalid order: %w", errors.Join(errs...))
	}

	logger := s.logger.WithFields(log.Fields{
		"local_id":      order.LocalID,
		"restaurant_id": order.RestaurantID,
	})

	if s.conn.Online() {
		created, err := s.api.CreateOrder(ctx, order.ToOrder())
		switch {
		case err == nil:
			return s.acceptedOnline(ctx, logger, order, created.ID, routeOnline), nil
		case domain.IsDuplicate(err):
			return s.acceptedOnline(ctx, logger, order, created.ID, routeDuplicate), nil
		default:
			logger.WithError(err).Warn("remote create failed, queueing order locally")
			result, saveErr := s.enqueue(context.WithoutCancel(ctx), logger, order)
			if saveErr != nil {
				return Result{}, saveErr
			}
			submissionsTotal.WithLabelValues(routeFallback).Inc()
			s.notifier.Notify(domain.Notification{
				Kind:    domain.NotificationWarning,
				Message: "Server unreachable: order saved locally and will sync automatically",
			})
			return result, nil
		}
	}

	result, err := s.enqueue(ctx, logger, order)
	if err != nil {
		return Result{}, err
	}
	submissionsTotal.WithLabelValues(routeQueued).Inc()
	s.notifier.Notify(domain.Notification{
		Kind:    domain.NotificationInfo,
		Message: "Offline: order saved locally and will sync when the connection is back",
	})
	return result, nil
}

func (s *Submitter) newPendingOrder(draft domain.OrderDraft) domain.PendingOrder {
	status := draft.Status
	if status == "" {
		status = domain.OrderStatusPending
	}
	now := s.now().UTC()
	order := domain.PendingOrder{
		LocalID:          s.queue.GenerateLocalID(),
		RestaurantID:     draft.RestaurantID,
		TableID:          draft.TableID,
		Customer:         draft.Customer,
		Items:            draft.Items,
		TotalAmountMinor: draft.Total(),
		Status:           status,
		SyncStatus:       domain.SyncStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return order.Clone()
}

func (s *Submitter) acceptedOnline(ctx context.Context, logger *log.Entry, order domain.PendingOrder, serverID, route string) Result {
	submissionsTotal.WithLabelValues(route).Inc()
	logger.WithFields(log.Fields{
		"server_id": serverID,
		"route":     route,
	}).Info("order accepted by server")

	s.refresher.Refresh(ctx, domain.ReadModelOrders, domain.ReadModelProducts)
	s.notifier.Notify(domain.Notification{Kind: domain.NotificationSuccess, Message: "Order created"})

	id := serverID
	if id == "" {
		id = order.LocalID
	}
	return Result{ID: id, LocalID: order.LocalID, ServerID: serverID}
}

func (s *Submitter) enqueue(ctx context.Context, logger *log.Entry, order domain.PendingOrder) (Result, error) {
	if err := s.queue.SaveOrder(ctx, order); err != nil {
		submissionsTotal.WithLabelValues(routeFailed).Inc()
		logger.WithError(err).Error("failed to persist order locally")
		s.notifier.Notify(domain.Notification{
			Kind:    domain.NotificationError,
			Message: "Order could not be saved on this device",
		})
		return Result{}, fmt.Errorf("save order %s locally: %w", order.LocalID, err)
	}

	count, err := s.queue.GetUnsyncedCount(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to read unsynced count")
	} else {
		s.notifier.Notify(domain.Notification{Kind: domain.NotificationUnsynced, Unsynced: count})
	}
	s.refresher.Refresh(ctx, domain.ReadModelOrders)

	logger.WithField("unsynced", count).Info("order queued for sync")
	return Result{ID: order.LocalID, LocalID: order.LocalID, Queued: true}, nil
}

type nopRefresher struct{}

func (nopRefresher) Refresh(context.Context, ...domain.ReadModel) {}
