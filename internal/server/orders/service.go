// Package orders: эталонный сервер заказов: источник истины, к которому
// синхронизируются кассы. Дедуплицирует заказы по local_id.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	// EventOrderCreated: тип outbox-события о новом заказе.
	EventOrderCreated = "order.created"
	aggregateOrder    = "order"

	defaultListLimit = 100
	maxListLimit     = 1000
)

var ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "possync_authority_orders_total",
	Help: "Create-order requests handled by the authority, by result.",
}, []string{"result"})

// OrderCreatedEvent: payload outbox-сообщения order.created.
type OrderCreatedEvent struct {
	OrderID      string    `json:"order_id"`
	LocalID      string    `json:"local_id"`
	RestaurantID string    `json:"restaurant_id"`
	TableID      string    `json:"table_id,omitempty"`
	TotalAmount  int64     `json:"total_amount"`
	Status       string    `json:"status"`
	ItemCount    int       `json:"item_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Service принимает заказы от касс.
type Service struct {
	store  domain.OrderStore
	logger *log.Entry
	now    func() time.Time
	newID  func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор серверных идентификаторов (тесты).
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService создаёт сервис поверх хранилища заказов.
func NewService(store domain.OrderStore, options ...Option) *Service {
	s := &Service{
		store:  store,
		logger: log.WithField("component", "order-authority"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// CreateOrder валидирует заказ и атомарно сохраняет его вместе со списанием
// остатков и событием order.created.
//
// Повтор local_id возвращает *domain.DuplicateError с идентификатором
// существующего заказа; остатки при этом повторно не списываются.
func (s *Service) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	order.LocalID = strings.TrimSpace(order.LocalID)
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		ordersTotal.WithLabelValues("invalid").Inc()
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderInvalid, errors.Join(errs...))
	}

	order.ID = s.newID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	order.CreatedAt = order.CreatedAt.UTC()

	msg, err := newOrderCreatedMessage(order)
	if err != nil {
		ordersTotal.WithLabelValues("failed").Inc()
		return domain.Order{}, err
	}

	logger := s.logger.WithFields(log.Fields{
		"local_id":      order.LocalID,
		"restaurant_id": order.RestaurantID,
	})

	if err := s.store.CreateWithEffects(ctx, order, msg); err != nil {
		var dup *domain.DuplicateError
		if errors.As(err, &dup) {
			ordersTotal.WithLabelValues("duplicate").Inc()
			logger.WithField("order_id", dup.ExistingID).Info("duplicate order submission")
			return domain.Order{ID: dup.ExistingID, LocalID: order.LocalID}, err
		}
		ordersTotal.WithLabelValues("failed").Inc()
		logger.WithError(err).Error("failed to persist order")
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}

	ordersTotal.WithLabelValues("created").Inc()
	logger.WithField("order_id", order.ID).Info("order created")
	return order, nil
}

// ListOrders возвращает заказы ресторана, новые первыми.
func (s *Service) ListOrders(ctx context.Context, restaurantID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(restaurantID) == "" {
		return nil, domain.ErrRestaurantRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return s.store.ListByRestaurant(ctx, restaurantID, limit)
}

// ListProducts возвращает каталог ресторана с авторитетными остатками.
func (s *Service) ListProducts(ctx context.Context, restaurantID string) ([]domain.Product, error) {
	if strings.TrimSpace(restaurantID) == "" {
		return nil, domain.ErrRestaurantRequired
	}
	return s.store.ListProducts(ctx, restaurantID)
}

// SeedProducts загружает каталог (например, из файла при старте).
func (s *Service) SeedProducts(ctx context.Context, products []domain.Product) error {
	for _, p := range products {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = s.now().UTC()
		}
		if err := s.store.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	s.logger.WithField("count", len(products)).Info("catalog seeded")
	return nil
}

func newOrderCreatedMessage(order domain.Order) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(OrderCreatedEvent{
		OrderID:      order.ID,
		LocalID:      order.LocalID,
		RestaurantID: order.RestaurantID,
		TableID:      order.TableID,
		TotalAmount:  order.TotalAmountMinor,
		Status:       string(order.Status),
		ItemCount:    len(order.Items),
		CreatedAt:    order.CreatedAt,
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order.created payload: %w", err)
	}
	return domain.OutboxMessage{
		AggregateType: aggregateOrder,
		AggregateID:   order.ID,
		EventType:     EventOrderCreated,
		Payload:       payload,
	}, nil
}
