package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// OrderStore хранит заказы, каталог и остатки сервера под одним мьютексом.
type OrderStore struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	byLocal  map[string]string
	products map[string]domain.Product
	outbox   domain.OutboxRepository
}

// NewOrderStore создаёт in-memory реализацию OrderStore.
// outbox может быть nil: тогда CreateWithEffects не публикует событий.
func NewOrderStore(outbox domain.OutboxRepository) *OrderStore {
	return &OrderStore{
		orders:   make(map[string]domain.Order),
		byLocal:  make(map[string]string),
		products: make(map[string]domain.Product),
		outbox:   outbox,
	}
}

// Create сохраняет заказ; повтор LocalID возвращает *domain.DuplicateError.
func (s *OrderStore) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(order)
}

// CreateWithEffects атомарно создаёт заказ, списывает остатки и кладёт событие в outbox.
func (s *OrderStore) CreateWithEffects(_ context.Context, order domain.Order, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(order); err != nil {
		return err
	}
	if s.outbox != nil {
		if _, err := s.outbox.Enqueue(msg); err != nil {
			delete(s.orders, order.ID)
			delete(s.byLocal, order.LocalID)
			return err
		}
	}
	s.decrementStockLocked(order.Items)
	return nil
}

func (s *OrderStore) GetByLocalID(_ context.Context, localID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocal[localID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

// ListByRestaurant возвращает заказы ресторана, новые первыми.
func (s *OrderStore) ListByRestaurant(_ context.Context, restaurantID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.RestaurantID == restaurantID {
			result = append(result, cloneOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *OrderStore) Upsert(_ context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return domain.ErrProductRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product.Clone()
	return nil
}

// ListProducts возвращает каталог ресторана, отсортированный по названию.
func (s *OrderStore) ListProducts(_ context.Context, restaurantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0)
	for _, p := range s.products {
		if p.RestaurantID == restaurantID {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *OrderStore) insertLocked(order domain.Order) error {
	if strings.TrimSpace(order.LocalID) == "" {
		return domain.ErrLocalIDRequired
	}
	if existing, ok := s.byLocal[order.LocalID]; ok {
		return &domain.DuplicateError{LocalID: order.LocalID, ExistingID: existing}
	}
	s.orders[order.ID] = cloneOrder(order)
	s.byLocal[order.LocalID] = order.ID
	return nil
}

// decrementStockLocked списывает остатки один раз на заказ, не опускаясь ниже нуля:
// заказ, принятый кассой без сети, уже состоялся.
func (s *OrderStore) decrementStockLocked(items []domain.OrderItem) {
	for _, item := range items {
		p, ok := s.products[item.ProductID]
		if !ok || p.Stock == nil {
			continue
		}
		next := max(*p.Stock-item.Quantity, 0)
		p.Stock = domain.StockOf(next)
		s.products[item.ProductID] = p
	}
}

func cloneOrder(o domain.Order) domain.Order {
	dst := o
	dst.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.Customer != nil {
		c := *o.Customer
		dst.Customer = &c
	}
	return dst
}

var _ domain.OrderStore = (*OrderStore)(nil)
