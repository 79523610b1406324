// Package catalog отдаёт меню ресторана: с сервера, когда сеть есть, и из
// локального кэша без сети.
package catalog

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Store: часть локального хранилища, нужная каталогу.
type Store interface {
	domain.ProductCache
	domain.StockMirror
	GetAllOrders(ctx context.Context) ([]domain.PendingOrder, error)
}

// Holds отдаёт количества, уже списанные из зеркала, но ещё не попавшие в заказ
// (например, содержимое открытой корзины).
type Holds func() map[string]int32

// Catalog читает каталог и поддерживает кэш и зеркало остатков.
type Catalog struct {
	api    domain.ProductAPI
	store  Store
	conn   domain.ConnectivityObserver
	holds  []Holds
	logger *log.Entry
}

// Option настраивает Catalog.
type Option func(*Catalog)

// WithHolds учитывает дополнительные удержания при пересчёте зеркала.
func WithHolds(h Holds) Option {
	return func(c *Catalog) {
		if h != nil {
			c.holds = append(c.holds, h)
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт каталог.
func New(api domain.ProductAPI, store Store, conn domain.ConnectivityObserver, options ...Option) *Catalog {
	c := &Catalog{
		api:    api,
		store:  store,
		conn:   conn,
		logger: log.WithField("component", "catalog"),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Products возвращает каталог. fromCache истинно, если сервер недоступен и
// данные взяты из локального кэша. Ошибка означает сбой хранилища.
func (c *Catalog) Products(ctx context.Context, restaurantID string) (products []domain.CachedProduct, fromCache bool, err error) {
	if c.conn.Online() {
		fresh, refreshErr := c.refresh(ctx, restaurantID)
		if refreshErr == nil {
			return fresh, false, nil
		}
		if domain.IsStorage(refreshErr) {
			return nil, false, refreshErr
		}
		c.logger.WithError(refreshErr).WithField("restaurant_id", restaurantID).Warn("failed to fetch products, using cached catalog")
	}

	cached, err := c.store.GetProducts(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("read cached products: %w", err)
	}
	return cached, true, nil
}

// Refresh перечитывает каталог с сервера; без сети ничего не делает.
func (c *Catalog) Refresh(ctx context.Context, restaurantID string) error {
	if !c.conn.Online() {
		return nil
	}
	_, err := c.refresh(ctx, restaurantID)
	return err
}

func (c *Catalog) refresh(ctx context.Context, restaurantID string) ([]domain.CachedProduct, error) {
	remote, err := c.api.ListProducts(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	cached, err := c.store.CacheProductImages(ctx, remote)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveProducts(ctx, cached); err != nil {
		return nil, err
	}
	if err := c.seedStock(ctx, remote); err != nil {
		return nil, err
	}

	c.logger.WithFields(log.Fields{
		"restaurant_id": restaurantID,
		"products":      len(cached),
	}).Debug("catalog refreshed")
	return cached, nil
}

// seedStock выставляет зеркало в серверный остаток за вычетом того, что сервер
// ещё не видел: позиций несинхронизированных заказов и удержаний корзины.
func (c *Catalog) seedStock(ctx context.Context, products []domain.Product) error {
	orders, err := c.store.GetAllOrders(ctx)
	if err != nil {
		return err
	}

	held := make(map[string]int64)
	for _, order := range orders {
		for _, item := range order.Items {
			held[item.ProductID] += int64(item.Quantity)
		}
	}
	for _, h := range c.holds {
		for id, qty := range h() {
			held[id] += int64(qty)
		}
	}

	for _, p := range products {
		if p.Stock == nil {
			continue
		}
		left := max(int64(*p.Stock)-held[p.ID], 0)
		if err := c.store.SetProductStock(ctx, p.ID, int32(left)); err != nil {
			return err
		}
	}
	return nil
}
