// Package cart: корзина кассы. Корзина единственная списывает зеркало остатков:
// при добавлении позиции и возвращает при удалении до оформления заказа.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/service/submission"
)

// OrderSaver: путь записи заказа.
type OrderSaver interface {
	SaveOrder(ctx context.Context, draft domain.OrderDraft) (submission.Result, error)
}

// Line: позиция корзины.
type Line struct {
	ProductID      string
	Name           string
	Quantity       int32
	UnitPriceMinor int64
}

// Checkout: данные заказа помимо позиций.
type Checkout struct {
	TableID  string
	Customer *domain.Customer
	Status   domain.OrderStatus
}

// ErrCheckoutInProgress: корзина занята оформлением заказа.
var ErrCheckoutInProgress = errors.New("cart checkout in progress")

// Cart потокобезопасна; операции над зеркалом выполняются под мьютексом корзины.
// SaveOrder вызывается без мьютекса: путь записи обновляет каталог, а тот
// спрашивает у корзины Held.
type Cart struct {
	mu           sync.Mutex
	stock        domain.StockMirror
	restaurantID string
	lines        map[string]*Line
	order        []string
	checkingOut  bool
	logger       *log.Entry
}

// New создаёт пустую корзину ресторана.
func New(stock domain.StockMirror, restaurantID string, logger *log.Entry) *Cart {
	if logger == nil {
		logger = log.WithField("component", "cart")
	}
	return &Cart{
		stock:        stock,
		restaurantID: restaurantID,
		lines:        make(map[string]*Line),
		logger:       logger,
	}
}

// Add кладёт qty единиц продукта и списывает их из зеркала. Если остаток по
// продукту ведётся и не покрывает qty, возвращает ErrInsufficientStock.
func (c *Cart) Add(ctx context.Context, product domain.Product, qty int32) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}
	if product.ID == "" {
		return domain.ErrProductRequired
	}
	if !product.Available {
		return fmt.Errorf("%s: %w", product.ID, domain.ErrProductUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkingOut {
		return ErrCheckoutInProgress
	}

	available, tracked, err := c.stock.GetProductStock(ctx, product.ID)
	if err != nil {
		return err
	}
	if tracked && available < qty {
		return fmt.Errorf("%s: %d requested, %d left: %w", product.ID, qty, available, domain.ErrInsufficientStock)
	}
	if tracked {
		if _, err := c.stock.UpdateProductStock(ctx, product.ID, qty); err != nil {
			return err
		}
	}

	line, ok := c.lines[product.ID]
	if !ok {
		line = &Line{ProductID: product.ID, Name: product.Name, UnitPriceMinor: product.PriceMinor}
		c.lines[product.ID] = line
		c.order = append(c.order, product.ID)
	}
	line.Quantity += qty
	return nil
}

// Remove убирает до qty единиц и возвращает их в зеркало.
func (c *Cart) Remove(ctx context.Context, productID string, qty int32) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkingOut {
		return ErrCheckoutInProgress
	}

	line, ok := c.lines[productID]
	if !ok {
		return fmt.Errorf("%s: %w", productID, domain.ErrProductNotFound)
	}
	qty = min(qty, line.Quantity)

	if _, err := c.stock.RestoreProductStock(ctx, productID, qty); err != nil {
		return err
	}
	line.Quantity -= qty
	if line.Quantity == 0 {
		c.dropLine(productID)
	}
	return nil
}

// Clear очищает корзину, возвращая всё в зеркало.
func (c *Cart) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkingOut {
		return ErrCheckoutInProgress
	}

	for _, id := range append([]string(nil), c.order...) {
		if _, err := c.stock.RestoreProductStock(ctx, id, c.lines[id].Quantity); err != nil {
			return err
		}
		c.dropLine(id)
	}
	return nil
}

// Lines возвращает позиции в порядке добавления.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Line, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.lines[id])
	}
	return out
}

// Total: сумма корзины в минорных единицах.
func (c *Cart) Total() int64 {
	var total int64
	for _, line := range c.Lines() {
		total += int64(line.Quantity) * line.UnitPriceMinor
	}
	return total
}

// Checkout оформляет заказ и очищает корзину без возврата остатков: списание
// уже произошло при Add и повторяться не должно. При ошибке корзина сохраняется.
// Пока заказ сохраняется, корзина не меняется и Held её позиций не отдаёт.
func (c *Cart) Checkout(ctx context.Context, saver OrderSaver, meta Checkout) (submission.Result, error) {
	draft, err := c.beginCheckout(meta)
	if err != nil {
		return submission.Result{}, err
	}

	result, err := saver.SaveOrder(ctx, draft)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkingOut = false
	if err != nil {
		return submission.Result{}, err
	}

	c.lines = make(map[string]*Line)
	c.order = nil
	c.logger.WithFields(log.Fields{
		"order_id": result.ID,
		"queued":   result.Queued,
	}).Debug("cart checked out")
	return result, nil
}

func (c *Cart) beginCheckout(meta Checkout) (domain.OrderDraft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkingOut {
		return domain.OrderDraft{}, ErrCheckoutInProgress
	}
	if len(c.order) == 0 {
		return domain.OrderDraft{}, domain.ErrItemsRequired
	}

	draft := domain.OrderDraft{
		RestaurantID: c.restaurantID,
		TableID:      meta.TableID,
		Customer:     meta.Customer,
		Status:       meta.Status,
		Items:        make([]domain.OrderItem, 0, len(c.order)),
	}
	for _, id := range c.order {
		line := c.lines[id]
		draft.Items = append(draft.Items, domain.NewItem(line.ProductID, line.Quantity, line.UnitPriceMinor))
	}
	c.checkingOut = true
	return draft, nil
}

func (c *Cart) dropLine(productID string) {
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Held возвращает количество единиц каждого продукта, лежащих в корзине.
// Во время Checkout позиции уже принадлежат заказу и не учитываются.
func (c *Cart) Held() map[string]int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkingOut {
		return map[string]int32{}
	}
	out := make(map[string]int32, len(c.lines))
	for id, line := range c.lines {
		out[id] = line.Quantity
	}
	return out
}
