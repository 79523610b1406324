// Package wire описывает JSON-контракт HTTP API заказов, общий для клиента и сервера.
// Суммы передаются в минорных единицах.
package wire

import (
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Customer: необязательные данные гостя.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Item: позиция заказа.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
	Price     int64  `json:"price"`
	Total     int64  `json:"total"`
}

// CreateOrderRequest: тело POST /api/v1/orders.
type CreateOrderRequest struct {
	RestaurantID string    `json:"restaurant_id"`
	TableID      string    `json:"table_id,omitempty"`
	TotalAmount  int64     `json:"total_amount"`
	Status       string    `json:"status"`
	Customer     *Customer `json:"customer,omitempty"`
	Items        []Item    `json:"items"`
	LocalID      string    `json:"local_id"`
}

// Order: заказ в ответах сервера.
type Order struct {
	ID           string    `json:"id"`
	LocalID      string    `json:"local_id"`
	RestaurantID string    `json:"restaurant_id"`
	TableID      string    `json:"table_id,omitempty"`
	TotalAmount  int64     `json:"total_amount"`
	Status       string    `json:"status"`
	Customer     *Customer `json:"customer,omitempty"`
	Items        []Item    `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
}

// OrderEnvelope: тело ответа 201.
type OrderEnvelope struct {
	Order Order `json:"order"`
}

// OrdersEnvelope: тело ответа списка заказов.
type OrdersEnvelope struct {
	Orders []Order `json:"orders"`
}

// Product: позиция каталога.
type Product struct {
	ID           string    `json:"id"`
	RestaurantID string    `json:"restaurant_id"`
	CategoryID   string    `json:"category_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Price        int64     `json:"price"`
	Stock        *int32    `json:"stock,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Available    bool      `json:"available"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProductsEnvelope: тело ответа каталога.
type ProductsEnvelope struct {
	Products []Product `json:"products"`
}

// Error: машиночитаемая ошибка. Для дубликата Code равен DUPLICATE_ORDER,
// OrderID указывает на существующий заказ.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

// ErrorEnvelope: тело любого ответа с ошибкой.
type ErrorEnvelope struct {
	Error Error `json:"error"`
}

// Коды ошибок API.
const (
	CodeDuplicateOrder = domain.ErrorCodeDuplicateOrder
	CodeValidation     = "VALIDATION_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeBadRequest     = "BAD_REQUEST"
	CodeInternal       = "INTERNAL"
)

func NewCreateOrderRequest(o domain.Order) CreateOrderRequest {
	return CreateOrderRequest{
		RestaurantID: o.RestaurantID,
		TableID:      o.TableID,
		TotalAmount:  o.TotalAmountMinor,
		Status:       string(o.Status),
		Customer:     fromCustomer(o.Customer),
		Items:        fromItems(o.Items),
		LocalID:      o.LocalID,
	}
}

// Domain превращает запрос в доменный заказ без серверного ID.
func (r CreateOrderRequest) Domain() domain.Order {
	status := domain.OrderStatus(r.Status)
	if status == "" {
		status = domain.OrderStatusPending
	}
	return domain.Order{
		LocalID:          r.LocalID,
		RestaurantID:     r.RestaurantID,
		TableID:          r.TableID,
		Customer:         toCustomer(r.Customer),
		Items:            toItems(r.Items),
		TotalAmountMinor: r.TotalAmount,
		Status:           status,
	}
}

func NewOrder(o domain.Order) Order {
	return Order{
		ID:           o.ID,
		LocalID:      o.LocalID,
		RestaurantID: o.RestaurantID,
		TableID:      o.TableID,
		TotalAmount:  o.TotalAmountMinor,
		Status:       string(o.Status),
		Customer:     fromCustomer(o.Customer),
		Items:        fromItems(o.Items),
		CreatedAt:    o.CreatedAt,
	}
}

func (o Order) Domain() domain.Order {
	return domain.Order{
		ID:               o.ID,
		LocalID:          o.LocalID,
		RestaurantID:     o.RestaurantID,
		TableID:          o.TableID,
		Customer:         toCustomer(o.Customer),
		Items:            toItems(o.Items),
		TotalAmountMinor: o.TotalAmount,
		Status:           domain.OrderStatus(o.Status),
		CreatedAt:        o.CreatedAt,
	}
}

func NewProduct(p domain.Product) Product {
	c := p.Clone()
	return Product{
		ID:           c.ID,
		RestaurantID: c.RestaurantID,
		CategoryID:   c.CategoryID,
		Name:         c.Name,
		Description:  c.Description,
		Price:        c.PriceMinor,
		Stock:        c.Stock,
		ImageURL:     c.ImageURL,
		Available:    c.Available,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (p Product) Domain() domain.Product {
	return domain.Product{
		ID:           p.ID,
		RestaurantID: p.RestaurantID,
		CategoryID:   p.CategoryID,
		Name:         p.Name,
		Description:  p.Description,
		PriceMinor:   p.Price,
		Stock:        p.Stock,
		ImageURL:     p.ImageURL,
		Available:    p.Available,
		UpdatedAt:    p.UpdatedAt,
	}.Clone()
}

func fromCustomer(c *domain.Customer) *Customer {
	if c == nil {
		return nil
	}
	return &Customer{Name: c.Name, Phone: c.Phone, Email: c.Email}
}

func toCustomer(c *Customer) *domain.Customer {
	if c == nil {
		return nil
	}
	return &domain.Customer{Name: c.Name, Phone: c.Phone, Email: c.Email}
}

func fromItems(items []domain.OrderItem) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.UnitPriceMinor,
			Total:     it.LineTotalMinor,
		})
	}
	return out
}

func toItems(items []Item) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, domain.OrderItem{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPriceMinor: it.Price,
			LineTotalMinor: it.Total,
		})
	}
	return out
}
