package domain

import "time"

// Order: заказ, подтверждённый сервером (источником истины).
type Order struct {
	ID string
	// LocalID: ключ идемпотентности клиента; уникален в пределах сервера.
	LocalID          string
	RestaurantID     string
	TableID          string
	Customer         *Customer
	Items            []OrderItem
	TotalAmountMinor int64
	Status           OrderStatus
	CreatedAt        time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.LocalID == "" {
		errs = append(errs, ErrLocalIDRequired)
	}
	if o.RestaurantID == "" {
		errs = append(errs, ErrRestaurantRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalAmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}

	errs = append(errs, validateItems(o.Items, o.TotalAmountMinor)...)
	return errs
}

// ToOrder превращает локальный заказ в запрос на создание на сервере.
func (o PendingOrder) ToOrder() Order {
	c := o.Clone()
	return Order{
		LocalID:          c.LocalID,
		RestaurantID:     c.RestaurantID,
		TableID:          c.TableID,
		Customer:         c.Customer,
		Items:            c.Items,
		TotalAmountMinor: c.TotalAmountMinor,
		Status:           c.Status,
		CreatedAt:        c.CreatedAt,
	}
}
