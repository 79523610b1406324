package domain

import "time"

// OrderStatus описывает бизнес-статус заказа ресторана.
type OrderStatus string

const (
	// OrderStatusPending: заказ принят, но ещё не оплачен.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid: заказ оплачен.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled: заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusCompleted: заказ выдан гостю.
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCancelled, OrderStatusCompleted:
		return true
	default:
		return false
	}
}

// SyncStatus описывает состояние синхронизации локального заказа.
// Состояния SYNCED нет: подтверждённый сервером заказ удаляется из очереди.
type SyncStatus string

const (
	// SyncStatusPending: заказ ждёт отправки на сервер.
	SyncStatusPending SyncStatus = "PENDING"
	// SyncStatusSyncing: заказ прямо сейчас отправляется владельцем sync lock.
	SyncStatusSyncing SyncStatus = "SYNCING"
	// SyncStatusError: заказ многократно не удалось отправить; остаётся в очереди.
	SyncStatusError SyncStatus = "ERROR"
)

// Valid проверяет, что статус синхронизации поддерживается.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusError:
		return true
	default:
		return false
	}
}

// Syncable сообщает, можно ли забрать заказ в проход синхронизации.
func (s SyncStatus) Syncable() bool {
	return s == SyncStatusPending || s == SyncStatusError
}

// Customer: необязательные данные гостя.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// OrderItem: позиция заказа. Суммы в минимальных денежных единицах.
type OrderItem struct {
	ProductID      string
	Quantity       int32
	UnitPriceMinor int64
	LineTotalMinor int64
}

// PendingOrder: заказ, принятый клиентом, но ещё не подтверждённый сервером.
type PendingOrder struct {
	// LocalID генерируется на клиенте и служит ключом идемпотентности на сервере.
	LocalID string
	// ServerID заполняется только после подтверждения; запись при этом удаляется.
	ServerID         string
	RestaurantID     string
	TableID          string
	Customer         *Customer
	Items            []OrderItem
	TotalAmountMinor int64
	Status           OrderStatus
	SyncStatus       SyncStatus
	SyncAttempts     int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderDraft: данные нового заказа до назначения LocalID.
type OrderDraft struct {
	RestaurantID string
	TableID      string
	Customer     *Customer
	Items        []OrderItem
	Status       OrderStatus
}

// Total возвращает сумму позиций черновика.
func (d OrderDraft) Total() int64 {
	var total int64
	for _, item := range d.Items {
		total += item.LineTotalMinor
	}
	return total
}

// NewItem собирает позицию заказа и считает её сумму.
func NewItem(productID string, qty int32, unitPriceMinor int64) OrderItem {
	return OrderItem{
		ProductID:      productID,
		Quantity:       qty,
		UnitPriceMinor: unitPriceMinor,
		LineTotalMinor: int64(qty) * unitPriceMinor,
	}
}

// ValidateInvariants проверяет базовые инварианты локального заказа.
func (o *PendingOrder) ValidateInvariants() []error {
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
	if !o.SyncStatus.Valid() {
		errs = append(errs, ErrSyncStatusInvalid)
	}

	errs = append(errs, validateItems(o.Items, o.TotalAmountMinor)...)
	return errs
}

func validateItems(items []OrderItem, total int64) []error {
	var (
		errs []error
		calc int64
	)
	for _, item := range items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if int64(item.Quantity)*item.UnitPriceMinor != item.LineTotalMinor {
			errs = append(errs, ErrLineTotalMismatch)
		}
		calc += item.LineTotalMinor
	}
	if len(items) > 0 && calc != total {
		errs = append(errs, ErrAmountMismatch)
	}
	return errs
}

// Clone возвращает глубокую копию заказа, чтобы хранилища не делили срезы с вызывающим кодом.
func (o PendingOrder) Clone() PendingOrder {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	if o.Customer != nil {
		c := *o.Customer
		dst.Customer = &c
	}
	return dst
}
