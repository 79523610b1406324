package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего LocalID.
	ErrLocalIDRequired = errors.New("local_id is required")
	// Ошибка отсутствующего ресторана.
	ErrRestaurantRequired = errors.New("restaurant_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total_amount must be non-negative")
	// Ошибка позиции без продукта.
	ErrProductRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы позиции и qty * price.
	ErrLineTotalMismatch = errors.New("item total does not match quantity * price")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка неизвестного бизнес-статуса.
	ErrOrderStatusInvalid = errors.New("order status is invalid")
	// ErrOrderInvalid объединяет нарушения инвариантов заказа, пришедшего на сервер.
	ErrOrderInvalid = errors.New("order validation failed")
	// Ошибка неизвестного статуса синхронизации.
	ErrSyncStatusInvalid = errors.New("sync status is invalid")

	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotSyncable: заказ уже SYNCING или удалён, забирать его нельзя.
	ErrOrderNotSyncable = errors.New("order is not safe to sync")
	// ErrProductNotFound возвращается, если продукт отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductUnavailable: продукт снят с продажи.
	ErrProductUnavailable = errors.New("product is unavailable")
	// ErrInsufficientStock: локальный остаток не покрывает запрошенное количество.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStorage оборачивает сбои локального хранилища (квота, повреждение, IO).
	ErrStorage = errors.New("local storage failure")

	// ErrSyncLockLost: блокировку прохода перехватил другой экземпляр.
	ErrSyncLockLost = errors.New("sync lock lost")
	// ErrRemoteUnavailable: сервер недоступен (сетевая ошибка, таймаут).
	ErrRemoteUnavailable = errors.New("remote authority unavailable")
	// ErrDuplicateOrder: сервер сообщил, что заказ с таким LocalID уже существует.
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrDuplicateLocalID: серверное хранилище уже содержит заказ с этим LocalID.
	ErrDuplicateLocalID = errors.New("local_id already used")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// Код ошибки, по которому клиент распознаёт дубликат.
const ErrorCodeDuplicateOrder = "DUPLICATE_ORDER"

// RemoteError описывает отказ сервера с HTTP-статусом и машинным кодом.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	// OrderID заполняется сервером для дубликатов.
	OrderID string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
}

// Is позволяет errors.Is(err, ErrDuplicateOrder) для ответа с кодом дубликата.
func (e *RemoteError) Is(target error) bool {
	return target == ErrDuplicateOrder && e.Code == ErrorCodeDuplicateOrder
}

// DuplicateError несёт идентификатор уже существующего серверного заказа.
type DuplicateError struct {
	LocalID    string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("local_id %s already used by order %s", e.LocalID, e.ExistingID)
}

// Unwrap связывает ошибку с ErrDuplicateLocalID.
func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateLocalID
}

// IsDuplicate проверяет сигнал "заказ уже существует" от сервера.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateOrder)
}

// IsStorage проверяет, что ошибка пришла из локального хранилища.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// StorageError оборачивает ошибку хранилища с контекстом операции.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorage, err))
}

// IsRetryable сообщает, что отказ временный и заказ стоит отправить ещё раз.
// Дубликат не является повторяемой ошибкой: это успех.
func IsRetryable(err error) bool {
	if err == nil || IsDuplicate(err) {
		return false
	}
	if errors.Is(err, ErrRemoteUnavailable) {
		return true
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode >= 500 || remote.StatusCode == 429 || remote.StatusCode == 408
	}
	return false
}
