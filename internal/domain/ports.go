package domain

import (
	"context"
	"time"
)

// OrderQueue: очередь локальных заказов в надёжном хранилище клиента.
type OrderQueue interface {
	// GenerateLocalID возвращает новый идентификатор, уникальный в истории хранилища.
	GenerateLocalID() string
	// SaveOrder сохраняет заказ; повторный вызов с тем же LocalID перезаписывает запись.
	SaveOrder(ctx context.Context, order PendingOrder) error
	// GetOrder возвращает заказ или ErrOrderNotFound.
	GetOrder(ctx context.Context, localID string) (PendingOrder, error)
	// GetPendingOrders возвращает заказы в PENDING/ERROR в порядке постановки, без SYNCING.
	GetPendingOrders(ctx context.Context) ([]PendingOrder, error)
	// GetAllOrders возвращает все заказы очереди (для истории).
	GetAllOrders(ctx context.Context) ([]PendingOrder, error)
	// GetUnsyncedCount возвращает число заказов, ещё не подтверждённых сервером.
	GetUnsyncedCount(ctx context.Context) (int, error)
	// DeleteOrder удаляет заказ после подтверждения сервером.
	DeleteOrder(ctx context.Context, localID string) error
}

// SyncStateStore: переходы статусов, которыми пользуется координатор.
type SyncStateStore interface {
	// IsOrderSafeToSync истинно, только если заказ сейчас в PENDING или ERROR.
	IsOrderSafeToSync(ctx context.Context, localID string) (bool, error)
	// MarkAsSyncing атомарно переводит PENDING/ERROR в SYNCING, иначе ErrOrderNotSyncable.
	MarkAsSyncing(ctx context.Context, localID string) error
	// RevertToPending возвращает заказ в PENDING; отсутствие заказа не ошибка.
	RevertToPending(ctx context.Context, localID, cause string) error
	// MarkAsError переводит заказ в ERROR; отсутствие заказа не ошибка.
	MarkAsError(ctx context.Context, localID, cause string) error
	// RecoverOrphanedSyncing возвращает в PENDING заказы, брошенные упавшим проходом.
	// Вызывать только владельцу sync lock.
	RecoverOrphanedSyncing(ctx context.Context) (int, error)
}

// SyncLocker: персистентная блокировка прохода синхронизации.
type SyncLocker interface {
	// AcquireSyncLock атомарно занимает блокировку (или перехватывает протухшую).
	AcquireSyncLock(ctx context.Context, holder string) (bool, error)
	// ReleaseSyncLock освобождает блокировку, только если её держит holder.
	ReleaseSyncLock(ctx context.Context, holder string) error
	// RefreshSyncLock продлевает блокировку holder; false, если её держит уже не он.
	RefreshSyncLock(ctx context.Context, holder string) (bool, error)
	// IsSyncLocked сообщает, удерживается ли живая блокировка.
	IsSyncLocked(ctx context.Context) (bool, error)
}

// ProductCache: кэш каталога для работы без сети.
type ProductCache interface {
	SaveProducts(ctx context.Context, products []CachedProduct) error
	GetProducts(ctx context.Context) ([]CachedProduct, error)
	// CacheProductImages подставляет в продукты data URI картинок, скачивая недостающие.
	CacheProductImages(ctx context.Context, products []Product) ([]CachedProduct, error)
}

// StockMirror: локальная оптимистичная оценка остатков.
//
// Зеркало уменьшается корзиной при добавлении позиции, один раз, до SaveOrder.
// Движок синхронизации его не трогает: повторное списание при успешной отправке
// посчитало бы заказ дважды.
type StockMirror interface {
	// UpdateProductStock уменьшает остаток на delta, не опускаясь ниже нуля.
	UpdateProductStock(ctx context.Context, productID string, delta int32) (int32, error)
	// RestoreProductStock возвращает delta единиц в остаток.
	RestoreProductStock(ctx context.Context, productID string, delta int32) (int32, error)
	// GetProductStock возвращает остаток; ok=false, если остаток по продукту не ведётся.
	GetProductStock(ctx context.Context, productID string) (qty int32, ok bool, err error)
	// SetProductStock задаёт остаток (значения < 0 приводятся к нулю).
	SetProductStock(ctx context.Context, productID string, qty int32) error
}

// LocalStore: надёжное локальное хранилище клиента; единственный владелец
// очереди, кэша каталога, зеркала остатков и sync lock.
type LocalStore interface {
	OrderQueue
	SyncStateStore
	SyncLocker
	ProductCache
	StockMirror
	Ping(ctx context.Context) error
	Close() error
}

// ImageFetcher скачивает картинку продукта.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// CreatedOrder: ответ сервера на создание заказа.
type CreatedOrder struct {
	ID        string
	LocalID   string
	Duplicate bool
}

// OrderAPI: удалённый источник истины для заказов.
type OrderAPI interface {
	// CreateOrder создаёт заказ; дубликат LocalID возвращается ошибкой с IsDuplicate(err) == true.
	CreateOrder(ctx context.Context, order Order) (CreatedOrder, error)
	// ListOrders возвращает заказы ресторана.
	ListOrders(ctx context.Context, restaurantID string) ([]Order, error)
}

// ProductAPI: массовое чтение каталога с сервера.
type ProductAPI interface {
	ListProducts(ctx context.Context, restaurantID string) ([]Product, error)
}

// ConnectivityObserver: наблюдаемый сигнал доступности сети.
type ConnectivityObserver interface {
	Online() bool
	// Subscribe регистрирует обработчик переходов; возвращает функцию отписки.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ReadModel называет модель чтения, которую нужно обновить.
type ReadModel string

const (
	ReadModelOrders   ReadModel = "orders"
	ReadModelProducts ReadModel = "products"
)

// ReadModelRefresher инвалидирует модели чтения UI.
type ReadModelRefresher interface {
	Refresh(ctx context.Context, models ...ReadModel)
}

// Notifier доставляет пользователю короткие неблокирующие уведомления.
type Notifier interface {
	Notify(n Notification)
}

// OrderRepository: хранилище заказов на стороне сервера.
type OrderRepository interface {
	// Create сохраняет заказ; занятый LocalID возвращает *DuplicateError.
	Create(ctx context.Context, order Order) error
	GetByLocalID(ctx context.Context, localID string) (Order, error)
	ListByRestaurant(ctx context.Context, restaurantID string, limit int) ([]Order, error)
}

// ProductRepository: каталог и авторитетные остатки на стороне сервера.
type ProductRepository interface {
	Upsert(ctx context.Context, product Product) error
	ListProducts(ctx context.Context, restaurantID string) ([]Product, error)
}

// OrderStore объединяет создание заказа, списание остатков и outbox в одну транзакцию.
type OrderStore interface {
	OrderRepository
	ProductRepository
	// CreateWithEffects атомарно создаёт заказ, списывает остатки и кладёт сообщение в outbox.
	CreateWithEffects(ctx context.Context, order Order, msg OutboxMessage) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxPruner удаляет уже обработанные (sent/failed) сообщения outbox.
type OutboxPruner interface {
	// DeleteProcessedBefore удаляет до limit сообщений, обработанных не позже before.
	DeleteProcessedBefore(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStatus: состояние записи outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed: retry исчерпаны, сообщение ушло в DLQ.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	// FailedCount: ещё не удалённые очисткой сообщения, ушедшие в DLQ.
	FailedCount int
}
