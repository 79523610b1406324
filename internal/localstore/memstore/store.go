// Package memstore: in-memory реализация LocalStore для тестов и эфемерного режима агента.
// Данные не переживают перезапуск процесса.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
)

var errClosed = errors.New("memstore is closed")

// Store хранит очередь, каталог, остатки и блокировку под одним мьютексом,
// поэтому каждая операция атомарна.
type Store struct {
	mu       sync.Mutex
	opts     localstore.Options
	orders   map[string]domain.PendingOrder
	products []domain.CachedProduct
	images   map[string]string
	stock    map[string]int32
	lock     *domain.SyncLock
	closed   bool
}

// New создаёт пустое in-memory хранилище.
func New(options ...localstore.Option) *Store {
	return &Store{
		opts:   localstore.Apply("memstore", options...),
		orders: make(map[string]domain.PendingOrder),
		images: make(map[string]string),
		stock:  make(map[string]int32),
	}
}

// GenerateLocalID возвращает новый UUID.
func (s *Store) GenerateLocalID() string {
	return uuid.NewString()
}

func (s *Store) SaveOrder(_ context.Context, order domain.PendingOrder) error {
	if strings.TrimSpace(order.LocalID) == "" {
		return domain.ErrLocalIDRequired
	}
	if order.SyncStatus == "" {
		order.SyncStatus = domain.SyncStatusPending
	}
	if !order.SyncStatus.Valid() {
		return domain.ErrSyncStatusInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("save order", errClosed)
	}

	now := s.opts.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	s.orders[order.LocalID] = order.Clone()
	return nil
}

func (s *Store) GetOrder(_ context.Context, localID string) (domain.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.PendingOrder{}, domain.StorageError("get order", errClosed)
	}

	order, ok := s.orders[localID]
	if !ok {
		return domain.PendingOrder{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *Store) GetPendingOrders(_ context.Context) ([]domain.PendingOrder, error) {
	return s.list(func(o domain.PendingOrder) bool { return o.SyncStatus.Syncable() })
}

func (s *Store) GetAllOrders(_ context.Context) ([]domain.PendingOrder, error) {
	return s.list(func(domain.PendingOrder) bool { return true })
}

func (s *Store) GetUnsyncedCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.StorageError("count unsynced", errClosed)
	}
	return len(s.orders), nil
}

func (s *Store) DeleteOrder(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("delete order", errClosed)
	}
	delete(s.orders, localID)
	return nil
}

func (s *Store) IsOrderSafeToSync(_ context.Context, localID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, domain.StorageError("check order", errClosed)
	}
	order, ok := s.orders[localID]
	return ok && order.SyncStatus.Syncable(), nil
}

func (s *Store) MarkAsSyncing(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("mark syncing", errClosed)
	}

	order, ok := s.orders[localID]
	if !ok || !order.SyncStatus.Syncable() {
		return domain.ErrOrderNotSyncable
	}
	order.SyncStatus = domain.SyncStatusSyncing
	order.SyncAttempts++
	order.UpdatedAt = s.opts.Now().UTC()
	s.orders[localID] = order
	return nil
}

func (s *Store) RevertToPending(_ context.Context, localID, cause string) error {
	return s.setStatus(localID, domain.SyncStatusPending, cause)
}

func (s *Store) MarkAsError(_ context.Context, localID, cause string) error {
	return s.setStatus(localID, domain.SyncStatusError, cause)
}

func (s *Store) RecoverOrphanedSyncing(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.StorageError("recover syncing", errClosed)
	}

	recovered := 0
	now := s.opts.Now().UTC()
	for id, order := range s.orders {
		if order.SyncStatus != domain.SyncStatusSyncing {
			continue
		}
		order.SyncStatus = domain.SyncStatusPending
		order.UpdatedAt = now
		s.orders[id] = order
		recovered++
	}
	return recovered, nil
}

func (s *Store) AcquireSyncLock(_ context.Context, holder string) (bool, error) {
	if holder == "" {
		return false, errors.New("sync lock holder is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, domain.StorageError("acquire sync lock", errClosed)
	}

	now := s.opts.Now().UTC()
	if s.lock != nil && !s.lock.Stale(now, s.opts.LockTTL) {
		return false, nil
	}
	if s.lock != nil {
		s.opts.Logger.WithField("stale_holder", s.lock.Holder).Warn("reclaiming abandoned sync lock")
	}
	s.lock = &domain.SyncLock{Holder: holder, AcquiredAt: now}
	return true, nil
}

func (s *Store) ReleaseSyncLock(_ context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("release sync lock", errClosed)
	}
	if s.lock != nil && s.lock.Holder == holder {
		s.lock = nil
	}
	return nil
}

func (s *Store) RefreshSyncLock(_ context.Context, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, domain.StorageError("refresh sync lock", errClosed)
	}
	if s.lock == nil || s.lock.Holder != holder {
		return false, nil
	}
	s.lock.AcquiredAt = s.opts.Now().UTC()
	return true, nil
}

func (s *Store) IsSyncLocked(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, domain.StorageError("check sync lock", errClosed)
	}
	return s.lock != nil && !s.lock.Stale(s.opts.Now().UTC(), s.opts.LockTTL), nil
}

func (s *Store) SaveProducts(_ context.Context, products []domain.CachedProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("save products", errClosed)
	}

	s.products = make([]domain.CachedProduct, 0, len(products))
	for _, p := range products {
		p.Product = p.Product.Clone()
		s.products = append(s.products, p)
	}
	return nil
}

func (s *Store) GetProducts(_ context.Context) ([]domain.CachedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.StorageError("get products", errClosed)
	}

	result := make([]domain.CachedProduct, 0, len(s.products))
	for _, p := range s.products {
		p.Product = p.Product.Clone()
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) CacheProductImages(ctx context.Context, products []domain.Product) ([]domain.CachedProduct, error) {
	return localstore.CacheImages(ctx, s.opts.ImageFetcher, s, products, s.opts.Now().UTC(), s.opts.Logger)
}

// LookupImage реализует localstore.ImageBlobs.
func (s *Store) LookupImage(_ context.Context, url string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, errClosed
	}
	data, ok := s.images[url]
	return data, ok, nil
}

// StoreImage реализует localstore.ImageBlobs.
func (s *Store) StoreImage(_ context.Context, url, dataURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.images[url] = dataURI
	return nil
}

func (s *Store) UpdateProductStock(_ context.Context, productID string, delta int32) (int32, error) {
	return s.adjustStock("update stock", productID, -delta)
}

func (s *Store) RestoreProductStock(_ context.Context, productID string, delta int32) (int32, error) {
	return s.adjustStock("restore stock", productID, delta)
}

func (s *Store) GetProductStock(_ context.Context, productID string) (int32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, domain.StorageError("get stock", errClosed)
	}
	qty, ok := s.stock[productID]
	return qty, ok, nil
}

func (s *Store) SetProductStock(_ context.Context, productID string, qty int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("set stock", errClosed)
	}
	s.stock[productID] = max(qty, 0)
	return nil
}

// Ping проверяет, что хранилище не закрыто.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close закрывает хранилище; последующие операции возвращают ошибку хранилища.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) adjustStock(op, productID string, delta int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.StorageError(op, errClosed)
	}

	qty, ok := s.stock[productID]
	if !ok {
		return 0, nil
	}
	next := int64(qty) + int64(delta)
	if next < 0 {
		next = 0
	}
	s.stock[productID] = int32(next)
	return int32(next), nil
}

func (s *Store) setStatus(localID string, status domain.SyncStatus, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError("set sync status", errClosed)
	}

	order, ok := s.orders[localID]
	if !ok {
		return nil
	}
	order.SyncStatus = status
	if cause != "" {
		order.LastError = cause
	}
	order.UpdatedAt = s.opts.Now().UTC()
	s.orders[localID] = order
	return nil
}

func (s *Store) list(keep func(domain.PendingOrder) bool) ([]domain.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.StorageError("list orders", errClosed)
	}

	result := make([]domain.PendingOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if keep(order) {
			result = append(result, order.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].LocalID < result[j].LocalID
	})
	return result, nil
}

var _ domain.LocalStore = (*Store)(nil)
var _ localstore.ImageBlobs = (*Store)(nil)
