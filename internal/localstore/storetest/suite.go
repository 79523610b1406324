// Package storetest содержит общий набор проверок для реализаций domain.LocalStore.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
)

// Factory открывает новое пустое хранилище с заданными опциями.
type Factory func(t *testing.T, options ...localstore.Option) domain.LocalStore

// Clock: управляемые часы для проверок TTL.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создаёт часы, остановленные на start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Suite проверяет контракт LocalStore.
type Suite struct {
	suite.Suite
	Open Factory

	ctx   context.Context
	clock *Clock
	store domain.LocalStore
}

// Run запускает набор против конкретной реализации.
func Run(t *testing.T, open Factory) {
	suite.Run(t, &Suite{Open: open})
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = s.Open(s.T(), localstore.WithClock(s.clock.Now), localstore.WithLockTTL(time.Minute))
}

func (s *Suite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *Suite) order(localID string, qty int32) domain.PendingOrder {
	item := domain.NewItem("prod-"+localID, qty, 250)
	return domain.PendingOrder{
		LocalID:          localID,
		RestaurantID:     "rest-1",
		TableID:          "table-7",
		Customer:         &domain.Customer{Name: "Alice", Phone: "+100"},
		Items:            []domain.OrderItem{item},
		TotalAmountMinor: item.LineTotalMinor,
		Status:           domain.OrderStatusPending,
		SyncStatus:       domain.SyncStatusPending,
		CreatedAt:        s.clock.Now(),
	}
}

func (s *Suite) TestGenerateLocalIDUnique() {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := s.store.GenerateLocalID()
		s.Require().NotEmpty(id)
		_, dup := seen[id]
		s.Require().False(dup, "duplicate local id %s", id)
		seen[id] = struct{}{}
	}
}

func (s *Suite) TestSaveOrderRoundTripAndUpsert() {
	o := s.order("L1", 2)
	s.Require().NoError(s.store.SaveOrder(s.ctx, o))

	got, err := s.store.GetOrder(s.ctx, "L1")
	s.Require().NoError(err)
	s.Equal("rest-1", got.RestaurantID)
	s.Equal("table-7", got.TableID)
	s.Require().NotNil(got.Customer)
	s.Equal("Alice", got.Customer.Name)
	s.Equal(o.Items, got.Items)
	s.Equal(int64(500), got.TotalAmountMinor)
	s.Equal(domain.SyncStatusPending, got.SyncStatus)
	s.True(got.CreatedAt.Equal(o.CreatedAt))

	o.TableID = "table-9"
	s.Require().NoError(s.store.SaveOrder(s.ctx, o))

	count, err := s.store.GetUnsyncedCount(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, count)

	got, err = s.store.GetOrder(s.ctx, "L1")
	s.Require().NoError(err)
	s.Equal("table-9", got.TableID)
}

func (s *Suite) TestSaveOrderRejectsEmptyLocalID() {
	err := s.store.SaveOrder(s.ctx, s.order("", 1))
	s.ErrorIs(err, domain.ErrLocalIDRequired)
}

func (s *Suite) TestGetOrderNotFound() {
	_, err := s.store.GetOrder(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

func (s *Suite) TestPendingOrdersExcludeSyncingInQueueOrder() {
	for i, id := range []string{"L3", "L1", "L2"} {
		o := s.order(id, 1)
		o.CreatedAt = s.clock.Now().Add(time.Duration(i) * time.Second)
		s.Require().NoError(s.store.SaveOrder(s.ctx, o))
	}
	s.Require().NoError(s.store.MarkAsSyncing(s.ctx, "L1"))
	s.Require().NoError(s.store.MarkAsError(s.ctx, "L2", "boom"))

	pending, err := s.store.GetPendingOrders(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal("L3", pending[0].LocalID)
	s.Equal("L2", pending[1].LocalID)
	s.Equal(domain.SyncStatusError, pending[1].SyncStatus)
	s.Equal("boom", pending[1].LastError)

	all, err := s.store.GetAllOrders(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *Suite) TestSyncStateTransitions() {
	s.Require().NoError(s.store.SaveOrder(s.ctx, s.order("L1", 1)))

	safe, err := s.store.IsOrderSafeToSync(s.ctx, "L1")
	s.Require().NoError(err)
	s.True(safe)

	s.Require().NoError(s.store.MarkAsSyncing(s.ctx, "L1"))
	safe, err = s.store.IsOrderSafeToSync(s.ctx, "L1")
	s.Require().NoError(err)
	s.False(safe)

	s.ErrorIs(s.store.MarkAsSyncing(s.ctx, "L1"), domain.ErrOrderNotSyncable)

	s.Require().NoError(s.store.RevertToPending(s.ctx, "L1", "timeout"))
	got, err := s.store.GetOrder(s.ctx, "L1")
	s.Require().NoError(err)
	s.Equal(domain.SyncStatusPending, got.SyncStatus)
	s.Equal(1, got.SyncAttempts)
	s.Equal("timeout", got.LastError)

	s.Require().NoError(s.store.MarkAsSyncing(s.ctx, "L1"))
	got, err = s.store.GetOrder(s.ctx, "L1")
	s.Require().NoError(err)
	s.Equal(2, got.SyncAttempts)
}

func (s *Suite) TestMissingOrderTransitionsAreNoop() {
	s.NoError(s.store.RevertToPending(s.ctx, "ghost", "x"))
	s.NoError(s.store.MarkAsError(s.ctx, "ghost", "x"))
	s.ErrorIs(s.store.MarkAsSyncing(s.ctx, "ghost"), domain.ErrOrderNotSyncable)

	safe, err := s.store.IsOrderSafeToSync(s.ctx, "ghost")
	s.Require().NoError(err)
	s.False(safe)

	_, err = s.store.GetOrder(s.ctx, "ghost")
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

func (s *Suite) TestDeleteOrder() {
	s.Require().NoError(s.store.SaveOrder(s.ctx, s.order("L1", 1)))
	s.Require().NoError(s.store.DeleteOrder(s.ctx, "L1"))
	s.Require().NoError(s.store.DeleteOrder(s.ctx, "L1"))

	count, err := s.store.GetUnsyncedCount(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *Suite) TestRecoverOrphanedSyncing() {
	s.Require().NoError(s.store.SaveOrder(s.ctx, s.order("L1", 1)))
	s.Require().NoError(s.store.SaveOrder(s.ctx, s.order("L2", 1)))
	s.Require().NoError(s.store.MarkAsSyncing(s.ctx, "L1"))

	recovered, err := s.store.RecoverOrphanedSyncing(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, recovered)

	pending, err := s.store.GetPendingOrders(s.ctx)
	s.Require().NoError(err)
	s.Len(pending, 2)
}

func (s *Suite) TestSyncLockIsExclusive() {
	ok, err := s.store.AcquireSyncLock(s.ctx, "a")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.AcquireSyncLock(s.ctx, "b")
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.store.AcquireSyncLock(s.ctx, "a")
	s.Require().NoError(err)
	s.False(ok, "lock is not reentrant")

	locked, err := s.store.IsSyncLocked(s.ctx)
	s.Require().NoError(err)
	s.True(locked)

	// чужой holder не снимает блокировку
	s.Require().NoError(s.store.ReleaseSyncLock(s.ctx, "b"))
	locked, err = s.store.IsSyncLocked(s.ctx)
	s.Require().NoError(err)
	s.True(locked)

	s.Require().NoError(s.store.ReleaseSyncLock(s.ctx, "a"))
	locked, err = s.store.IsSyncLocked(s.ctx)
	s.Require().NoError(err)
	s.False(locked)

	ok, err = s.store.AcquireSyncLock(s.ctx, "b")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *Suite) TestSyncLockConcurrentAcquire() {
	const callers = 16

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make(chan error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.store.AcquireSyncLock(s.ctx, fmt.Sprintf("holder-%d", i))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		s.Require().NoError(err)
	}
	s.Equal(int32(1), winners.Load())
}

func (s *Suite) TestStaleSyncLockIsReclaimed() {
	ok, err := s.store.AcquireSyncLock(s.ctx, "crashed")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.clock.Advance(30 * time.Second)
	ok, err = s.store.AcquireSyncLock(s.ctx, "next")
	s.Require().NoError(err)
	s.False(ok)

	s.clock.Advance(31 * time.Second)
	locked, err := s.store.IsSyncLocked(s.ctx)
	s.Require().NoError(err)
	s.False(locked)

	ok, err = s.store.AcquireSyncLock(s.ctx, "next")
	s.Require().NoError(err)
	s.True(ok)

	// старый владелец уже не может снять перехваченную блокировку
	s.Require().NoError(s.store.ReleaseSyncLock(s.ctx, "crashed"))
	locked, err = s.store.IsSyncLocked(s.ctx)
	s.Require().NoError(err)
	s.True(locked)
}

func (s *Suite) TestSyncLockRefreshKeepsItAlive() {
	ok, err := s.store.AcquireSyncLock(s.ctx, "worker")
	s.Require().NoError(err)
	s.Require().True(ok)

	for range 3 {
		s.clock.Advance(45 * time.Second)
		held, err := s.store.RefreshSyncLock(s.ctx, "worker")
		s.Require().NoError(err)
		s.Require().True(held)
	}

	s.clock.Advance(45 * time.Second)
	ok, err = s.store.AcquireSyncLock(s.ctx, "rival")
	s.Require().NoError(err)
	s.False(ok, "refreshed lock is not stale")

	held, err := s.store.RefreshSyncLock(s.ctx, "rival")
	s.Require().NoError(err)
	s.False(held)

	s.clock.Advance(time.Minute)
	ok, err = s.store.AcquireSyncLock(s.ctx, "rival")
	s.Require().NoError(err)
	s.Require().True(ok)

	held, err = s.store.RefreshSyncLock(s.ctx, "worker")
	s.Require().NoError(err)
	s.False(held, "previous holder lost the lock")
}

func (s *Suite) TestStockMirrorClampsAtZero() {
	s.Require().NoError(s.store.SetProductStock(s.ctx, "p1", 3))

	qty, err := s.store.UpdateProductStock(s.ctx, "p1", 2)
	s.Require().NoError(err)
	s.Equal(int32(1), qty)

	qty, err = s.store.UpdateProductStock(s.ctx, "p1", 5)
	s.Require().NoError(err)
	s.Equal(int32(0), qty)

	qty, err = s.store.RestoreProductStock(s.ctx, "p1", 4)
	s.Require().NoError(err)
	s.Equal(int32(4), qty)

	got, ok, err := s.store.GetProductStock(s.ctx, "p1")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(int32(4), got)

	s.Require().NoError(s.store.SetProductStock(s.ctx, "p1", -7))
	got, _, err = s.store.GetProductStock(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal(int32(0), got)
}

func (s *Suite) TestStockMirrorUntrackedProduct() {
	qty, err := s.store.UpdateProductStock(s.ctx, "unknown", 1)
	s.Require().NoError(err)
	s.Zero(qty)

	_, ok, err := s.store.GetProductStock(s.ctx, "unknown")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *Suite) TestProductsReplaceCatalog() {
	first := []domain.CachedProduct{
		{Product: domain.Product{ID: "p1", Name: "Soup", PriceMinor: 500, Stock: domain.StockOf(4), Available: true}},
		{Product: domain.Product{ID: "p2", Name: "Tea", PriceMinor: 150, Available: true}, ImageData: "data:image/png;base64,AA=="},
	}
	s.Require().NoError(s.store.SaveProducts(s.ctx, first))

	got, err := s.store.GetProducts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("p1", got[0].ID)
	s.Require().NotNil(got[0].Stock)
	s.Equal(int32(4), *got[0].Stock)
	s.Nil(got[1].Stock)
	s.Equal("data:image/png;base64,AA==", got[1].ImageData)

	s.Require().NoError(s.store.SaveProducts(s.ctx, first[1:]))
	got, err = s.store.GetProducts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("p2", got[0].ID)
}

func (s *Suite) TestCacheProductImagesWithoutFetcher() {
	products := []domain.Product{{ID: "p1", ImageURL: "http://img/p1.png"}, {ID: "p2"}}

	cached, err := s.store.CacheProductImages(s.ctx, products)
	s.Require().NoError(err)
	s.Require().Len(cached, 2)
	s.Empty(cached[0].ImageData)
	s.Empty(cached[1].ImageData)
}

func (s *Suite) TestClosedStoreSurfacesErrors() {
	store := s.Open(s.T())
	s.Require().NoError(store.Close())

	err := store.SaveOrder(s.ctx, s.order("L1", 1))
	s.Require().Error(err)
	s.True(domain.IsStorage(err), "closed store must report a storage failure, got %v", err)
}
