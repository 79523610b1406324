package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
	"github.com/vladislavdragonenkov/possync/internal/localstore/storetest"
	"github.com/vladislavdragonenkov/possync/internal/storage/schema"
)

func openTestStore(t *testing.T, path string, options ...localstore.Option) *Store {
	t.Helper()

	store, err := Open(context.Background(), path, options...)
	require.NoError(t, err)
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, options ...localstore.Option) domain.LocalStore {
		return openTestStore(t, filepath.Join(t.TempDir(), "pos.db"), options...)
	})
}

func TestStore_OrdersSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	store := openTestStore(t, path)
	item := domain.NewItem("p1", 2, 300)
	require.NoError(t, store.SaveOrder(ctx, domain.PendingOrder{
		LocalID:          "L1",
		RestaurantID:     "r1",
		Items:            []domain.OrderItem{item},
		TotalAmountMinor: item.LineTotalMinor,
		Status:           domain.OrderStatusPending,
	}))
	require.NoError(t, store.MarkAsSyncing(ctx, "L1"))
	require.NoError(t, store.SetProductStock(ctx, "p1", 8))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	got, err := reopened.GetOrder(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSyncing, got.SyncStatus)
	assert.Equal(t, []domain.OrderItem{item}, got.Items)

	recovered, err := reopened.RecoverOrphanedSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	qty, ok, err := reopened.GetProductStock(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(8), qty)

	version, applied, err := reopened.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, 2, applied)
}

func TestStore_SyncLockSharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	first := openTestStore(t, path)
	defer first.Close()
	require.NoError(t, first.Ping(ctx))

	const handles = 4
	stores := make([]*Store, 0, handles)
	for range handles {
		s := openTestStore(t, path)
		defer s.Close()
		stores = append(stores, s)
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			ok, err := s.AcquireSyncLock(ctx, fmt.Sprintf("agent-%d", i))
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())

	locked, err := first.IsSyncLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestStore_ZeroTTLNeverReclaims(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := storetest.NewClock(now)

	store := openTestStore(t, filepath.Join(t.TempDir(), "pos.db"),
		localstore.WithLockTTL(0),
		localstore.WithClock(clock.Now),
	)
	defer store.Close()

	ok, err := store.AcquireSyncLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(24 * time.Hour)
	ok, err = store.AcquireSyncLock(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := schema.Load(migrationsFS, "sql/migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "0001_init", migrations[0].ID())
	assert.Equal(t, "0002_catalog", migrations[1].ID())
	assert.Contains(t, migrations[0].Up, "pending_orders")
	assert.Contains(t, migrations[1].Down, "stock_mirror")
}
