package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
	"github.com/vladislavdragonenkov/possync/internal/localstore/memstore"
	"github.com/vladislavdragonenkov/possync/internal/localstore/storetest"
)

func newClockedStore(clock *storetest.Clock) *memstore.Store {
	return memstore.New(localstore.WithClock(clock.Now), localstore.WithLockTTL(2*time.Minute))
}

func TestSyncOrders_LongPassKeepsLock(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newClockedStore(clock)
	seedOrders(t, store, "L1", "L2", "L3")
	conn := &staticConn{online: true}

	rival, _ := newTestCoordinator(store, &stubAPI{}, conn, WithHolder("rival"))
	var rivalOutcomes []Outcome
	api := &stubAPI{handle: func(_ context.Context, order domain.Order) (domain.CreatedOrder, error) {
		clock.Advance(90 * time.Second)
		summary, err := rival.SyncOrders(ctx)
		require.NoError(t, err)
		rivalOutcomes = append(rivalOutcomes, summary.Outcome)
		return domain.CreatedOrder{ID: "srv-" + order.LocalID, LocalID: order.LocalID}, nil
	}}
	coordinator, _ := newTestCoordinator(store, api, conn, WithHolder("main"))

	summary, err := coordinator.SyncOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, summary.Outcome)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, []string{"L1", "L2", "L3"}, api.Calls())
	assert.Equal(t, []Outcome{OutcomeAlreadyRunning, OutcomeAlreadyRunning, OutcomeAlreadyRunning}, rivalOutcomes)

	locked, err := store.IsSyncLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSyncOrders_LostLockAbortsPass(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newClockedStore(clock)
	seedOrders(t, store, "L1", "L2")

	api := &stubAPI{handle: func(_ context.Context, order domain.Order) (domain.CreatedOrder, error) {
		clock.Advance(3 * time.Minute)
		taken, err := store.AcquireSyncLock(ctx, "other-instance")
		require.NoError(t, err)
		require.True(t, taken)
		return domain.CreatedOrder{ID: "srv-" + order.LocalID, LocalID: order.LocalID}, nil
	}}
	coordinator, _ := newTestCoordinator(store, api, &staticConn{online: true}, WithHolder("main"))

	summary, err := coordinator.SyncOrders(ctx)
	require.ErrorIs(t, err, domain.ErrSyncLockLost)
	assert.Equal(t, OutcomeAborted, summary.Outcome)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"L1"}, api.Calls())
	assert.Equal(t, domain.SyncStatusPending, syncStatus(t, store, "L2"))
	requireNoSyncing(t, store)

	locked, err := store.IsSyncLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked, "the new holder keeps its lock")
	stillHeld, err := store.RefreshSyncLock(ctx, "other-instance")
	require.NoError(t, err)
	assert.True(t, stillHeld)
}
