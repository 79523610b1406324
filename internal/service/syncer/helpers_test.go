package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore/memstore"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/notify"
)

type staticConn struct {
	mu     sync.Mutex
	online bool
}

func (c *staticConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (*staticConn) Subscribe(func(bool)) func() { return func() {} }

type stubAPI struct {
	mu     sync.Mutex
	calls  []string
	handle func(ctx context.Context, order domain.Order) (domain.CreatedOrder, error)
}

func (s *stubAPI) CreateOrder(ctx context.Context, order domain.Order) (domain.CreatedOrder, error) {
	s.mu.Lock()
	s.calls = append(s.calls, order.LocalID)
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return domain.CreatedOrder{ID: "srv-" + order.LocalID, LocalID: order.LocalID}, nil
	}
	return handle(ctx, order)
}

func (s *stubAPI) ListOrders(context.Context, string) ([]domain.Order, error) { return nil, nil }

func (s *stubAPI) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func duplicateErr(localID string) error {
	return &domain.RemoteError{
		StatusCode: 409,
		Code:       domain.ErrorCodeDuplicateOrder,
		Message:    "order already exists",
		OrderID:    "srv-old-" + localID,
	}
}

func networkErr() error {
	return errors.Join(domain.ErrRemoteUnavailable, errors.New("dial tcp: connection refused"))
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger.WithField("component", "test")
}

func newTestCoordinator(store Store, api domain.OrderAPI, conn domain.ConnectivityObserver, extra ...Option) (*Coordinator, *notify.Recorder) {
	recorder := &notify.Recorder{}
	options := []Option{
		WithLogger(quietLogger()),
		WithNotifier(recorder),
		WithMetrics(metrics.NewSyncMetricsWithRegisterer(prometheus.NewRegistry())),
		WithPause(0),
	}
	return NewCoordinator(store, api, conn, append(options, extra...)...), recorder
}

func seedOrders(t *testing.T, store domain.OrderQueue, ids ...string) {
	t.Helper()

	for _, id := range ids {
		item := domain.NewItem("p-"+id, 1, 100)
		require.NoError(t, store.SaveOrder(context.Background(), domain.PendingOrder{
			LocalID:          id,
			RestaurantID:     "r1",
			Items:            []domain.OrderItem{item},
			TotalAmountMinor: item.LineTotalMinor,
			Status:           domain.OrderStatusPending,
		}))
	}
}

func syncStatus(t *testing.T, store domain.OrderQueue, id string) domain.SyncStatus {
	t.Helper()

	order, err := store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order.SyncStatus
}

func requireNoSyncing(t *testing.T, store domain.OrderQueue) {
	t.Helper()

	all, err := store.GetAllOrders(context.Background())
	require.NoError(t, err)
	for _, order := range all {
		require.NotEqual(t, domain.SyncStatusSyncing, order.SyncStatus, "order %s left SYNCING", order.LocalID)
	}
}

// failingDeleteStore ломает DeleteOrder, как при сбое диска.
type failingDeleteStore struct {
	*memstore.Store
}

func (failingDeleteStore) DeleteOrder(context.Context, string) error {
	return domain.StorageError("delete order", errors.New("disk I/O error"))
}
