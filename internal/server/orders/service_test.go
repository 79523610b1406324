package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/server/orders"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *orders.Service
	store  domain.OrderStore
	outbox interface {
		AllPending() []domain.OutboxMessage
	}
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	store := memory.NewOrderStore(outbox)
	logger, _ := test.NewNullLogger()

	var seq atomic.Int64
	svc := orders.NewService(store,
		orders.WithLogger(logrus.NewEntry(logger)),
		orders.WithClock(func() time.Time { return fixedNow }),
		orders.WithIDGenerator(func() string { return fmt.Sprintf("srv-%d", seq.Add(1)) }),
	)
	require.NoError(t, svc.SeedProducts(context.Background(), []domain.Product{
		{ID: "latte", RestaurantID: "rest-1", Name: "Latte", PriceMinor: 350, Stock: domain.StockOf(10), Available: true},
		{ID: "water", RestaurantID: "rest-1", Name: "Water", PriceMinor: 100, Available: true},
	}))
	return fixture{svc: svc, store: store, outbox: outbox}
}

func incomingOrder(localID string) domain.Order {
	return domain.Order{
		LocalID:          localID,
		RestaurantID:     "rest-1",
		TableID:          "t-2",
		Items:            []domain.OrderItem{domain.NewItem("latte", 2, 350), domain.NewItem("water", 1, 100)},
		TotalAmountMinor: 800,
	}
}

func latteStock(t *testing.T, f fixture) int32 {
	t.Helper()
	products, err := f.svc.ListProducts(context.Background(), "rest-1")
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == "latte" {
			require.NotNil(t, p.Stock)
			return *p.Stock
		}
	}
	t.Fatal("latte not found")
	return 0
}

func TestCreateOrder_Created(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateOrder(context.Background(), incomingOrder("local-1"))
	require.NoError(t, err)
	require.Equal(t, "srv-1", created.ID)
	require.Equal(t, domain.OrderStatusPending, created.Status)
	require.Equal(t, fixedNow, created.CreatedAt)
	require.Equal(t, int32(8), latteStock(t, f))

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, orders.EventOrderCreated, pending[0].EventType)
	require.Equal(t, "srv-1", pending[0].AggregateID)

	var event orders.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.Equal(t, "local-1", event.LocalID)
	assert.Equal(t, int64(800), event.TotalAmount)
	assert.Equal(t, 2, event.ItemCount)
}

func TestCreateOrder_DuplicateDoesNotDoubleDecrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, incomingOrder("local-1"))
	require.NoError(t, err)

	again, err := f.svc.CreateOrder(ctx, incomingOrder("local-1"))
	require.ErrorIs(t, err, domain.ErrDuplicateLocalID)
	require.Equal(t, first.ID, again.ID)

	var dup *domain.DuplicateError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, first.ID, dup.ExistingID)

	require.Equal(t, int32(8), latteStock(t, f))
	require.Len(t, f.outbox.AllPending(), 1)

	list, err := f.svc.ListOrders(ctx, "rest-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateOrder_ConcurrentRetriesCreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 16
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(ctx, incomingOrder("local-shared"))
			if err == nil {
				created.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrDuplicateLocalID)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	require.Equal(t, int32(8), latteStock(t, f))
}

func TestCreateOrder_Invalid(t *testing.T) {
	f := newFixture(t)

	order := incomingOrder("local-1")
	order.TotalAmountMinor = 1
	_, err := f.svc.CreateOrder(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrOrderInvalid)
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	_, err = f.svc.CreateOrder(context.Background(), incomingOrder("   "))
	require.ErrorIs(t, err, domain.ErrLocalIDRequired)

	require.Empty(t, f.outbox.AllPending())
	require.Equal(t, int32(10), latteStock(t, f))
}

func TestCreateOrder_KeepsClientCreatedAt(t *testing.T) {
	f := newFixture(t)

	order := incomingOrder("local-1")
	placed := fixedNow.Add(-3 * time.Hour)
	order.CreatedAt = placed

	created, err := f.svc.CreateOrder(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, placed, created.CreatedAt)
}

func TestListRequiresRestaurant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListOrders(context.Background(), "", 10)
	require.ErrorIs(t, err, domain.ErrRestaurantRequired)
	_, err = f.svc.ListProducts(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrRestaurantRequired)
}

type failingStore struct {
	domain.OrderStore
}

func (failingStore) CreateWithEffects(context.Context, domain.Order, domain.OutboxMessage) error {
	return errors.New("connection reset")
}

func TestCreateOrder_StoreFailure(t *testing.T) {
	svc := orders.NewService(failingStore{OrderStore: memory.NewOrderStore(nil)})

	_, err := svc.CreateOrder(context.Background(), incomingOrder("local-1"))
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrDuplicateLocalID)
	require.Contains(t, err.Error(), "persist order")
}
