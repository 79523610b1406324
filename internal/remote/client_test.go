package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/transport/wire"
)

func sampleOrder() domain.Order {
	item := domain.NewItem("p1", 2, 300)
	return domain.Order{
		LocalID:          "L1",
		RestaurantID:     "r1",
		Items:            []domain.OrderItem{item},
		TotalAmountMinor: item.LineTotalMinor,
		Status:           domain.OrderStatusPending,
	}
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(srv.URL)
	require.NoError(t, err)
	return client
}

func TestClient_CreateOrderSuccess(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/orders", r.URL.Path)

		var req wire.CreateOrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "L1", req.LocalID)
		assert.Equal(t, int64(600), req.TotalAmount)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(wire.OrderEnvelope{Order: wire.Order{ID: "srv-1", LocalID: req.LocalID}})
	})

	created, err := client.CreateOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, domain.CreatedOrder{ID: "srv-1", LocalID: "L1"}, created)
}

func TestClient_CreateOrderDuplicate(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(wire.ErrorEnvelope{Error: wire.Error{
			Code:    wire.CodeDuplicateOrder,
			Message: "order already exists",
			OrderID: "srv-9",
		}})
	})

	created, err := client.CreateOrder(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.True(t, domain.IsDuplicate(err))
	assert.False(t, domain.IsRetryable(err))
	assert.True(t, created.Duplicate)
	assert.Equal(t, "srv-9", created.ID)
}

func TestClient_ConflictWithoutCodeIsNotDuplicate(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("conflict"))
	})

	_, err := client.CreateOrder(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.False(t, domain.IsDuplicate(err))

	var remoteErr *domain.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusConflict, remoteErr.StatusCode)
	assert.Equal(t, "conflict", remoteErr.Message)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.CreateOrder(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, domain.IsDuplicate(err))
}

func TestClient_NetworkErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := New(url)
	require.NoError(t, err)

	_, err = client.CreateOrder(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteUnavailable)
}

func TestClient_ListProducts(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/restaurants/r1/products", r.URL.Path)
		_ = json.NewEncoder(w).Encode(wire.ProductsEnvelope{Products: []wire.Product{
			{ID: "p1", RestaurantID: "r1", Name: "Soup", Price: 500, Stock: domain.StockOf(3), Available: true},
			{ID: "p2", RestaurantID: "r1", Name: "Tea", Price: 150, Available: true},
		}})
	})

	products, err := client.ListProducts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, int64(500), products[0].PriceMinor)
	require.NotNil(t, products[0].Stock)
	assert.Equal(t, int32(3), *products[0].Stock)
	assert.Nil(t, products[1].Stock)
}

func TestClient_ListOrders(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/restaurants/r1/orders", r.URL.Path)
		_ = json.NewEncoder(w).Encode(wire.OrdersEnvelope{Orders: []wire.Order{
			wire.NewOrder(domain.Order{ID: "srv-1", LocalID: "L1", RestaurantID: "r1", Status: domain.OrderStatusPaid}),
		}})
	})

	orders, err := client.ListOrders(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "srv-1", orders[0].ID)
	assert.Equal(t, domain.OrderStatusPaid, orders[0].Status)
}

func TestClient_FetchImage(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/p1.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/img/big.png":
			_, _ = w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	})
	client.maxImageBytes = 32

	data, contentType, err := client.FetchImage(context.Background(), "/img/p1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", contentType)

	_, _, err = client.FetchImage(context.Background(), "/img/big.png")
	assert.Error(t, err)

	_, _, err = client.FetchImage(context.Background(), "/img/missing.png")
	var remoteErr *domain.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := New("localhost:8080")
	assert.Error(t, err)
}
