package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/remote"
	"github.com/vladislavdragonenkov/possync/internal/server/orders"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
	"github.com/vladislavdragonenkov/possync/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/possync/internal/transport/wire"
)

func newServer(t *testing.T) (*httptest.Server, *orders.Service) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)
	svc := orders.NewService(memory.NewOrderStore(memory.NewOutboxRepository()), orders.WithLogger(entry))
	require.NoError(t, svc.SeedProducts(context.Background(), []domain.Product{
		{ID: "latte", RestaurantID: "rest-1", Name: "Latte", PriceMinor: 350, Stock: domain.StockOf(5), Available: true},
	}))

	srv := httptest.NewServer(httpapi.NewHandler(svc, entry).Routes())
	t.Cleanup(srv.Close)
	return srv, svc
}

func createBody(localID string) []byte {
	raw, _ := json.Marshal(wire.CreateOrderRequest{
		RestaurantID: "rest-1",
		TableID:      "t-1",
		TotalAmount:  700,
		Status:       "PENDING",
		Items:        []wire.Item{{ProductID: "latte", Quantity: 2, Price: 350, Total: 700}},
		LocalID:      localID,
	})
	return raw
}

func post(t *testing.T, srv *httptest.Server, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestCreateOrder_CreatedThenDuplicate(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := post(t, srv, createBody("local-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var created wire.OrderEnvelope
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.Order.ID)
	require.Equal(t, "local-1", created.Order.LocalID)

	resp, body = post(t, srv, createBody("local-1"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var dup wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &dup))
	require.Equal(t, wire.CodeDuplicateOrder, dup.Error.Code)
	require.Equal(t, created.Order.ID, dup.Error.OrderID)
}

func TestCreateOrder_ValidationAndBadJSON(t *testing.T) {
	srv, _ := newServer(t)

	invalid := wire.CreateOrderRequest{RestaurantID: "rest-1", LocalID: "local-2", TotalAmount: 10}
	raw, err := json.Marshal(invalid)
	require.NoError(t, err)

	resp, body := post(t, srv, raw)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var envelope wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, wire.CodeValidation, envelope.Error.Code)

	resp, body = post(t, srv, []byte(`{"local_id":`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, wire.CodeBadRequest, envelope.Error.Code)
}

func TestListEndpoints(t *testing.T) {
	srv, _ := newServer(t)
	resp, _ := post(t, srv, createBody("local-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/v1/restaurants/rest-1/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var products wire.ProductsEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	require.Len(t, products.Products, 1)
	require.NotNil(t, products.Products[0].Stock)
	assert.Equal(t, int32(3), *products.Products[0].Stock)

	ordersResp, err := http.Get(srv.URL + "/api/v1/restaurants/rest-1/orders?limit=10")
	require.NoError(t, err)
	defer ordersResp.Body.Close()
	require.Equal(t, http.StatusOK, ordersResp.StatusCode)

	var list wire.OrdersEnvelope
	require.NoError(t, json.NewDecoder(ordersResp.Body).Decode(&list))
	require.Len(t, list.Orders, 1)

	badLimit, err := http.Get(srv.URL + "/api/v1/restaurants/rest-1/orders?limit=abc")
	require.NoError(t, err)
	defer badLimit.Body.Close()
	require.Equal(t, http.StatusBadRequest, badLimit.StatusCode)
}

// Клиент кассы и сервер сходятся на контракте дубликата.
func TestRemoteClientAgainstServer(t *testing.T) {
	srv, _ := newServer(t)
	client, err := remote.New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	order := domain.Order{
		LocalID:          "local-roundtrip",
		RestaurantID:     "rest-1",
		Items:            []domain.OrderItem{domain.NewItem("latte", 1, 350)},
		TotalAmountMinor: 350,
		Status:           domain.OrderStatusPaid,
	}

	created, err := client.CreateOrder(ctx, order)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.Duplicate)

	again, err := client.CreateOrder(ctx, order)
	require.True(t, domain.IsDuplicate(err))
	require.False(t, domain.IsRetryable(err))
	require.Equal(t, created.ID, again.ID)

	order.LocalID = "local-invalid"
	order.TotalAmountMinor = 1
	_, err = client.CreateOrder(ctx, order)
	var remoteErr *domain.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, http.StatusUnprocessableEntity, remoteErr.StatusCode)
	require.False(t, domain.IsRetryable(err))

	products, err := client.ListProducts(ctx, "rest-1")
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, int32(4), *products[0].Stock)

	listed, err := client.ListOrders(ctx, "rest-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, domain.OrderStatusPaid, listed[0].Status)
}

type failingService struct{ httpapi.OrderService }

func (failingService) ListProducts(context.Context, string) ([]domain.Product, error) {
	return nil, errors.New("pool exhausted")
}

func TestInternalErrorIsMasked(t *testing.T) {
	logger, hook := test.NewNullLogger()
	srv := httptest.NewServer(httpapi.NewHandler(failingService{}, logrus.NewEntry(logger)).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/restaurants/rest-1/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var envelope wire.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, wire.CodeInternal, envelope.Error.Code)
	require.NotContains(t, envelope.Error.Message, "pool")

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	require.True(t, logged)
}
