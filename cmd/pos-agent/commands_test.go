package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/server/orders"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
	"github.com/vladislavdragonenkov/possync/internal/transport/httpapi"
)

type authority struct {
	svc        *orders.Service
	url        string
	healthAddr string
}

func startAuthority(t *testing.T) authority {
	t.Helper()

	svc := orders.NewService(memory.NewOrderStore(memory.NewOutboxRepository()))
	require.NoError(t, svc.SeedProducts(context.Background(), []domain.Product{
		{ID: "latte", RestaurantID: "rest-1", Name: "Латте", PriceMinor: 35000, Stock: domain.StockOf(5), Available: true},
		{ID: "croissant", RestaurantID: "rest-1", Name: "Круассан", PriceMinor: 18000, Available: true},
	}))
	api := httptest.NewServer(httpapi.NewHandler(svc, nil).Routes())
	t.Cleanup(api.Close)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(DefaultConfig().HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	return authority{svc: svc, url: api.URL, healthAddr: lis.Addr().String()}
}

func writeAgentConfig(t *testing.T, auth authority) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	body := fmt.Sprintf(`
restaurant_id: rest-1
server_url: %s
health_target: %s
http_addr: ""
store:
  driver: sqlite
  path: %s
sync:
  pause: 0s
  debounce: 10ms
probe:
  interval: 20ms
`, auth.url, auth.healthAddr, filepath.Join(dir, "pos.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(envOf(nil))
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestOfflineOrderIsQueuedAndSynced(t *testing.T) {
	auth := startAuthority(t)
	cfgPath := writeAgentConfig(t, auth)

	out := execute(t, "products", "--config", cfgPath)
	require.NotContains(t, out, "(cached catalog)")
	require.Contains(t, out, "latte")

	out = execute(t, "order", "--config", cfgPath, "--offline", "--item", "latte:2", "--table", "7")
	require.Contains(t, out, "queued locally")

	out = execute(t, "status", "--config", cfgPath, "--offline")
	require.Contains(t, out, "unsynced: 1")
	require.Contains(t, out, "PENDING")

	out = execute(t, "products", "--config", cfgPath, "--offline")
	require.Contains(t, out, "(cached catalog)")

	out = execute(t, "sync", "--config", cfgPath)
	require.Contains(t, out, "sync completed")
	require.Contains(t, out, "succeeded=1")

	out = execute(t, "status", "--config", cfgPath)
	require.Contains(t, out, "connectivity: online")
	require.Contains(t, out, "unsynced: 0")

	serverOrders, err := auth.svc.ListOrders(context.Background(), "rest-1", 10)
	require.NoError(t, err)
	require.Len(t, serverOrders, 1)
	require.Equal(t, "7", serverOrders[0].TableID)

	products, err := auth.svc.ListProducts(context.Background(), "rest-1")
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == "latte" {
			require.Equal(t, int32(3), *p.Stock)
		}
	}
}

func TestOnlineOrderGoesStraightToServer(t *testing.T) {
	auth := startAuthority(t)
	cfgPath := writeAgentConfig(t, auth)

	out := execute(t, "order", "--config", cfgPath, "--item", "croissant", "--customer-name", "Анна")
	require.Contains(t, out, "accepted by server")

	out = execute(t, "status", "--config", cfgPath)
	require.Contains(t, out, "unsynced: 0")
}

func TestOrderRejectsUnknownProductAndInsufficientStock(t *testing.T) {
	auth := startAuthority(t)
	cfgPath := writeAgentConfig(t, auth)

	cmd := newRootCommand(envOf(nil))
	cmd.SetArgs([]string{"order", "--config", cfgPath, "--item", "espresso:1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, cmd.Execute(), "not in the catalog")

	cmd = newRootCommand(envOf(nil))
	cmd.SetArgs([]string{"order", "--config", cfgPath, "--item", "latte:9"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorIs(t, cmd.Execute(), domain.ErrInsufficientStock)

	out := execute(t, "status", "--config", cfgPath, "--offline")
	require.Contains(t, out, "unsynced: 0")
}

func TestRunAgent_AutoSyncOnReconnect(t *testing.T) {
	auth := startAuthority(t)
	cfgPath := writeAgentConfig(t, auth)
	cfg, err := loadConfig(cfgPath, envOf(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newAgent(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	// агент стартует offline: заказ ложится в очередь
	result, err := a.submitter.SaveOrder(ctx, domain.OrderDraft{
		RestaurantID: "rest-1",
		Items:        []domain.OrderItem{domain.NewItem("croissant", 1, 18000)},
		Status:       domain.OrderStatusPaid,
	})
	require.NoError(t, err)
	require.True(t, result.Queued)

	done := make(chan error, 1)
	go func() { done <- runAgent(ctx, a) }()

	require.Eventually(t, func() bool {
		n, err := a.store.GetUnsyncedCount(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	serverOrders, err := auth.svc.ListOrders(ctx, "rest-1", 10)
	require.NoError(t, err)
	require.Len(t, serverOrders, 1)
	require.Equal(t, result.LocalID, serverOrders[0].LocalID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestOpsRouter_OfflineIsDegraded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestaurantID = "rest-1"
	cfg.HealthTarget = ""
	cfg.Store.Driver = storeDriverMemory

	a, err := newAgent(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(opsRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body.String(), `"degraded"`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"latte:2", " croissant "})
	require.NoError(t, err)
	require.Equal(t, []itemRequest{{productID: "latte", qty: 2}, {productID: "croissant", qty: 1}}, items)

	for _, bad := range []string{"latte:0", "latte:-1", "latte:x", ":2"} {
		_, err := parseItems([]string{bad})
		require.Error(t, err, bad)
	}
	_, err = parseItems(nil)
	require.ErrorIs(t, err, domain.ErrItemsRequired)
}

func TestFormatMoney(t *testing.T) {
	require.Equal(t, "350.00", formatMoney(35000))
	require.Equal(t, "0.05", formatMoney(5))
	require.Equal(t, "-1.50", formatMoney(-150))
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	require.True(t, strings.HasPrefix(out, "version="))
}
