package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("store", NewSimpleChecker("store", func(context.Context) error {
		return nil
	}))

	w := serve(t, handler.ServeHTTP, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, StatusHealthy, response.Status)
	require.Equal(t, "v1.0.0", response.Version)
	require.Len(t, response.Checks, 1)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("store", NewSimpleChecker("store", func(context.Context) error {
		return errors.New("database is locked")
	}))

	w := serve(t, handler.ServeHTTP, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, StatusUnhealthy, response.Status)
	require.Equal(t, "database is locked", response.Checks["store"].Message)
}

func TestHealthHandler_DegradedWhenOffline(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("store", NewSimpleChecker("store", func(context.Context) error { return nil }))
	handler.RegisterChecker("connectivity", NewStateChecker("connectivity", func() bool { return false }, "offline: orders are queued locally"))

	w := serve(t, handler.ServeHTTP, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, StatusDegraded, response.Status)

	ready := serve(t, handler.ReadinessHandler, "/readyz")
	require.Equal(t, http.StatusOK, ready.Code)
}

func TestLivenessHandler(t *testing.T) {
	w := serve(t, LivenessHandler, "/livez")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("store", NewSimpleChecker("store", func(context.Context) error {
		return errors.New("closed")
	}))

	w := serve(t, handler.ReadinessHandler, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "not ready", w.Body.String())
}

func TestSimpleChecker_PassesContext(t *testing.T) {
	checker := NewSimpleChecker("ctx", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})

	handler := NewHandler("dev")
	handler.RegisterChecker("ctx", checker)
	checks := handler.runChecks(context.Background())
	require.Equal(t, StatusHealthy, checks["ctx"].Status)
}

func TestSoftChecker_Degrades(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("outbox", NewSoftChecker("outbox", func(context.Context) error {
		return errors.New("backlog is stale")
	}))

	w := serve(t, handler.ServeHTTP, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, StatusDegraded, response.Status)
	require.Equal(t, "backlog is stale", response.Checks["outbox"].Message)
}

func TestOverall(t *testing.T) {
	require.Equal(t, StatusHealthy, Overall(nil))
	require.Equal(t, StatusDegraded, Overall(map[string]Check{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}))
	require.Equal(t, StatusUnhealthy, Overall(map[string]Check{
		"a": {Status: StatusDegraded},
		"b": {Status: StatusUnhealthy},
	}))
}

func TestRunChecks_Parallel(t *testing.T) {
	handler := NewHandler("dev")
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"a", "b"} {
		handler.RegisterChecker(name, NewSimpleChecker(name, func(context.Context) error {
			started.Done()
			<-release
			return nil
		}))
	}

	go func() {
		started.Wait()
		close(release)
	}()

	checks := handler.runChecks(context.Background())
	require.Len(t, checks, 2)
	require.Equal(t, "a", checks["a"].Name)
}

func TestMount(t *testing.T) {
	r := chi.NewRouter()
	NewHandler("dev").Mount(r)

	for _, path := range []string{"/healthz", "/livez", "/readyz"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
	}
}
