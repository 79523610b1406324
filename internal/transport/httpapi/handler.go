// Package httpapi: HTTP API сервера заказов поверх chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/transport/wire"
)

const maxRequestBodyBytes = 1 << 20

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "possync_http_request_duration_seconds",
	Help:    "HTTP API request duration by route and status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "code"})

// OrderService: операции сервера заказов, которые публикует API.
type OrderService interface {
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	ListOrders(ctx context.Context, restaurantID string, limit int) ([]domain.Order, error)
	ListProducts(ctx context.Context, restaurantID string) ([]domain.Product, error)
}

// Handler публикует OrderService по HTTP.
type Handler struct {
	svc    OrderService
	logger *log.Entry
}

// NewHandler создаёт HTTP-обработчик.
func NewHandler(svc OrderService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes возвращает роутер API с middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Route("/restaurants/{restaurantID}", func(r chi.Router) {
			r.Get("/orders", h.listOrders)
			r.Get("/products", h.listProducts)
		})
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: fmt.Sprintf("invalid json body: %v", err)})
		return
	}

	order, err := h.svc.CreateOrder(r.Context(), req.Domain())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.OrderEnvelope{Order: wire.NewOrder(order)})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	orders, err := h.svc.ListOrders(r.Context(), chi.URLParam(r, "restaurantID"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := wire.OrdersEnvelope{Orders: make([]wire.Order, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, wire.NewOrder(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.svc.ListProducts(r.Context(), chi.URLParam(r, "restaurantID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := wire.ProductsEnvelope{Products: make([]wire.Product, 0, len(products))}
	for _, p := range products {
		resp.Products = append(resp.Products, wire.NewProduct(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError переводит доменные ошибки в контракт API.
// Дубликат отдаётся кодом DUPLICATE_ORDER: клиент опирается на код, а не на статус.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *domain.DuplicateError
	switch {
	case errors.As(err, &dup):
		writeError(w, http.StatusConflict, wire.Error{
			Code:    wire.CodeDuplicateOrder,
			Message: "order with this local_id already exists",
			OrderID: dup.ExistingID,
		})
	case errors.Is(err, domain.ErrOrderInvalid):
		writeError(w, http.StatusUnprocessableEntity, wire.Error{Code: wire.CodeValidation, Message: err.Error()})
	case errors.Is(err, domain.ErrRestaurantRequired):
		writeError(w, http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: err.Error()})
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, wire.Error{Code: wire.CodeNotFound, Message: err.Error()})
	default:
		h.logger.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("request failed")
		writeError(w, http.StatusInternalServerError, wire.Error{Code: wire.CodeInternal, Message: "internal error"})
	}
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)
		requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, e wire.Error) {
	writeJSON(w, status, wire.ErrorEnvelope{Error: e})
}
