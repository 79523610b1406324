// Package remote: HTTP-клиент удалённого источника истины (API заказов и каталога).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/transport/wire"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxImageBytes = 2 << 20
	maxErrorBodyBytes    = 64 << 10
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "possync",
	Subsystem: "remote",
	Name:      "request_duration_seconds",
	Help:      "Latency of calls to the remote authority by operation and outcome.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation", "outcome"})

// Client реализует domain.OrderAPI, domain.ProductAPI и domain.ImageFetcher.
type Client struct {
	baseURL       *url.URL
	http          *http.Client
	maxImageBytes int64
	logger        *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (таймауты, транспорт, тесты).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithMaxImageBytes ограничивает размер скачиваемой картинки.
func WithMaxImageBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxImageBytes = n
		}
	}
}

// WithLogger задаёт logger клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New создаёт клиент для baseURL вида http://host:port.
func New(baseURL string, options ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote base url must be absolute: %q", baseURL)
	}

	c := &Client{
		baseURL:       parsed,
		http:          &http.Client{Timeout: defaultTimeout},
		maxImageBytes: defaultMaxImageBytes,
		logger:        log.WithField("component", "remote-client"),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// CreateOrder отправляет заказ с LocalID. Ответ сервера с кодом DUPLICATE_ORDER
// возвращается вместе с CreatedOrder{Duplicate: true} и ошибкой, для которой
// domain.IsDuplicate истинно.
func (c *Client) CreateOrder(ctx context.Context, order domain.Order) (domain.CreatedOrder, error) {
	var envelope wire.OrderEnvelope
	err := c.do(ctx, "create_order", http.MethodPost, "/api/v1/orders", wire.NewCreateOrderRequest(order), &envelope)
	if err != nil {
		var remoteErr *domain.RemoteError
		if errors.As(err, &remoteErr) && domain.IsDuplicate(remoteErr) {
			return domain.CreatedOrder{ID: remoteErr.OrderID, LocalID: order.LocalID, Duplicate: true}, err
		}
		return domain.CreatedOrder{}, err
	}

	localID := envelope.Order.LocalID
	if localID == "" {
		localID = order.LocalID
	}
	return domain.CreatedOrder{ID: envelope.Order.ID, LocalID: localID}, nil
}

func (c *Client) ListOrders(ctx context.Context, restaurantID string) ([]domain.Order, error) {
	var envelope wire.OrdersEnvelope
	path := "/api/v1/restaurants/" + url.PathEscape(restaurantID) + "/orders"
	if err := c.do(ctx, "list_orders", http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}

	result := make([]domain.Order, 0, len(envelope.Orders))
	for _, o := range envelope.Orders {
		result = append(result, o.Domain())
	}
	return result, nil
}

func (c *Client) ListProducts(ctx context.Context, restaurantID string) ([]domain.Product, error) {
	var envelope wire.ProductsEnvelope
	path := "/api/v1/restaurants/" + url.PathEscape(restaurantID) + "/products"
	if err := c.do(ctx, "list_products", http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}

	result := make([]domain.Product, 0, len(envelope.Products))
	for _, p := range envelope.Products {
		result = append(result, p.Domain())
	}
	return result, nil
}

// FetchImage скачивает картинку; относительный URL разрешается от baseURL.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	started := time.Now()
	target, err := c.baseURL.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse image url %q: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observe("fetch_image", "unavailable", started)
		return nil, "", fmt.Errorf("fetch image: %w", errors.Join(domain.ErrRemoteUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observe("fetch_image", "rejected", started)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, "", &domain.RemoteError{StatusCode: resp.StatusCode, Message: "image download failed"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxImageBytes+1))
	if err != nil {
		observe("fetch_image", "unavailable", started)
		return nil, "", fmt.Errorf("read image: %w", errors.Join(domain.ErrRemoteUnavailable, err))
	}
	if int64(len(data)) > c.maxImageBytes {
		observe("fetch_image", "rejected", started)
		return nil, "", fmt.Errorf("image %s exceeds %d bytes", rawURL, c.maxImageBytes)
	}

	observe("fetch_image", "ok", started)
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	started := time.Now()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observe(op, "unavailable", started)
		return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrRemoteUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := decodeError(resp)
		outcome := "rejected"
		if domain.IsDuplicate(remoteErr) {
			outcome = "duplicate"
		}
		observe(op, outcome, started)
		c.logger.WithFields(log.Fields{
			"operation": op,
			"status":    resp.StatusCode,
			"code":      remoteErr.Code,
		}).Debug("remote request rejected")
		return remoteErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			observe(op, "bad_response", started)
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	observe(op, "ok", started)
	return nil
}

// decodeError разбирает тело ошибки; тело без JSON даёт RemoteError без кода.
func decodeError(resp *http.Response) *domain.RemoteError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	remoteErr := &domain.RemoteError{StatusCode: resp.StatusCode}
	var envelope wire.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		remoteErr.Code = envelope.Error.Code
		remoteErr.Message = envelope.Error.Message
		remoteErr.OrderID = envelope.Error.OrderID
		return remoteErr
	}

	remoteErr.Message = strings.TrimSpace(string(raw))
	if remoteErr.Message == "" {
		remoteErr.Message = http.StatusText(resp.StatusCode)
	}
	return remoteErr
}

func observe(op, outcome string, started time.Time) {
	requestDuration.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
}

var (
	_ domain.OrderAPI     = (*Client)(nil)
	_ domain.ProductAPI   = (*Client)(nil)
	_ domain.ImageFetcher = (*Client)(nil)
)
