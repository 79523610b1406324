package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `id, local_id, restaurant_id, table_id, customer, total_amount_minor, status, created_at`
)

type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

// Create сохраняет заказ без побочных эффектов.
func (r *orderStore) Create(ctx context.Context, order domain.Order) error {
	return r.createTx(ctx, order, nil)
}

// CreateWithEffects в одной транзакции создаёт заказ, списывает остатки
// и кладёт событие в outbox.
func (r *orderStore) CreateWithEffects(ctx context.Context, order domain.Order, msg domain.OutboxMessage) error {
	return r.createTx(ctx, order, func(ctx context.Context, tx *sql.Tx) error {
		if err := decrementStock(ctx, tx, order.Items); err != nil {
			return err
		}
		_, err := enqueueOutbox(ctx, tx, msg, time.Now())
		return err
	})
}

func (r *orderStore) createTx(ctx context.Context, order domain.Order, effects func(context.Context, *sql.Tx) error) (err error) {
	if order.LocalID == "" {
		return domain.ErrLocalIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertOrder(ctx, tx, order); err != nil {
		if isUniqueViolation(err, "orders_local_id_key") {
			_ = tx.Rollback()
			return r.duplicateOf(ctx, order.LocalID)
		}
		return err
	}

	if effects != nil {
		if err = effects(ctx, tx); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}
	return nil
}

// duplicateOf читает идентификатор заказа, уже занявшего LocalID.
func (r *orderStore) duplicateOf(ctx context.Context, localID string) error {
	var existing string
	if err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE local_id = $1`, localID).Scan(&existing); err != nil {
		return fmt.Errorf("lookup duplicate order: %w", err)
	}
	return &domain.DuplicateError{LocalID: localID, ExistingID: existing}
}

func (r *orderStore) GetByLocalID(ctx context.Context, localID string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE local_id = $1
	`, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderStore) ListByRestaurant(ctx context.Context, restaurantID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE restaurant_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", restaurantID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, restaurantID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderStore) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_minor, line_total_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPriceMinor, &item.LineTotalMinor); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	var customer []byte
	if order.Customer != nil {
		raw, err := json.Marshal(order.Customer)
		if err != nil {
			return fmt.Errorf("marshal customer: %w", err)
		}
		customer = raw
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		order.ID, order.LocalID, order.RestaurantID, order.TableID, customer,
		order.TotalAmountMinor, string(order.Status), order.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, position, product_id, quantity, unit_price_minor, line_total_minor
			) VALUES ($1,$2,$3,$4,$5,$6)
		`,
			order.ID, i, item.ProductID, item.Quantity, item.UnitPriceMinor, item.LineTotalMinor,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// decrementStock списывает остаток один раз на заказ, не опускаясь ниже нуля.
// Продукты без учёта остатков (stock IS NULL) не меняются.
func decrementStock(ctx context.Context, tx *sql.Tx, items []domain.OrderItem) error {
	now := time.Now().UTC()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = GREATEST(stock - $2, 0),
			    updated_at = $3
			WHERE id = $1 AND stock IS NOT NULL
		`, item.ProductID, item.Quantity, now); err != nil {
			return fmt.Errorf("decrement stock of %s: %w", item.ProductID, err)
		}
	}
	return nil
}

func scanOrder(row interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		order    domain.Order
		customer []byte
		status   string
	)
	if err := row.Scan(
		&order.ID, &order.LocalID, &order.RestaurantID, &order.TableID, &customer,
		&order.TotalAmountMinor, &status, &order.CreatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if len(customer) > 0 {
		var c domain.Customer
		if err := json.Unmarshal(customer, &c); err != nil {
			return domain.Order{}, fmt.Errorf("decode customer of %s: %w", order.ID, err)
		}
		order.Customer = &c
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

var _ domain.OrderStore = (*orderStore)(nil)
