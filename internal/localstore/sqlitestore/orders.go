package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const orderColumns = `
	local_id, server_id, restaurant_id, table_id, customer, items,
	total_amount_minor, status, sync_status, sync_attempts, last_error,
	created_at, updated_at`

type itemRecord struct {
	ProductID      string `json:"product_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price"`
	LineTotalMinor int64  `json:"line_total"`
}

func (s *Store) SaveOrder(ctx context.Context, order domain.PendingOrder) error {
	if strings.TrimSpace(order.LocalID) == "" {
		return domain.ErrLocalIDRequired
	}
	if order.SyncStatus == "" {
		order.SyncStatus = domain.SyncStatusPending
	}
	if !order.SyncStatus.Valid() {
		return domain.ErrSyncStatusInvalid
	}

	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	items := make([]itemRecord, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemRecord(item))
	}
	itemsRaw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	var customerRaw sql.NullString
	if order.Customer != nil {
		raw, err := json.Marshal(order.Customer)
		if err != nil {
			return fmt.Errorf("marshal customer: %w", err)
		}
		customerRaw = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			restaurant_id = excluded.restaurant_id,
			table_id = excluded.table_id,
			customer = excluded.customer,
			items = excluded.items,
			total_amount_minor = excluded.total_amount_minor,
			status = excluded.status,
			sync_status = excluded.sync_status,
			sync_attempts = excluded.sync_attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`,
		order.LocalID,
		order.ServerID,
		order.RestaurantID,
		order.TableID,
		customerRaw,
		string(itemsRaw),
		order.TotalAmountMinor,
		string(order.Status),
		string(order.SyncStatus),
		order.SyncAttempts,
		order.LastError,
		toUnix(order.CreatedAt),
		toUnix(now),
	)
	if err != nil {
		return domain.StorageError("save pending order", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, localID string) (domain.PendingOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM pending_orders
		WHERE local_id = ?
	`, localID)

	order, err := scanOrder(row)
	if err != nil {
		if isNoRows(err) {
			return domain.PendingOrder{}, domain.ErrOrderNotFound
		}
		return domain.PendingOrder{}, domain.StorageError("get pending order", err)
	}
	return order, nil
}

func (s *Store) GetPendingOrders(ctx context.Context) ([]domain.PendingOrder, error) {
	return s.queryOrders(ctx, "list pending orders", `
		SELECT `+orderColumns+`
		FROM pending_orders
		WHERE sync_status IN ('PENDING', 'ERROR')
		ORDER BY created_at, local_id
	`)
}

func (s *Store) GetAllOrders(ctx context.Context) ([]domain.PendingOrder, error) {
	return s.queryOrders(ctx, "list all orders", `
		SELECT `+orderColumns+`
		FROM pending_orders
		ORDER BY created_at, local_id
	`)
}

func (s *Store) GetUnsyncedCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_orders`).Scan(&count); err != nil {
		return 0, domain.StorageError("count unsynced orders", err)
	}
	return count, nil
}

func (s *Store) DeleteOrder(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE local_id = ?`, localID); err != nil {
		return domain.StorageError("delete pending order", err)
	}
	return nil
}

func (s *Store) IsOrderSafeToSync(ctx context.Context, localID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT sync_status FROM pending_orders WHERE local_id = ?`, localID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, domain.StorageError("check order sync status", err)
	}
	return domain.SyncStatus(status).Syncable(), nil
}

func (s *Store) MarkAsSyncing(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET sync_status = 'SYNCING',
		    sync_attempts = sync_attempts + 1,
		    updated_at = ?
		WHERE local_id = ? AND sync_status IN ('PENDING', 'ERROR')
	`, toUnix(s.now()), localID)
	if err != nil {
		return domain.StorageError("mark order syncing", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.StorageError("mark order syncing rows affected", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotSyncable
	}
	return nil
}

func (s *Store) RevertToPending(ctx context.Context, localID, cause string) error {
	return s.setSyncStatus(ctx, localID, domain.SyncStatusPending, cause)
}

func (s *Store) MarkAsError(ctx context.Context, localID, cause string) error {
	return s.setSyncStatus(ctx, localID, domain.SyncStatusError, cause)
}

func (s *Store) RecoverOrphanedSyncing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET sync_status = 'PENDING', updated_at = ?
		WHERE sync_status = 'SYNCING'
	`, toUnix(s.now()))
	if err != nil {
		return 0, domain.StorageError("recover orphaned syncing orders", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.StorageError("recover orphaned rows affected", err)
	}
	return int(affected), nil
}

// setSyncStatus не считает отсутствие заказа ошибкой: он мог быть удалён параллельно.
func (s *Store) setSyncStatus(ctx context.Context, localID string, status domain.SyncStatus, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET sync_status = ?,
		    last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
		    updated_at = ?
		WHERE local_id = ?
	`, string(status), cause, cause, toUnix(s.now()), localID)
	if err != nil {
		return domain.StorageError("set order sync status", err)
	}
	return nil
}

func (s *Store) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StorageError(op, err)
	}
	defer rows.Close()

	result := make([]domain.PendingOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, domain.StorageError(op, err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError(op, err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.PendingOrder, error) {
	var (
		order       domain.PendingOrder
		customerRaw sql.NullString
		itemsRaw    string
		status      string
		syncStatus  string
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&order.LocalID,
		&order.ServerID,
		&order.RestaurantID,
		&order.TableID,
		&customerRaw,
		&itemsRaw,
		&order.TotalAmountMinor,
		&status,
		&syncStatus,
		&order.SyncAttempts,
		&order.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.PendingOrder{}, err
	}

	var items []itemRecord
	if err := json.Unmarshal([]byte(itemsRaw), &items); err != nil {
		return domain.PendingOrder{}, fmt.Errorf("decode items of %s: %w", order.LocalID, err)
	}
	order.Items = make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderItem(item))
	}

	if customerRaw.Valid {
		var customer domain.Customer
		if err := json.Unmarshal([]byte(customerRaw.String), &customer); err != nil {
			return domain.PendingOrder{}, fmt.Errorf("decode customer of %s: %w", order.LocalID, err)
		}
		order.Customer = &customer
	}

	order.Status = domain.OrderStatus(status)
	order.SyncStatus = domain.SyncStatus(syncStatus)
	order.CreatedAt = fromUnix(createdAt)
	order.UpdatedAt = fromUnix(updatedAt)
	return order, nil
}
