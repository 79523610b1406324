package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/localstore"
)

type productRecord struct {
	ID           string `json:"id"`
	RestaurantID string `json:"restaurant_id"`
	CategoryID   string `json:"category_id,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PriceMinor   int64  `json:"price"`
	Stock        *int32 `json:"stock,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Available    bool   `json:"available"`
	UpdatedAt    int64  `json:"updated_at"`
}

// SaveProducts целиком заменяет кэш каталога в одной транзакции.
func (s *Store) SaveProducts(ctx context.Context, products []domain.CachedProduct) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StorageError("begin save products", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_products`); err != nil {
		_ = tx.Rollback()
		return domain.StorageError("clear cached products", err)
	}

	for idx, p := range products {
		payload, err := json.Marshal(productRecord{
			ID:           p.ID,
			RestaurantID: p.RestaurantID,
			CategoryID:   p.CategoryID,
			Name:         p.Name,
			Description:  p.Description,
			PriceMinor:   p.PriceMinor,
			Stock:        p.Stock,
			ImageURL:     p.ImageURL,
			Available:    p.Available,
			UpdatedAt:    toUnix(p.UpdatedAt),
		})
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal product %s: %w", p.ID, err)
		}

		cachedAt := p.CachedAt
		if cachedAt.IsZero() {
			cachedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cached_products (id, position, payload, image_data, cached_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				position = excluded.position,
				payload = excluded.payload,
				image_data = excluded.image_data,
				cached_at = excluded.cached_at
		`, p.ID, idx, string(payload), p.ImageData, toUnix(cachedAt)); err != nil {
			_ = tx.Rollback()
			return domain.StorageError("insert cached product", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.StorageError("commit cached products", err)
	}
	return nil
}

func (s *Store) GetProducts(ctx context.Context) ([]domain.CachedProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, image_data, cached_at
		FROM cached_products
		ORDER BY position, id
	`)
	if err != nil {
		return nil, domain.StorageError("list cached products", err)
	}
	defer rows.Close()

	result := make([]domain.CachedProduct, 0)
	for rows.Next() {
		var (
			payload   string
			imageData string
			cachedAt  int64
		)
		if err := rows.Scan(&payload, &imageData, &cachedAt); err != nil {
			return nil, domain.StorageError("scan cached product", err)
		}

		var rec productRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, domain.StorageError("decode cached product", err)
		}
		result = append(result, domain.CachedProduct{
			Product: domain.Product{
				ID:           rec.ID,
				RestaurantID: rec.RestaurantID,
				CategoryID:   rec.CategoryID,
				Name:         rec.Name,
				Description:  rec.Description,
				PriceMinor:   rec.PriceMinor,
				Stock:        rec.Stock,
				ImageURL:     rec.ImageURL,
				Available:    rec.Available,
				UpdatedAt:    fromUnix(rec.UpdatedAt),
			},
			ImageData: imageData,
			CachedAt:  fromUnix(cachedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("iterate cached products", err)
	}
	return result, nil
}

func (s *Store) CacheProductImages(ctx context.Context, products []domain.Product) ([]domain.CachedProduct, error) {
	return localstore.CacheImages(ctx, s.opts.ImageFetcher, s, products, s.now(), s.opts.Logger)
}

// LookupImage реализует localstore.ImageBlobs.
func (s *Store) LookupImage(ctx context.Context, url string) (string, bool, error) {
	var dataURI string
	err := s.db.QueryRowContext(ctx, `SELECT data_uri FROM product_images WHERE url = ?`, url).Scan(&dataURI)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return dataURI, true, nil
}

// StoreImage реализует localstore.ImageBlobs.
func (s *Store) StoreImage(ctx context.Context, url, dataURI string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_images (url, data_uri, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET data_uri = excluded.data_uri, fetched_at = excluded.fetched_at
	`, url, dataURI, toUnix(s.now()))
	return err
}

func (s *Store) UpdateProductStock(ctx context.Context, productID string, delta int32) (int32, error) {
	return s.adjustStock(ctx, "update product stock", productID, -int64(delta))
}

func (s *Store) RestoreProductStock(ctx context.Context, productID string, delta int32) (int32, error) {
	return s.adjustStock(ctx, "restore product stock", productID, int64(delta))
}

func (s *Store) GetProductStock(ctx context.Context, productID string) (int32, bool, error) {
	var qty int32
	err := s.db.QueryRowContext(ctx, `SELECT quantity FROM stock_mirror WHERE product_id = ?`, productID).Scan(&qty)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, domain.StorageError("get product stock", err)
	}
	return qty, true, nil
}

func (s *Store) SetProductStock(ctx context.Context, productID string, qty int32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_mirror (product_id, quantity, updated_at)
		VALUES (?, MAX(?, 0), ?)
		ON CONFLICT(product_id) DO UPDATE SET
			quantity = excluded.quantity,
			updated_at = excluded.updated_at
	`, productID, qty, toUnix(s.now()))
	if err != nil {
		return domain.StorageError("set product stock", err)
	}
	return nil
}

// adjustStock меняет остаток одним UPDATE с зажимом в ноль; для продукта без
// учёта остатков возвращает 0 без ошибки.
func (s *Store) adjustStock(ctx context.Context, op, productID string, delta int64) (int32, error) {
	var qty int32
	err := s.db.QueryRowContext(ctx, `
		UPDATE stock_mirror
		SET quantity = MAX(quantity + ?, 0),
		    updated_at = ?
		WHERE product_id = ?
		RETURNING quantity
	`, delta, toUnix(s.now()), productID).Scan(&qty)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, domain.StorageError(op, err)
	}
	return qty, nil
}
