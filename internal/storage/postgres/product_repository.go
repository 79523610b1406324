package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Upsert создаёт или обновляет позицию каталога вместе с остатком.
func (r *orderStore) Upsert(ctx context.Context, product domain.Product) error {
	if product.ID == "" {
		return domain.ErrProductRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updatedAt := product.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var stock sql.NullInt32
	if product.Stock != nil {
		stock = sql.NullInt32{Int32: max(*product.Stock, 0), Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO products (
			id, restaurant_id, category_id, name, description,
			price_minor, stock, image_url, available, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = EXCLUDED.restaurant_id,
			category_id = EXCLUDED.category_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_minor = EXCLUDED.price_minor,
			stock = EXCLUDED.stock,
			image_url = EXCLUDED.image_url,
			available = EXCLUDED.available,
			updated_at = EXCLUDED.updated_at
	`,
		product.ID, product.RestaurantID, product.CategoryID, product.Name, product.Description,
		product.PriceMinor, stock, product.ImageURL, product.Available, updatedAt,
	); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// ListProducts возвращает каталог ресторана, отсортированный по названию.
func (r *orderStore) ListProducts(ctx context.Context, restaurantID string) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, restaurant_id, category_id, name, description,
		       price_minor, stock, image_url, available, updated_at
		FROM products
		WHERE restaurant_id = $1
		ORDER BY name, id
	`, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		var (
			p     domain.Product
			stock sql.NullInt32
		)
		if err := rows.Scan(
			&p.ID, &p.RestaurantID, &p.CategoryID, &p.Name, &p.Description,
			&p.PriceMinor, &stock, &p.ImageURL, &p.Available, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		if stock.Valid {
			p.Stock = domain.StockOf(stock.Int32)
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return products, nil
}
