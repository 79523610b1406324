package domain

import "time"

// Product: позиция меню, как её отдаёт сервер.
type Product struct {
	ID           string
	RestaurantID string
	CategoryID   string
	Name         string
	Description  string
	PriceMinor   int64
	// Stock равен nil, если остатки по продукту не ведутся.
	Stock     *int32
	ImageURL  string
	Available bool
	UpdatedAt time.Time
}

// CachedProduct: продукт из локального кэша каталога с закэшированной картинкой.
type CachedProduct struct {
	Product
	// ImageData: data URI картинки, пригодный для отображения без сети.
	ImageData string
	CachedAt  time.Time
}

// Clone возвращает копию продукта с собственным указателем на остаток.
func (p Product) Clone() Product {
	dst := p
	if p.Stock != nil {
		v := *p.Stock
		dst.Stock = &v
	}
	return dst
}

// StockOf возвращает указатель на значение остатка.
func StockOf(v int32) *int32 {
	return &v
}
