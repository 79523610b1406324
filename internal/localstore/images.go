package localstore

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// ImageBlobs: хранилище уже скачанных картинок по URL.
type ImageBlobs interface {
	LookupImage(ctx context.Context, url string) (dataURI string, ok bool, err error)
	StoreImage(ctx context.Context, url, dataURI string) error
}

// CacheImages подставляет в продукты data URI картинок. Уже скачанные берутся из blobs,
// недостающие скачиваются fetcher'ом. Ошибка скачивания не фатальна: продукт остаётся
// без картинки. Ошибки blobs возвращаются вызывающему.
func CacheImages(
	ctx context.Context,
	fetcher domain.ImageFetcher,
	blobs ImageBlobs,
	products []domain.Product,
	now time.Time,
	logger *log.Entry,
) ([]domain.CachedProduct, error) {
	result := make([]domain.CachedProduct, 0, len(products))
	for _, product := range products {
		cached := domain.CachedProduct{Product: product.Clone(), CachedAt: now}
		url := strings.TrimSpace(product.ImageURL)
		if url == "" {
			result = append(result, cached)
			continue
		}

		dataURI, ok, err := blobs.LookupImage(ctx, url)
		if err != nil {
			return nil, domain.StorageError("lookup product image", err)
		}
		if !ok && fetcher != nil {
			data, contentType, fetchErr := fetcher.FetchImage(ctx, url)
			if fetchErr != nil {
				logger.WithError(fetchErr).WithFields(log.Fields{
					"product_id": product.ID,
					"image_url":  url,
				}).Warn("failed to fetch product image, caching product without image")
			} else {
				dataURI = DataURI(data, contentType)
				if err := blobs.StoreImage(ctx, url, dataURI); err != nil {
					return nil, domain.StorageError("store product image", err)
				}
				ok = true
			}
		}
		if ok {
			cached.ImageData = dataURI
		}
		result = append(result, cached)
	}
	return result, nil
}

// DataURI кодирует картинку в data URI.
func DataURI(data []byte, contentType string) string {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
