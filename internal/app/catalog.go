package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type catalogFile struct {
	Products []catalogProduct `yaml:"products"`
}

type catalogProduct struct {
	ID           string `yaml:"id"`
	RestaurantID string `yaml:"restaurant_id"`
	CategoryID   string `yaml:"category_id"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Price        int64  `yaml:"price"`
	// Stock не задан: остатки по продукту не ведутся.
	Stock     *int32 `yaml:"stock"`
	ImageURL  string `yaml:"image_url"`
	Available *bool  `yaml:"available"`
}

// LoadCatalog читает начальный каталог из YAML-файла.
func LoadCatalog(path string) ([]domain.Product, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return parseCatalog(raw)
}

func parseCatalog(raw []byte) ([]domain.Product, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	products := make([]domain.Product, 0, len(file.Products))
	for i, p := range file.Products {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.RestaurantID) == "" {
			return nil, fmt.Errorf("catalog product #%d: id and restaurant_id are required", i+1)
		}
		if p.Stock != nil && *p.Stock < 0 {
			return nil, fmt.Errorf("catalog product %s: stock must be non-negative", p.ID)
		}
		available := true
		if p.Available != nil {
			available = *p.Available
		}
		products = append(products, domain.Product{
			ID:           p.ID,
			RestaurantID: p.RestaurantID,
			CategoryID:   p.CategoryID,
			Name:         p.Name,
			Description:  p.Description,
			PriceMinor:   p.Price,
			Stock:        p.Stock,
			ImageURL:     p.ImageURL,
			Available:    available,
		})
	}
	return products, nil
}
