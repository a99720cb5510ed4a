package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kallkeyy/storefront-api/internal/domain"
	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

type productDocument struct {
	Name      string         `firestore:"name"`
	Price     int64          `firestore:"price"`
	Category  string         `firestore:"category"`
	ImageURL  string         `firestore:"imageUrl"`
	Stock     map[string]int `firestore:"stock"`
	InStock   bool           `firestore:"inStock"`
	UpdatedAt time.Time      `firestore:"updatedAt"`
}

// ProductRepository reads full catalog documents for order snapshots.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil)
	return &ProductRepository{provider: provider, products: base}, nil
}

// GetProducts fetches every requested product, keyed by id. A missing document
// surfaces as a typed not-found error naming the product.
func (r *ProductRepository) GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("product repository not initialised")
	}

	out := make(map[string]domain.Product, len(productIDs))
	for _, rawID := range productIDs {
		id := strings.TrimSpace(rawID)
		if id == "" {
			return nil, repositories.NewStockError(repositories.StockErrorProductNotFound, "product id is required", nil)
		}
		if _, ok := out[id]; ok {
			continue
		}

		doc, err := r.products.Get(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, repositories.NewStockError(repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", id), err)
			}
			return nil, pfirestore.WrapError("products.get", err)
		}
		out[id] = doc.Data.toDomainProduct(doc.ID)
	}
	return out, nil
}

func (d productDocument) toDomainProduct(id string) domain.Product {
	stock := make(map[domain.Size]int, len(d.Stock))
	for size, qty := range d.Stock {
		stock[domain.Size(size)] = qty
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     d.Price,
		Category:  domain.Category(d.Category),
		ImageURL:  d.ImageURL,
		Stock:     stock,
		InStock:   d.InStock,
		UpdatedAt: d.UpdatedAt,
	}
}
