package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	stock    *StockRepository
	products *ProductRepository
	coupons  *CouponRepository
	orders   *OrderRepository
	counters *CounterRepository
	health   *HealthRepository
}

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := NewHealthRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		stock:    stock,
		products: products,
		coupons:  coupons,
		orders:   orders,
		counters: counters,
		health:   health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Stock() repositories.StockRepository { return r.stock }

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }
