package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kallkeyy/storefront-api/internal/payments"
	"github.com/kallkeyy/storefront-api/internal/platform/config"
	"github.com/kallkeyy/storefront-api/internal/platform/observability"
	"github.com/kallkeyy/storefront-api/internal/repositories"
	"github.com/kallkeyy/storefront-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete
// implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Stock      services.StockLedger
	Coupons    services.CouponService
	Verifier   services.PaymentVerifier
	Settlement services.SettlementService
}

// Externals carries runtime dependencies constructed outside the container, such
// as the Pub/Sub publisher and a pre-built payment gateway for tests.
type Externals struct {
	Gateway payments.Gateway
	Events  services.SettlementEventPublisher
	Logger  *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, ext Externals) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, ext)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, ext Externals) (Services, error) {
	var svc Services

	logger := ext.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventLog := observability.EventLogger(logger)

	stockRepo := reg.Stock()
	if stockRepo == nil {
		return Services{}, errors.New("stock repository is required")
	}
	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Stock:  stockRepo,
		Clock:  time.Now,
		Logger: eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	svc.Stock = ledger

	couponRepo := reg.Coupons()
	if couponRepo == nil {
		return Services{}, errors.New("coupon repository is required")
	}
	coupons, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: couponRepo,
		Clock:   time.Now,
		Logger:  eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = coupons

	verifier, err := services.NewPaymentVerifier(services.PaymentVerifierDeps{
		SigningSecret: cfg.Payment.SigningSecret,
		Logger:        eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment verifier: %w", err)
	}
	svc.Verifier = verifier

	gateway := ext.Gateway
	if gateway == nil && cfg.Payment.StripeAPIKey != "" {
		stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey: cfg.Payment.StripeAPIKey,
			Logger: eventLog,
			Clock:  time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateway = stripeGateway
	}

	settlement, err := services.NewSettlementService(services.SettlementServiceDeps{
		Orders:   reg.Orders(),
		Products: reg.Products(),
		Counters: reg.Counters(),

		Stock:    svc.Stock,
		Coupons:  svc.Coupons,
		Verifier: svc.Verifier,
		Gateway:  gateway,
		Events:   ext.Events,

		Clock:  time.Now,
		Logger: eventLog,

		ReservationTTL:  cfg.Settlement.ReservationTTL,
		SweepBatchSize:  cfg.Settlement.SweepBatchSize,
		DefaultPageSize: cfg.Orders.DefaultPageSize,
		MaxPageSize:     cfg.Orders.MaxPageSize,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}
	svc.Settlement = settlement

	return svc, nil
}
