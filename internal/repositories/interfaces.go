package repositories

import (
	"context"
	"time"

	"github.com/kallkeyy/storefront-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Stock() StockRepository
	Products() ProductRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// StockRepository manages per-variant stock levels and reservation lifecycle with
// transactional guarantees. Reserve decrements availability immediately; Commit
// finalises the decrement and Release restores it.
type StockRepository interface {
	Reserve(ctx context.Context, req StockReserveRequest) (StockReserveResult, error)
	Commit(ctx context.Context, req StockCommitRequest) (StockCommitResult, error)
	Release(ctx context.Context, req StockReleaseRequest) (StockReleaseResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error)
	ListExpired(ctx context.Context, query ExpiredReservationQuery) ([]domain.StockReservation, error)
}

// StockReserveRequest encapsulates reservation creation metadata for the repository.
type StockReserveRequest struct {
	Reservation domain.StockReservation
	Now         time.Time
}

// StockReserveResult returns the saved reservation and updated product projections.
type StockReserveResult struct {
	Reservation domain.StockReservation
	Products    map[string]domain.Product
}

// StockCommitRequest finalises a reservation after successful payment.
type StockCommitRequest struct {
	ReservationID string
	OrderRef      string
	Now           time.Time
}

// StockCommitResult reports the updated reservation and products after commit.
type StockCommitResult struct {
	Reservation domain.StockReservation
	Products    map[string]domain.Product
}

// StockReleaseRequest restores reserved stock back to availability.
type StockReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// StockReleaseResult reports the reservation and products after release.
type StockReleaseResult struct {
	Reservation domain.StockReservation
	Products    map[string]domain.Product
}

// ExpiredReservationQuery selects reservations whose hold lapsed before Now.
type ExpiredReservationQuery struct {
	Now   time.Time
	Limit int
}

// ProductRepository reads catalog documents so order creation can snapshot
// name and price at the moment of purchase. The catalog subsystem owns writes.
type ProductRepository interface {
	GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// CouponRepository owns coupon lookups and the atomic redemption ledger.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	Redeem(ctx context.Context, req CouponRedeemRequest) (domain.Coupon, error)
	ReleaseUsage(ctx context.Context, code string, userID string) (domain.Coupon, error)
}

// CouponRedeemRequest records one account's redemption attempt. The repository
// re-validates the usage limit and the per-account ledger inside the
// transaction. OrderID makes the redemption idempotent per order: a ledger
// entry for the same account and order is returned as-is instead of counting a
// second use.
type CouponRedeemRequest struct {
	Code    string
	UserID  string
	OrderID string
	Now     time.Time
}

// OrderRepository persists order aggregates and provides query helpers.
// Status transitions go through UpdateGuarded so two requests racing on the
// same order cannot both apply their read-time view; the loser gets a typed
// OrderErrorStateConflict instead of silently overwriting the winner.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	UpdateGuarded(ctx context.Context, order domain.Order, expect OrderStatePrecondition) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderStatePrecondition pins the stored state an UpdateGuarded write requires.
// An empty PaymentStatus skips the payment-leg check.
type OrderStatePrecondition struct {
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
}

// OrderListFilter narrows and paginates order listings.
type OrderListFilter struct {
	UserID    string
	Status    domain.OrderStatus
	PageSize  int
	PageToken string
}

// CounterRepository yields monotonically increasing sequence values for order numbers.
type CounterRepository interface {
	Next(ctx context.Context, name string, now time.Time) (int64, error)
}

// HealthRepository verifies backend connectivity for readiness probes.
type HealthRepository interface {
	Check(ctx context.Context) error
}
