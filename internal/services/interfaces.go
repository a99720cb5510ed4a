package services

import (
	"context"
	"time"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Product              = domain.Product
	Order                = domain.Order
	OrderItem            = domain.OrderItem
	OrderDiscount        = domain.OrderDiscount
	OrderFulfillment     = domain.OrderFulfillment
	OrderStatus          = domain.OrderStatus
	PaymentStatus        = domain.PaymentStatus
	Address              = domain.Address
	Coupon               = domain.Coupon
	StockReservation     = domain.StockReservation
	StockReservationLine = domain.StockReservationLine
)

// Pagination carries cursor paging parameters through service filters.
type Pagination struct {
	PageSize  int
	PageToken string
}

// StockLedger centralizes stock reservation, commit, and release workflows.
type StockLedger interface {
	Reserve(ctx context.Context, cmd StockReserveCommand) (StockReserveOutcome, error)
	Commit(ctx context.Context, cmd StockCommitCommand) (StockReservation, error)
	Release(ctx context.Context, cmd StockReleaseCommand) (StockReservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]StockReservation, error)
}

// StockLine is one cart line requested for reservation.
type StockLine struct {
	ProductID string
	Size      domain.Size
	Quantity  int
}

// StockReserveCommand requests an all-or-nothing hold over the listed lines.
type StockReserveCommand struct {
	OrderID string
	UserID  string
	Lines   []StockLine
	TTL     time.Duration
	Reason  string
}

// StockReserveOutcome returns the persisted reservation together with the
// post-decrement stock projection of every touched product.
type StockReserveOutcome struct {
	Reservation StockReservation
	Products    map[string]Product
}

// StockCommitCommand finalises a reservation after successful payment.
type StockCommitCommand struct {
	ReservationID string
	OrderID       string
}

// StockReleaseCommand returns held units to availability.
type StockReleaseCommand struct {
	ReservationID string
	Reason        string
}

// CouponService validates redemption policy and records redemptions atomically.
type CouponService interface {
	Validate(ctx context.Context, cmd CouponValidateCommand) (DiscountQuote, error)
	Redeem(ctx context.Context, cmd CouponRedeemCommand) (Coupon, error)
	ReleaseRedemption(ctx context.Context, code string, userID string) error
}

// CouponValidateCommand carries everything the policy checks need. FirstPurchase
// is computed by the caller from completed-order history; the coupon service
// never queries orders itself.
type CouponValidateCommand struct {
	Code          string
	UserID        string
	OrderAmount   int64
	FirstPurchase bool
}

// DiscountQuote is the priced result of a successful validation. The quote is
// stored on the order; redemption happens separately after payment.
type DiscountQuote struct {
	Code            string
	DiscountType    domain.DiscountType
	Amount          int64
	ApplyToShipping bool
}

// CouponRedeemCommand permanently consumes one use of the coupon for the
// account. OrderID scopes the redemption: redeeming again for the same order
// returns the recorded use instead of consuming another.
type CouponRedeemCommand struct {
	Code    string
	UserID  string
	OrderID string
}

// PaymentVerifier authenticates a provider callback against a pending order.
type PaymentVerifier interface {
	Verify(ctx context.Context, order Order, callback PaymentCallback) (PaymentVerification, error)
}

// PaymentCallback is the provider-delivered confirmation payload. Amount is
// optional; when present it is cross-checked against the order total.
type PaymentCallback struct {
	ProviderOrderID   string
	ProviderPaymentID string
	ProviderSignature string
	Amount            *int64
}

// PaymentVerification reports a successful check. AlreadyPaid marks a duplicate
// delivery of a callback that was applied before; callers skip side effects.
type PaymentVerification struct {
	AlreadyPaid bool
}

// SettlementService composes the ledger, coupon, verifier, and state machine
// into the order lifecycle operations.
type SettlementService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateFulfillment(ctx context.Context, cmd UpdateFulfillmentCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	SweepExpiredReservations(ctx context.Context, now time.Time) (int, error)
}

// CreateOrderCommand turns a cart into a pending order.
type CreateOrderCommand struct {
	UserID          string
	Items           []StockLine
	ShippingAddress Address
	CouponCode      string
}

// ConfirmPaymentCommand applies a verified provider callback to the order.
type ConfirmPaymentCommand struct {
	OrderID           string
	ProviderOrderID   string
	ProviderPaymentID string
	ProviderSignature string
	Amount            *int64
}

// CancelOrderCommand cancels an order, restocking held units when permitted.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// UpdateFulfillmentCommand records carrier correlation data and advances the
// order through the fulfillment statuses.
type UpdateFulfillmentCommand struct {
	OrderID      string
	NewStatus    OrderStatus
	Carrier      string
	TrackingCode string
	TrackingURL  string
	ShipmentID   string
}

// OrderReadOptions scopes a single-order read. When UserID is set the order
// must belong to that account.
type OrderReadOptions struct {
	UserID string
}

// OrderListFilter narrows and paginates order listings.
type OrderListFilter struct {
	UserID     string
	Status     OrderStatus
	Pagination Pagination
}

// SettlementEventPublisher accepts order lifecycle notifications for downstream consumers.
type SettlementEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent describes one order lifecycle change.
type OrderEvent struct {
	Type          string
	OrderID       string
	OrderNumber   string
	UserID        string
	Amount        int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Reason        string
	OccurredAt    time.Time
	Metadata      map[string]any
}
