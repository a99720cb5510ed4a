package domain

import (
	"strings"
	"time"
)

// Size identifies a sellable garment size. The set is closed; unknown labels are
// rejected at the edge before they reach the ledger.
type Size string

const (
	SizeS   Size = "S"
	SizeM   Size = "M"
	SizeL   Size = "L"
	SizeXL  Size = "XL"
	SizeXXL Size = "XXL"
)

// Sizes lists every valid size label in display order.
var Sizes = []Size{SizeS, SizeM, SizeL, SizeXL, SizeXXL}

// ValidSize reports whether the label belongs to the closed size set.
func ValidSize(label string) bool {
	for _, size := range Sizes {
		if string(size) == strings.TrimSpace(label) {
			return true
		}
	}
	return false
}

// Category enumerates the catalog categories a product can belong to.
type Category string

const (
	CategoryTShirts  Category = "tshirts"
	CategoryHoodies  Category = "hoodies"
	CategoryJackets  Category = "jackets"
	CategoryBottoms  Category = "bottoms"
	CategoryAccessor Category = "accessories"
)

// Product is the catalog document the ledger mutates stock on. All fields other
// than Stock and InStock are owned by the catalog subsystem.
type Product struct {
	ID        string
	Name      string
	Price     int64
	Category  Category
	ImageURL  string
	Stock     map[Size]int
	InStock   bool
	UpdatedAt time.Time
}

// ComputeInStock derives the product-level availability flag from per-size
// quantities. Every stock mutator calls this immediately before persisting.
func ComputeInStock(stock map[Size]int) bool {
	for _, qty := range stock {
		if qty > 0 {
			return true
		}
	}
	return false
}

// OrderStatus tracks fulfillment progress through the forward-only state machine.
type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "created"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// PaymentStatus tracks the payment leg, correlated with but distinct from OrderStatus.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// OrderItem is an immutable snapshot of a catalog line captured at order creation.
// Price and name are copied, never referenced, so later catalog edits cannot alter
// a placed order.
type OrderItem struct {
	ProductID string
	Name      string
	Size      Size
	Quantity  int
	UnitPrice int64
	ImageURL  string
}

// OrderDiscount records the coupon quote applied to an order at creation time.
type OrderDiscount struct {
	Code            string
	Amount          int64
	ApplyToShipping bool
}

// OrderFulfillment carries the shipping correlation fields recorded by the admin
// fulfillment flow. The engine stores them, it never calls the carrier.
type OrderFulfillment struct {
	ShipmentID   string
	Carrier      string
	TrackingCode string
	TrackingURL  string
}

// Order is the settlement aggregate. It is never physically deleted; cancellation
// is a status transition.
type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	Items         []OrderItem
	Amount        int64
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Discount      *OrderDiscount
	ReservationID string

	ProviderOrderID   string
	ProviderPaymentID string
	ProviderSignature string

	Fulfillment OrderFulfillment

	ShippingAddress Address

	CancelReason string
	CancelledAt  *time.Time
	PaidAt       *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address is the shipping destination snapshot stored on the order.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Optional is a tagged presence wrapper replacing "null means unlimited"
// sentinels on coupon fields, so the unlimited branch is an explicit case.
type Optional[T any] struct {
	value T
	set   bool
}

// Some wraps a present value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{value: value, set: true}
}

// None returns the absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// OrElse returns the value when present, otherwise the fallback.
func (o Optional[T]) OrElse(fallback T) T {
	if o.set {
		return o.value
	}
	return fallback
}

// DiscountType selects how a coupon's value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// CouponRules captures the redemption policy flags on a coupon.
type CouponRules struct {
	FirstTimePurchaseOnly bool
	OncePerAccount        bool
	ApplyToShipping       bool
}

// CouponUsage is one entry in the append-only redemption ledger. OrderID keys
// duplicate redemption deliveries for the same order so retries cannot count
// a second use.
type CouponUsage struct {
	UserID  string
	OrderID string
	UsedAt  time.Time
}

// Coupon is the discount document consumed by the redemption service. Admin
// tooling owns creation and edits; the engine only reads it and appends usage.
// Invariant: len(UsedBy) == UsedCount.
type Coupon struct {
	Code              string
	DiscountType      DiscountType
	DiscountValue     int64
	MinPurchaseAmount Optional[int64]
	MaxDiscountAmount Optional[int64]
	UsageLimit        Optional[int64]
	UsedCount         int64
	ValidFrom         time.Time
	ValidUntil        Optional[time.Time]
	Rules             CouponRules
	UsedBy            []CouponUsage
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UsedByUser reports whether the account already appears in the redemption ledger.
func (c Coupon) UsedByUser(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	for _, usage := range c.UsedBy {
		if usage.UserID == userID {
			return true
		}
	}
	return false
}

// NormalizeCouponCode canonicalises a coupon code for lookup.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CursorPage wraps a page of results with an opaque continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// StockReservation is a provisional decrement held against a pending order,
// reversible until committed.
type StockReservation struct {
	ID          string
	OrderRef    string
	UserRef     string
	Status      string
	Lines       []StockReservationLine
	Reason      string
	ExpiresAt   time.Time
	CommittedAt *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StockReservationLine is one (product, size, quantity) leg of a reservation.
type StockReservationLine struct {
	ProductID string
	Size      Size
	Quantity  int
}
