package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kallkeyy/storefront-api/internal/domain"
	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates. Orders are never deleted; status
// transitions go through UpdateGuarded so racing writers cannot clobber each
// other, while non-transition writes use Update.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}

	_, err := r.orders.Set(ctx, order.ID, newOrderDocument(order))
	return err
}

// UpdateGuarded re-reads the order inside a transaction and applies the write
// only while the stored status pair still matches the precondition. A caller
// that raced another transition gets OrderErrorStateConflict and must re-read.
func (r *OrderRepository) UpdateGuarded(ctx context.Context, order domain.Order, expect repositories.OrderStatePrecondition) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", order.ID), err)
			}
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", order.ID, err)
		}
		if current.Status != string(expect.Status) {
			return repositories.NewOrderError(repositories.OrderErrorStateConflict,
				fmt.Sprintf("order %s is %s, expected %s", order.ID, current.Status, expect.Status), nil)
		}
		if expect.PaymentStatus != "" && current.PaymentStatus != string(expect.PaymentStatus) {
			return repositories.NewOrderError(repositories.OrderErrorStateConflict,
				fmt.Sprintf("order %s payment is %s, expected %s", order.ID, current.PaymentStatus, expect.PaymentStatus), nil)
		}
		return tx.Set(ref, newOrderDocument(order))
	})
	if err != nil {
		var orderErr *repositories.OrderError
		if errors.As(err, &orderErr) {
			if orderErr.Op == "" {
				orderErr.Op = "orders.updateGuarded"
			}
			return orderErr
		}
		return pfirestore.WrapError("orders.updateGuarded", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if filter.Status != "" {
		query = query.Where("status", "==", string(filter.Status))
	}
	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber   string                 `firestore:"orderNumber"`
	UserID        string                 `firestore:"userId"`
	Items         []orderItemDocument    `firestore:"items"`
	Amount        int64                  `firestore:"amount"`
	Status        string                 `firestore:"status"`
	PaymentStatus string                 `firestore:"paymentStatus"`
	Discount      *orderDiscountDocument `firestore:"discount,omitempty"`
	ReservationID string                 `firestore:"reservationId,omitempty"`

	ProviderOrderID   string `firestore:"providerOrderId,omitempty"`
	ProviderPaymentID string `firestore:"providerPaymentId,omitempty"`
	ProviderSignature string `firestore:"providerSignature,omitempty"`

	Fulfillment fulfillmentDocument `firestore:"fulfillment"`

	ShippingAddress addressDocument `firestore:"shippingAddress"`

	CancelReason string     `firestore:"cancelReason,omitempty"`
	CancelledAt  *time.Time `firestore:"cancelledAt,omitempty"`
	PaidAt       *time.Time `firestore:"paidAt,omitempty"`
	ShippedAt    *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt  *time.Time `firestore:"deliveredAt,omitempty"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Size      string `firestore:"size"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
}

type orderDiscountDocument struct {
	Code            string `firestore:"code"`
	Amount          int64  `firestore:"amount"`
	ApplyToShipping bool   `firestore:"applyToShipping"`
}

type fulfillmentDocument struct {
	ShipmentID   string `firestore:"shipmentId,omitempty"`
	Carrier      string `firestore:"carrier,omitempty"`
	TrackingCode string `firestore:"trackingCode,omitempty"`
	TrackingURL  string `firestore:"trackingUrl,omitempty"`
}

type addressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Size:      string(item.Size),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		}
	}
	doc := orderDocument{
		OrderNumber:       strings.TrimSpace(order.OrderNumber),
		UserID:            strings.TrimSpace(order.UserID),
		Items:             items,
		Amount:            order.Amount,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		ReservationID:     strings.TrimSpace(order.ReservationID),
		ProviderOrderID:   strings.TrimSpace(order.ProviderOrderID),
		ProviderPaymentID: strings.TrimSpace(order.ProviderPaymentID),
		ProviderSignature: strings.TrimSpace(order.ProviderSignature),
		Fulfillment: fulfillmentDocument{
			ShipmentID:   strings.TrimSpace(order.Fulfillment.ShipmentID),
			Carrier:      strings.TrimSpace(order.Fulfillment.Carrier),
			TrackingCode: strings.TrimSpace(order.Fulfillment.TrackingCode),
			TrackingURL:  strings.TrimSpace(order.Fulfillment.TrackingURL),
		},
		ShippingAddress: addressDocument{
			Name:       strings.TrimSpace(order.ShippingAddress.Name),
			Line1:      strings.TrimSpace(order.ShippingAddress.Line1),
			Line2:      strings.TrimSpace(order.ShippingAddress.Line2),
			City:       strings.TrimSpace(order.ShippingAddress.City),
			State:      strings.TrimSpace(order.ShippingAddress.State),
			PostalCode: strings.TrimSpace(order.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(order.ShippingAddress.Country),
			Phone:      strings.TrimSpace(order.ShippingAddress.Phone),
		},
		CancelReason: strings.TrimSpace(order.CancelReason),
		CancelledAt:  order.CancelledAt,
		PaidAt:       order.PaidAt,
		ShippedAt:    order.ShippedAt,
		DeliveredAt:  order.DeliveredAt,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
	if order.Discount != nil {
		doc.Discount = &orderDiscountDocument{
			Code:            domain.NormalizeCouponCode(order.Discount.Code),
			Amount:          order.Discount.Amount,
			ApplyToShipping: order.Discount.ApplyToShipping,
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Size:      domain.Size(item.Size),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			ImageURL:  item.ImageURL,
		}
	}
	order := domain.Order{
		ID:                id,
		OrderNumber:       d.OrderNumber,
		UserID:            d.UserID,
		Items:             items,
		Amount:            d.Amount,
		Status:            domain.OrderStatus(d.Status),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		ReservationID:     d.ReservationID,
		ProviderOrderID:   d.ProviderOrderID,
		ProviderPaymentID: d.ProviderPaymentID,
		ProviderSignature: d.ProviderSignature,
		Fulfillment: domain.OrderFulfillment{
			ShipmentID:   d.Fulfillment.ShipmentID,
			Carrier:      d.Fulfillment.Carrier,
			TrackingCode: d.Fulfillment.TrackingCode,
			TrackingURL:  d.Fulfillment.TrackingURL,
		},
		ShippingAddress: domain.Address{
			Name:       d.ShippingAddress.Name,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		},
		CancelReason: d.CancelReason,
		CancelledAt:  d.CancelledAt,
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Discount != nil {
		order.Discount = &domain.OrderDiscount{
			Code:            d.Discount.Code,
			Amount:          d.Discount.Amount,
			ApplyToShipping: d.Discount.ApplyToShipping,
		}
	}
	return order
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}
