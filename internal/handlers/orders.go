package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/platform/httpx"
	"github.com/kallkeyy/storefront-api/internal/platform/requestctx"
	"github.com/kallkeyy/storefront-api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
	maxCancelBodySize    = 4 * 1024
)

type createOrderRequest struct {
	Items []struct {
		ProductID string `json:"product_id"`
		Size      string `json:"size"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
	ShippingAddress addressPayload `json:"shipping_address"`
	CouponCode      string         `json:"coupon_code"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type addressPayload struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	ImageURL  string `json:"image_url,omitempty"`
}

type orderDiscountPayload struct {
	Code            string `json:"code"`
	Amount          int64  `json:"amount"`
	ApplyToShipping bool   `json:"apply_to_shipping,omitempty"`
}

type orderFulfillmentPayload struct {
	ShipmentID   string `json:"shipment_id,omitempty"`
	Carrier      string `json:"carrier,omitempty"`
	TrackingCode string `json:"tracking_code,omitempty"`
	TrackingURL  string `json:"tracking_url,omitempty"`
}

type orderPayload struct {
	ID              string                   `json:"id"`
	OrderNumber     string                   `json:"order_number"`
	UserID          string                   `json:"user_id"`
	Status          string                   `json:"status"`
	PaymentStatus   string                   `json:"payment_status"`
	Amount          int64                    `json:"amount"`
	Items           []orderItemPayload       `json:"items"`
	Discount        *orderDiscountPayload    `json:"discount,omitempty"`
	ShippingAddress addressPayload           `json:"shipping_address"`
	Fulfillment     *orderFulfillmentPayload `json:"fulfillment,omitempty"`
	ProviderOrderID string                   `json:"provider_order_id,omitempty"`
	CancelReason    string                   `json:"cancel_reason,omitempty"`
	PaidAt          string                   `json:"paid_at,omitempty"`
	ShippedAt       string                   `json:"shipped_at,omitempty"`
	DeliveredAt     string                   `json:"delivered_at,omitempty"`
	CancelledAt     string                   `json:"cancelled_at,omitempty"`
	CreatedAt       string                   `json:"created_at"`
	UpdatedAt       string                   `json:"updated_at,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Amount        int64  `json:"amount"`
	CreatedAt     string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

// OrderHandlers exposes the order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	settlement services.SettlementService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(settlement services.SettlementService) *OrderHandlers {
	return &OrderHandlers{settlement: settlement}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:          userID,
		ShippingAddress: toDomainAddress(req.ShippingAddress),
		CouponCode:      strings.TrimSpace(req.CouponCode),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.StockLine{
			ProductID: strings.TrimSpace(item.ProductID),
			Size:      domain.Size(strings.TrimSpace(item.Size)),
			Quantity:  item.Quantity,
		})
	}

	order, err := h.settlement.CreateOrder(ctx, cmd)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	var status services.OrderStatus
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		parsed, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		status = parsed
	}

	page, err := h.settlement.ListOrders(ctx, services.OrderListFilter{
		UserID: userID,
		Status: status,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.settlement.GetOrder(ctx, orderID, services.OrderReadOptions{UserID: userID})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxCancelBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	// Ownership is enforced before mutation so another account's order
	// cancels as a 404, not a 409.
	if _, err := h.settlement.GetOrder(ctx, orderID, services.OrderReadOptions{UserID: userID}); err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	order, err := h.settlement.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: userID,
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            strings.TrimSpace(order.ID),
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		Status:        strings.TrimSpace(string(order.Status)),
		PaymentStatus: strings.TrimSpace(string(order.PaymentStatus)),
		Amount:        order.Amount,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Status:          strings.TrimSpace(string(order.Status)),
		PaymentStatus:   strings.TrimSpace(string(order.PaymentStatus)),
		Amount:          order.Amount,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		ProviderOrderID: strings.TrimSpace(order.ProviderOrderID),
		CancelReason:    strings.TrimSpace(order.CancelReason),
		PaidAt:          formatTime(pointerTime(order.PaidAt)),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Size:      string(item.Size),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		})
	}

	if order.Discount != nil {
		payload.Discount = &orderDiscountPayload{
			Code:            strings.TrimSpace(order.Discount.Code),
			Amount:          order.Discount.Amount,
			ApplyToShipping: order.Discount.ApplyToShipping,
		}
	}

	if f := order.Fulfillment; f.ShipmentID != "" || f.Carrier != "" || f.TrackingCode != "" || f.TrackingURL != "" {
		payload.Fulfillment = &orderFulfillmentPayload{
			ShipmentID:   strings.TrimSpace(f.ShipmentID),
			Carrier:      strings.TrimSpace(f.Carrier),
			TrackingCode: strings.TrimSpace(f.TrackingCode),
			TrackingURL:  strings.TrimSpace(f.TrackingURL),
		}
	}

	return payload
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Name:       strings.TrimSpace(addr.Name),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func toDomainAddress(addr addressPayload) domain.Address {
	return domain.Address{
		Name:       strings.TrimSpace(addr.Name),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusCreated:    {},
	domain.OrderStatusPaid:       {},
	domain.OrderStatusFailed:     {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeSettlementError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSettlementInvalidInput),
		errors.Is(err, services.ErrStockInvalidInput),
		errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockVariantUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_variant", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockInsufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponInactive),
		errors.Is(err, services.ErrCouponExpired),
		errors.Is(err, services.ErrCouponUsageLimitReached),
		errors.Is(err, services.ErrCouponAlreadyUsed),
		errors.Is(err, services.ErrCouponNotFirstTimeEligible),
		errors.Is(err, services.ErrCouponBelowMinimumPurchase),
		errors.Is(err, services.ErrCouponRedemptionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
