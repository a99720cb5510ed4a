package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/platform/httpx"
	"github.com/kallkeyy/storefront-api/internal/platform/requestctx"
	"github.com/kallkeyy/storefront-api/internal/services"
)

const maxFulfillmentBodySize = 8 * 1024

type updateFulfillmentRequest struct {
	Status       string `json:"status"`
	Carrier      string `json:"carrier"`
	TrackingCode string `json:"tracking_code"`
	TrackingURL  string `json:"tracking_url"`
	ShipmentID   string `json:"shipment_id"`
}

var fulfillmentStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
}

// AdminOrderHandlers exposes the operator-facing order endpoints. Authentication
// and role checks live in middleware configured on the /admin group.
type AdminOrderHandlers struct {
	settlement services.SettlementService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(settlement services.SettlementService) *AdminOrderHandlers {
	return &AdminOrderHandlers{settlement: settlement}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}/fulfillment", h.updateFulfillment)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.settlement.GetOrder(ctx, orderID, services.OrderReadOptions{})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) updateFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxFulfillmentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req updateFulfillmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if _, ok := fulfillmentStatuses[status]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be processing, shipped, or delivered", http.StatusBadRequest))
		return
	}

	order, err := h.settlement.UpdateFulfillment(ctx, services.UpdateFulfillmentCommand{
		OrderID:      orderID,
		NewStatus:    status,
		Carrier:      strings.TrimSpace(req.Carrier),
		TrackingCode: strings.TrimSpace(req.TrackingCode),
		TrackingURL:  strings.TrimSpace(req.TrackingURL),
		ShipmentID:   strings.TrimSpace(req.ShipmentID),
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
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

	order, err := h.settlement.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: strings.TrimSpace(requestctx.UserID(ctx)),
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
