package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kallkeyy/storefront-api/internal/platform/httpx"
	"github.com/kallkeyy/storefront-api/internal/services"
)

const maxWebhookBodySize = 32 * 1024

type paymentCallbackRequest struct {
	OrderID           string `json:"order_id"`
	ProviderOrderID   string `json:"provider_order_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	Signature         string `json:"signature"`
	Amount            *int64 `json:"amount"`
}

// WebhookHandlers receives provider callbacks on the /webhooks group.
type WebhookHandlers struct {
	settlement services.SettlementService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(settlement services.SettlementService) *WebhookHandlers {
	return &WebhookHandlers{settlement: settlement}
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.paymentCallback)
}

func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req paymentCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	order, err := h.settlement.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID:           strings.TrimSpace(req.OrderID),
		ProviderOrderID:   strings.TrimSpace(req.ProviderOrderID),
		ProviderPaymentID: strings.TrimSpace(req.ProviderPaymentID),
		ProviderSignature: strings.TrimSpace(req.Signature),
		Amount:            req.Amount,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "callback signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentOrderNotPending):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_pending", err.Error(), http.StatusConflict))
	default:
		writeSettlementError(ctx, w, err)
	}
}
