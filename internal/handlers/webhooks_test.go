package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/services"
)

func newWebhookRouter(service services.SettlementService) chi.Router {
	handler := NewWebhookHandlers(service)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersPaymentCallbackSuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var captured services.ConfirmPaymentCommand
	service := &stubSettlementService{
		confirmFn: func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			captured = cmd
			paid := now
			return services.Order{
				ID:                cmd.OrderID,
				OrderNumber:       "ORD-000042",
				UserID:            "user-1",
				Status:            domain.OrderStatusPaid,
				PaymentStatus:     domain.PaymentStatusCompleted,
				Amount:            1800,
				ProviderOrderID:   cmd.ProviderOrderID,
				ProviderPaymentID: cmd.ProviderPaymentID,
				PaidAt:            &paid,
			}, nil
		},
	}

	payload := []byte(`{
		"order_id": "ord_1",
		"provider_order_id": "po_1",
		"provider_payment_id": "pay_1",
		"signature": "deadbeef",
		"amount": 1800
	}`)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	newWebhookRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.ProviderOrderID != "po_1" || captured.ProviderPaymentID != "pay_1" {
		t.Fatalf("unexpected confirm command %#v", captured)
	}
	if captured.ProviderSignature != "deadbeef" {
		t.Fatalf("expected signature passed through, got %q", captured.ProviderSignature)
	}
	if captured.Amount == nil || *captured.Amount != 1800 {
		t.Fatalf("expected amount 1800, got %v", captured.Amount)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "paid" || resp.Order.PaymentStatus != "completed" {
		t.Fatalf("unexpected payload %#v", resp.Order)
	}
}

func TestWebhookHandlersPaymentCallbackErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"signature mismatch", services.ErrPaymentSignatureMismatch, http.StatusUnauthorized, "invalid_signature"},
		{"amount mismatch", fmt.Errorf("%w: got 100 want 1800", services.ErrPaymentAmountMismatch), http.StatusBadRequest, "amount_mismatch"},
		{"order not pending", services.ErrPaymentOrderNotPending, http.StatusConflict, "order_not_pending"},
		{"order not found", services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"missing fields", fmt.Errorf("%w: signature is required", services.ErrPaymentInvalidInput), http.StatusBadRequest, "invalid_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubSettlementService{
				confirmFn: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}

			payload := []byte(`{"order_id": "ord_1", "provider_order_id": "po_1", "provider_payment_id": "pay_1", "signature": "bad"}`)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
			newWebhookRouter(service).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("expected error code %q, got %v", tc.wantCode, body["error"])
			}
		})
	}
}

func TestWebhookHandlersPaymentCallbackRejectsEmptyBody(t *testing.T) {
	service := &stubSettlementService{
		confirmFn: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
			t.Fatal("service must not be called with empty body")
			return services.Order{}, nil
		},
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
	newWebhookRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
