package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	lastParams *stripe.PaymentIntentParams
	intent     *stripe.PaymentIntent
	err        error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastParams = params
	return f.intent, f.err
}

func TestStripeGatewayCreateProviderOrder(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	intents := &fakeIntentAPI{
		intent: &stripe.PaymentIntent{
			ID:           "pi_123",
			ClientSecret: "pi_123_secret",
			Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
			Amount:       1800,
			Created:      created.Unix(),
		},
	}

	gateway, err := NewStripeGateway(StripeGatewayConfig{Intents: intents})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	order, err := gateway.CreateProviderOrder(ctx, ProviderOrderRequest{
		OrderID:        "ord_1",
		Amount:         1800,
		Currency:       "USD",
		IdempotencyKey: "ord_1-create",
		Metadata:       map[string]string{"orderNumber": "ORD-000001"},
	})
	if err != nil {
		t.Fatalf("create provider order: %v", err)
	}

	if order.ID != "pi_123" || order.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected provider order %#v", order)
	}
	if !order.CreatedAt.Equal(created) {
		t.Fatalf("expected created at %v, got %v", created, order.CreatedAt)
	}

	params := intents.lastParams
	if params == nil {
		t.Fatal("expected intent params to be captured")
	}
	if params.Amount == nil || *params.Amount != 1800 {
		t.Fatalf("unexpected amount %v", params.Amount)
	}
	if params.Currency == nil || *params.Currency != "usd" {
		t.Fatalf("expected lowercased currency, got %v", params.Currency)
	}
	if params.Metadata["orderId"] != "ord_1" || params.Metadata["orderNumber"] != "ORD-000001" {
		t.Fatalf("unexpected metadata %v", params.Metadata)
	}
}

func TestStripeGatewayRejectsNonPositiveAmount(t *testing.T) {
	gateway, err := NewStripeGateway(StripeGatewayConfig{Intents: &fakeIntentAPI{}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gateway.CreateProviderOrder(context.Background(), ProviderOrderRequest{OrderID: "ord_1", Amount: 0}); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestStripeGatewayPropagatesProviderError(t *testing.T) {
	wantErr := errors.New("card declined")
	gateway, err := NewStripeGateway(StripeGatewayConfig{Intents: &fakeIntentAPI{err: wantErr}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gateway.CreateProviderOrder(context.Background(), ProviderOrderRequest{OrderID: "ord_1", Amount: 500}); !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}
