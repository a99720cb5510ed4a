package payments

import (
	"context"
	"time"
)

// ProviderOrderRequest captures the payload needed to open a payment with the provider.
type ProviderOrderRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerID     string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// ProviderOrder is the opaque handle the provider issues for a pending payment.
// The engine stores the ID on the order and correlates the later callback against it.
type ProviderOrder struct {
	ID           string
	ClientSecret string
	Status       string
	CreatedAt    time.Time
	Raw          map[string]any
}

// Gateway is the contract a payment service provider adapter implements.
// Settlement only needs to open a provider order at checkout time; confirmation
// arrives through the signed callback, not through this interface.
type Gateway interface {
	CreateProviderOrder(ctx context.Context, req ProviderOrderRequest) (ProviderOrder, error)
}
