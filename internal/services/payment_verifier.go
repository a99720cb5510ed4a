package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
)

var (
	// ErrPaymentInvalidInput signals the callback payload is incomplete.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentSignatureMismatch indicates the callback signature does not verify.
	ErrPaymentSignatureMismatch = errors.New("payment: signature mismatch")
	// ErrPaymentOrderNotPending indicates the order is not awaiting payment.
	ErrPaymentOrderNotPending = errors.New("payment: order not pending")
	// ErrPaymentAmountMismatch indicates the provider amount differs from the order total.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
)

// PaymentVerifierDeps bundles dependencies required to construct a PaymentVerifier.
type PaymentVerifierDeps struct {
	SigningSecret string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentVerifier struct {
	secret []byte
	logger func(context.Context, string, map[string]any)
}

// NewPaymentVerifier wires a verifier bound to the shared callback signing secret.
func NewPaymentVerifier(deps PaymentVerifierDeps) (PaymentVerifier, error) {
	secret := strings.TrimSpace(deps.SigningSecret)
	if secret == "" {
		return nil, errors.New("payment verifier: signing secret is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentVerifier{
		secret: []byte(secret),
		logger: logger,
	}, nil
}

// Verify authenticates the callback against the order. A duplicate delivery for
// an order already settled with the same payment id verifies as AlreadyPaid so
// callers can absorb webhook retries without re-running side effects.
func (v *paymentVerifier) Verify(ctx context.Context, order Order, callback PaymentCallback) (PaymentVerification, error) {
	providerOrderID := strings.TrimSpace(callback.ProviderOrderID)
	providerPaymentID := strings.TrimSpace(callback.ProviderPaymentID)
	signature := strings.TrimSpace(callback.ProviderSignature)
	if providerOrderID == "" || providerPaymentID == "" || signature == "" {
		return PaymentVerification{}, fmt.Errorf("%w: provider order id, payment id, and signature are required", ErrPaymentInvalidInput)
	}

	expected := ComputeCallbackSignature(v.secret, providerOrderID, providerPaymentID)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		v.logger(ctx, "payment.verify.signatureMismatch", map[string]any{"orderId": order.ID})
		return PaymentVerification{}, fmt.Errorf("%w: order %s", ErrPaymentSignatureMismatch, order.ID)
	}

	if !strings.EqualFold(order.ProviderOrderID, providerOrderID) {
		return PaymentVerification{}, fmt.Errorf("%w: callback does not match order %s", ErrPaymentSignatureMismatch, order.ID)
	}

	if callback.Amount != nil && *callback.Amount != order.Amount {
		return PaymentVerification{}, fmt.Errorf("%w: provider reported %d, order total %d", ErrPaymentAmountMismatch, *callback.Amount, order.Amount)
	}

	if order.Status == domain.OrderStatusPaid && order.PaymentStatus == domain.PaymentStatusCompleted {
		if strings.EqualFold(order.ProviderPaymentID, providerPaymentID) {
			return PaymentVerification{AlreadyPaid: true}, nil
		}
		return PaymentVerification{}, fmt.Errorf("%w: order %s already settled with a different payment", ErrPaymentOrderNotPending, order.ID)
	}

	if order.Status != domain.OrderStatusCreated || order.PaymentStatus != domain.PaymentStatusPending {
		return PaymentVerification{}, fmt.Errorf("%w: order %s is %s/%s", ErrPaymentOrderNotPending, order.ID, order.Status, order.PaymentStatus)
	}

	return PaymentVerification{}, nil
}

// ComputeCallbackSignature derives the expected hex-encoded HMAC-SHA256 over
// the provider order and payment identifiers.
func ComputeCallbackSignature(secret []byte, providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(providerOrderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(providerPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
