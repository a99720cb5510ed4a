package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
)

const verifierTestSecret = "test-signing-secret"

func newTestVerifier(t *testing.T) PaymentVerifier {
	t.Helper()
	verifier, err := NewPaymentVerifier(PaymentVerifierDeps{SigningSecret: verifierTestSecret})
	if err != nil {
		t.Fatalf("new payment verifier: %v", err)
	}
	return verifier
}

func pendingOrder() Order {
	return Order{
		ID:              "ord_1",
		Amount:          2500,
		Status:          domain.OrderStatusCreated,
		PaymentStatus:   domain.PaymentStatusPending,
		ProviderOrderID: "po_1",
	}
}

func TestPaymentVerifierAcceptsValidCallback(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_1", "pay_1")

	result, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.AlreadyPaid {
		t.Fatalf("expected fresh verification, got already paid")
	}
}

func TestPaymentVerifierRejectsTamperedSignature(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	signature := ComputeCallbackSignature([]byte("wrong-secret"), "po_1", "pay_1")

	_, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
	})
	if !errors.Is(err, ErrPaymentSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestPaymentVerifierRejectsForeignProviderOrder(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_other", "pay_1")

	_, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_other",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
	})
	if !errors.Is(err, ErrPaymentSignatureMismatch) {
		t.Fatalf("expected mismatch for foreign provider order, got %v", err)
	}
}

func TestPaymentVerifierRejectsSettledOrder(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	order.Status = domain.OrderStatusCancelled
	order.PaymentStatus = domain.PaymentStatusFailed
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_1", "pay_1")

	_, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
	})
	if !errors.Is(err, ErrPaymentOrderNotPending) {
		t.Fatalf("expected order not pending, got %v", err)
	}
}

func TestPaymentVerifierAbsorbsDuplicateDelivery(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid
	order.PaymentStatus = domain.PaymentStatusCompleted
	order.ProviderPaymentID = "pay_1"
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_1", "pay_1")

	result, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
	})
	if err != nil {
		t.Fatalf("verify duplicate: %v", err)
	}
	if !result.AlreadyPaid {
		t.Fatalf("expected duplicate delivery detection")
	}
}

func TestPaymentVerifierRejectsReplayWithDifferentPayment(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid
	order.PaymentStatus = domain.PaymentStatusCompleted
	order.ProviderPaymentID = "pay_1"
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_1", "pay_2")

	_, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_2",
		ProviderSignature: signature,
	})
	if !errors.Is(err, ErrPaymentOrderNotPending) {
		t.Fatalf("expected rejection of replay with different payment, got %v", err)
	}
}

func TestPaymentVerifierChecksAmount(t *testing.T) {
	verifier := newTestVerifier(t)
	order := pendingOrder()
	signature := ComputeCallbackSignature([]byte(verifierTestSecret), "po_1", "pay_1")
	reported := int64(9999)

	_, err := verifier.Verify(context.Background(), order, PaymentCallback{
		ProviderOrderID:   "po_1",
		ProviderPaymentID: "pay_1",
		ProviderSignature: signature,
		Amount:            &reported,
	})
	if !errors.Is(err, ErrPaymentAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestPaymentVerifierRequiresPayload(t *testing.T) {
	verifier := newTestVerifier(t)

	_, err := verifier.Verify(context.Background(), pendingOrder(), PaymentCallback{})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
