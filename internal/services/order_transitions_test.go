package services

import (
	"errors"
	"testing"
	"time"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
)

func TestApplyTransitionHappyPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:            "ord_1",
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
	}

	var err error
	for _, next := range []domain.OrderStatus{
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		now = now.Add(time.Hour)
		order, err = ApplyTransition(order, next, now)
		if err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
		if order.Status != next {
			t.Fatalf("expected status %s, got %s", next, order.Status)
		}
	}

	if order.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", order.PaymentStatus)
	}
	if order.PaidAt == nil || order.ShippedAt == nil || order.DeliveredAt == nil {
		t.Fatalf("expected lifecycle timestamps recorded: %+v", order)
	}
}

func TestApplyTransitionRejectsBackwardAndSkips(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		from domain.OrderStatus
		to   domain.OrderStatus
	}{
		{"backward", domain.OrderStatusShipped, domain.OrderStatusProcessing},
		{"skip", domain.OrderStatusCreated, domain.OrderStatusShipped},
		{"terminal failed", domain.OrderStatusFailed, domain.OrderStatusPaid},
		{"terminal delivered", domain.OrderStatusDelivered, domain.OrderStatusCancelled},
		{"terminal cancelled", domain.OrderStatusCancelled, domain.OrderStatusCreated},
		{"paid direct cancel", domain.OrderStatusPaid, domain.OrderStatusCancelled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := domain.Order{Status: tc.from, PaymentStatus: domain.PaymentStatusCompleted}
			if _, err := ApplyTransition(original, tc.to, now); !errors.Is(err, ErrOrderInvalidTransition) {
				t.Fatalf("expected invalid transition for %s -> %s, got %v", tc.from, tc.to, err)
			}
		})
	}
}

func TestApplyTransitionCancelPendingOrderFailsPayment(t *testing.T) {
	now := time.Now().UTC()
	order := domain.Order{Status: domain.OrderStatusCreated, PaymentStatus: domain.PaymentStatusPending}

	cancelled, err := ApplyTransition(order, domain.OrderStatusCancelled, now)
	if err != nil {
		t.Fatalf("cancel pending order: %v", err)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", cancelled.PaymentStatus)
	}
	if cancelled.CancelledAt == nil {
		t.Fatalf("expected cancellation timestamp")
	}
}

func TestApplyTransitionCancelProcessingKeepsPaymentOutcome(t *testing.T) {
	now := time.Now().UTC()
	order := domain.Order{Status: domain.OrderStatusProcessing, PaymentStatus: domain.PaymentStatusCompleted}

	cancelled, err := ApplyTransition(order, domain.OrderStatusCancelled, now)
	if err != nil {
		t.Fatalf("cancel processing order: %v", err)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected payment outcome preserved, got %s", cancelled.PaymentStatus)
	}
}

func TestApplyTransitionFailureMarksPaymentFailed(t *testing.T) {
	now := time.Now().UTC()
	order := domain.Order{Status: domain.OrderStatusCreated, PaymentStatus: domain.PaymentStatusPending}

	failed, err := ApplyTransition(order, domain.OrderStatusFailed, now)
	if err != nil {
		t.Fatalf("fail pending order: %v", err)
	}
	if failed.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", failed.PaymentStatus)
	}
}
