package services

import (
	"errors"
	"fmt"
	"time"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
)

// ErrOrderInvalidTransition indicates the requested status change is not in the
// forward-only transition table.
var ErrOrderInvalidTransition = errors.New("order: invalid transition")

// orderTransitions is the joint forward-only table. Terminal states (failed,
// delivered, cancelled) have no outgoing edges. created -> cancelled covers
// abandoned pending orders swept by the reconciliation job.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:    {domain.OrderStatusPaid, domain.OrderStatusFailed, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// CanTransition reports whether the status change appears in the transition table.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyTransition validates the status change and returns the updated order
// with payment status and timestamps advanced in lockstep. The input order is
// untouched on error so an illegal request has no side effect.
func ApplyTransition(order domain.Order, to domain.OrderStatus, now time.Time) (domain.Order, error) {
	if !CanTransition(order.Status, to) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, to)
	}

	now = now.UTC()
	from := order.Status
	order.Status = to
	order.UpdatedAt = now

	switch to {
	case domain.OrderStatusPaid:
		order.PaymentStatus = domain.PaymentStatusCompleted
		order.PaidAt = &now
	case domain.OrderStatusFailed:
		order.PaymentStatus = domain.PaymentStatusFailed
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
		// A cancelled pending order never completed payment; later
		// cancellations keep the recorded payment outcome.
		if from == domain.OrderStatusCreated {
			order.PaymentStatus = domain.PaymentStatusFailed
		}
	}

	return order, nil
}
