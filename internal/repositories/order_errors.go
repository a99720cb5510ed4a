package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates the order document is missing.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorStateConflict indicates the stored status no longer matches the
	// precondition of a guarded write; a concurrent request won the transition.
	OrderErrorStateConflict OrderErrorCode = "order_state_conflict"
)

// OrderError wraps order-specific failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the order document was missing.
func (e *OrderError) IsNotFound() bool {
	return e != nil && e.Code == OrderErrorNotFound
}

// IsConflict reports whether a concurrent writer invalidated the precondition.
func (e *OrderError) IsConflict() bool {
	return e != nil && e.Code == OrderErrorStateConflict
}

// IsUnavailable reports whether the backend was unreachable.
func (e *OrderError) IsUnavailable() bool {
	return false
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
