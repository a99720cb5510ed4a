package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// Settlement transactions contend on hot documents (stock sizes, coupon
// usage, order status), so retries are routine. The bounds below keep a
// contested write from holding an HTTP request open indefinitely.
const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. It may execute more than once
// on contention, so it must not carry side effects outside the transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption adjusts the retry and deadline bounds of a single transaction.
type TxOption func(*txBounds)

type txBounds struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps the number of optimistic retries.
func WithTxAttempts(attempts int) TxOption {
	return func(b *txBounds) {
		if attempts > 0 {
			b.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the wall-clock time spent on the transaction,
// retries included.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(b *txBounds) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// RunTransaction executes fn transactionally on client, retrying on
// contention up to the configured attempt cap.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	bounds := txBounds{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&bounds)
		}
	}

	runCtx := ctx
	if bounds.timeout > 0 {
		// Keep a caller deadline that is already tighter than ours.
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > bounds.timeout {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, bounds.timeout)
			defer cancel()
		}
	}

	var txOpts []firestore.TransactionOption
	if bounds.attempts > 0 {
		txOpts = append(txOpts, firestore.MaxAttempts(bounds.attempts))
	}

	return WrapError("transaction", client.RunTransaction(runCtx, fn, txOpts...))
}
