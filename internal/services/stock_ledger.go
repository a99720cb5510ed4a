package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kallkeyy/storefront-api/internal/repositories"
)

const (
	eventStockReserve = "stock.reserve"
	eventStockCommit  = "stock.commit"
	eventStockRelease = "stock.release"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockInsufficient indicates the requested quantity exceeds availability.
	ErrStockInsufficient = errors.New("stock: insufficient stock")
	// ErrStockVariantUnknown indicates the product or size does not exist.
	ErrStockVariantUnknown = errors.New("stock: unknown variant")
	// ErrStockReservationNotFound indicates the reservation could not be located.
	ErrStockReservationNotFound = errors.New("stock: reservation not found")
	// ErrStockInvalidState indicates the reservation cannot transition due to its state.
	ErrStockInvalidState = errors.New("stock: reservation state invalid")
)

// StockLedgerDeps bundles the collaborators required to construct a stock ledger.
type StockLedgerDeps struct {
	Stock       repositories.StockRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	repo   repositories.StockRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewStockLedger wires dependencies into a concrete StockLedger implementation.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockLedger{
		repo: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *stockLedger) Reserve(ctx context.Context, cmd StockReserveCommand) (StockReserveOutcome, error) {
	if err := s.validateReserveInput(cmd); err != nil {
		return StockReserveOutcome{}, err
	}

	now := s.clock()
	lines := make([]StockReservationLine, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		lines = append(lines, StockReservationLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Size:      line.Size,
			Quantity:  line.Quantity,
		})
	}

	reservation := StockReservation{
		ID:        ensureReservationID(s.newID()),
		OrderRef:  ensureOrderRef(cmd.OrderID),
		UserRef:   ensureUserRef(cmd.UserID),
		Lines:     lines,
		Reason:    strings.TrimSpace(cmd.Reason),
		ExpiresAt: now.Add(cmd.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := s.repo.Reserve(ctx, repositories.StockReserveRequest{
		Reservation: reservation,
		Now:         now,
	})
	if err != nil {
		return StockReserveOutcome{}, s.mapRepositoryError(err)
	}

	saved := result.Reservation
	if saved.ID == "" {
		saved = reservation
	}

	s.logger(ctx, eventStockReserve, map[string]any{
		"reservationId": saved.ID,
		"orderRef":      saved.OrderRef,
		"lines":         len(saved.Lines),
		"expiresAt":     saved.ExpiresAt,
	})

	return StockReserveOutcome{
		Reservation: saved,
		Products:    result.Products,
	}, nil
}

func (s *stockLedger) Commit(ctx context.Context, cmd StockCommitCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrStockInvalidInput)
	}

	result, err := s.repo.Commit(ctx, repositories.StockCommitRequest{
		ReservationID: reservationID,
		OrderRef:      ensureOrderRef(cmd.OrderID),
		Now:           s.clock(),
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventStockCommit, map[string]any{
		"reservationId": result.Reservation.ID,
		"orderRef":      result.Reservation.OrderRef,
	})

	return result.Reservation, nil
}

func (s *stockLedger) Release(ctx context.Context, cmd StockReleaseCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrStockInvalidInput)
	}

	result, err := s.repo.Release(ctx, repositories.StockReleaseRequest{
		ReservationID: reservationID,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           s.clock(),
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventStockRelease, map[string]any{
		"reservationId": result.Reservation.ID,
		"reason":        result.Reservation.Reason,
	})

	return result.Reservation, nil
}

func (s *stockLedger) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]StockReservation, error) {
	if now.IsZero() {
		now = s.clock()
	}
	reservations, err := s.repo.ListExpired(ctx, repositories.ExpiredReservationQuery{
		Now:   now.UTC(),
		Limit: limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return reservations, nil
}

func (s *stockLedger) validateReserveInput(cmd StockReserveCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrStockInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrStockInvalidInput)
	}
	if cmd.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrStockInvalidInput)
	}
	for _, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: line product id is required", ErrStockInvalidInput)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrStockInvalidInput, line.ProductID)
		}
	}
	return nil
}

func (s *stockLedger) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrStockInsufficient, stockErr.Message)
		case repositories.StockErrorProductNotFound, repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrStockVariantUnknown, stockErr.Message)
		case repositories.StockErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrStockReservationNotFound, stockErr.Message)
		case repositories.StockErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrStockInvalidState, stockErr.Message)
		}
	}

	return err
}

func ensureReservationID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "sr_") {
		return trimmed
	}
	return "sr_" + trimmed
}

func ensureOrderRef(orderID string) string {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "/orders/") {
		return trimmed
	}
	return "/orders/" + trimmed
}

func ensureUserRef(userID string) string {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "/users/") {
		return trimmed
	}
	return "/users/" + trimmed
}
