package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

type stubStockRepo struct {
	reserveFn func(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error)
	commitFn  func(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error)
	releaseFn func(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error)
	listFn    func(ctx context.Context, query repositories.ExpiredReservationQuery) ([]domain.StockReservation, error)
}

func (s *stubStockRepo) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, req)
	}
	return repositories.StockReserveResult{}, nil
}

func (s *stubStockRepo) Commit(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, req)
	}
	return repositories.StockCommitResult{}, nil
}

func (s *stubStockRepo) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, req)
	}
	return repositories.StockReleaseResult{}, nil
}

func (s *stubStockRepo) GetReservation(context.Context, string) (domain.StockReservation, error) {
	return domain.StockReservation{}, errors.New("not implemented")
}

func (s *stubStockRepo) ListExpired(ctx context.Context, query repositories.ExpiredReservationQuery) ([]domain.StockReservation, error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return nil, nil
}

// memStockRepo applies the same conditional-decrement discipline as the
// Firestore transaction, serialized by a mutex so contention is observable.
type memStockRepo struct {
	mu           sync.Mutex
	stock        map[string]map[domain.Size]int
	reservations map[string]domain.StockReservation
}

func newMemStockRepo(stock map[string]map[domain.Size]int) *memStockRepo {
	return &memStockRepo{
		stock:        stock,
		reservations: make(map[string]domain.StockReservation),
	}
}

func (m *memStockRepo) Reserve(_ context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, line := range req.Reservation.Lines {
		variants, ok := m.stock[line.ProductID]
		if !ok {
			return repositories.StockReserveResult{}, repositories.NewStockError(repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", line.ProductID), nil)
		}
		available, ok := variants[line.Size]
		if !ok {
			return repositories.StockReserveResult{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("no size %s", line.Size), nil)
		}
		if available < line.Quantity {
			return repositories.StockReserveResult{}, repositories.NewStockError(repositories.StockErrorInsufficient, "insufficient stock", nil)
		}
	}
	for _, line := range req.Reservation.Lines {
		m.stock[line.ProductID][line.Size] -= line.Quantity
	}

	reservation := req.Reservation
	reservation.Status = "reserved"
	m.reservations[reservation.ID] = reservation
	return repositories.StockReserveResult{Reservation: reservation}, nil
}

func (m *memStockRepo) Commit(_ context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservation, ok := m.reservations[req.ReservationID]
	if !ok {
		return repositories.StockCommitResult{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, "not found", nil)
	}
	if reservation.Status == "committed" && req.OrderRef != "" && reservation.OrderRef == req.OrderRef {
		return repositories.StockCommitResult{Reservation: reservation}, nil
	}
	if reservation.Status != "reserved" {
		return repositories.StockCommitResult{}, repositories.NewStockError(repositories.StockErrorInvalidReservationState, "not reserved", nil)
	}
	reservation.Status = "committed"
	m.reservations[req.ReservationID] = reservation
	return repositories.StockCommitResult{Reservation: reservation}, nil
}

func (m *memStockRepo) Release(_ context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservation, ok := m.reservations[req.ReservationID]
	if !ok {
		return repositories.StockReleaseResult{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, "not found", nil)
	}
	if reservation.Status == "released" {
		return repositories.StockReleaseResult{}, repositories.NewStockError(repositories.StockErrorInvalidReservationState, "already released", nil)
	}
	for _, line := range reservation.Lines {
		m.stock[line.ProductID][line.Size] += line.Quantity
	}
	reservation.Status = "released"
	m.reservations[req.ReservationID] = reservation
	return repositories.StockReleaseResult{Reservation: reservation}, nil
}

func (m *memStockRepo) GetReservation(_ context.Context, id string) (domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reservation, ok := m.reservations[id]
	if !ok {
		return domain.StockReservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, "not found", nil)
	}
	return reservation, nil
}

func (m *memStockRepo) ListExpired(_ context.Context, query repositories.ExpiredReservationQuery) ([]domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockReservation
	for _, reservation := range m.reservations {
		if reservation.Status == "reserved" && !reservation.ExpiresAt.After(query.Now) {
			out = append(out, reservation)
		}
	}
	return out, nil
}

func (m *memStockRepo) quantity(productID string, size domain.Size) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID][size]
}

func newTestLedger(t *testing.T, repo repositories.StockRepository) StockLedger {
	t.Helper()
	counter := 0
	ledger, err := NewStockLedger(StockLedgerDeps{
		Stock: repo,
		Clock: func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("res%d", counter)
		},
	})
	if err != nil {
		t.Fatalf("new stock ledger: %v", err)
	}
	return ledger
}

func TestStockLedgerReserveValidatesInput(t *testing.T) {
	ledger := newTestLedger(t, &stubStockRepo{})

	cases := []struct {
		name string
		cmd  StockReserveCommand
	}{
		{"missing user", StockReserveCommand{TTL: time.Minute, Lines: []StockLine{{ProductID: "p", Size: domain.SizeM, Quantity: 1}}}},
		{"no lines", StockReserveCommand{UserID: "u", TTL: time.Minute}},
		{"zero ttl", StockReserveCommand{UserID: "u", Lines: []StockLine{{ProductID: "p", Size: domain.SizeM, Quantity: 1}}}},
		{"zero quantity", StockReserveCommand{UserID: "u", TTL: time.Minute, Lines: []StockLine{{ProductID: "p", Size: domain.SizeM}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ledger.Reserve(context.Background(), tc.cmd); !errors.Is(err, ErrStockInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestStockLedgerMapsRepositoryErrors(t *testing.T) {
	repo := &stubStockRepo{
		reserveFn: func(context.Context, repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
			return repositories.StockReserveResult{}, repositories.NewStockError(repositories.StockErrorInsufficient, "only 1 left", nil)
		},
	}
	ledger := newTestLedger(t, repo)

	_, err := ledger.Reserve(context.Background(), StockReserveCommand{
		UserID: "u",
		TTL:    time.Minute,
		Lines:  []StockLine{{ProductID: "p", Size: domain.SizeM, Quantity: 2}},
	})
	if !errors.Is(err, ErrStockInsufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestStockLedgerNoOversellUnderContention(t *testing.T) {
	repo := newMemStockRepo(map[string]map[domain.Size]int{
		"prod-1": {domain.SizeM: 1},
	})
	ledger := newTestLedger(t, repo)

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		orderID := fmt.Sprintf("order-%d", i)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), StockReserveCommand{
				OrderID: orderID,
				UserID:  "user-1",
				TTL:     time.Minute,
				Lines:   []StockLine{{ProductID: "prod-1", Size: domain.SizeM, Quantity: 1}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrStockInsufficient) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	if remaining := repo.quantity("prod-1", domain.SizeM); remaining != 0 {
		t.Fatalf("expected zero stock remaining, got %d", remaining)
	}
}

func TestStockLedgerReserveReleaseRoundTrip(t *testing.T) {
	repo := newMemStockRepo(map[string]map[domain.Size]int{
		"prod-1": {domain.SizeM: 5, domain.SizeL: 2},
	})
	ledger := newTestLedger(t, repo)

	outcome, err := ledger.Reserve(context.Background(), StockReserveCommand{
		OrderID: "order-1",
		UserID:  "user-1",
		TTL:     time.Minute,
		Lines: []StockLine{
			{ProductID: "prod-1", Size: domain.SizeM, Quantity: 3},
			{ProductID: "prod-1", Size: domain.SizeL, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := repo.quantity("prod-1", domain.SizeM); got != 2 {
		t.Fatalf("expected 2 after reserve, got %d", got)
	}

	if _, err := ledger.Release(context.Background(), StockReleaseCommand{
		ReservationID: outcome.Reservation.ID,
		Reason:        "payment failed",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := repo.quantity("prod-1", domain.SizeM); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}
	if got := repo.quantity("prod-1", domain.SizeL); got != 2 {
		t.Fatalf("expected stock restored to 2, got %d", got)
	}
}

func TestStockLedgerCommitRequiresReservedState(t *testing.T) {
	repo := newMemStockRepo(map[string]map[domain.Size]int{
		"prod-1": {domain.SizeM: 1},
	})
	ledger := newTestLedger(t, repo)

	outcome, err := ledger.Reserve(context.Background(), StockReserveCommand{
		OrderID: "order-1",
		UserID:  "user-1",
		TTL:     time.Minute,
		Lines:   []StockLine{{ProductID: "prod-1", Size: domain.SizeM, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := ledger.Commit(context.Background(), StockCommitCommand{ReservationID: outcome.Reservation.ID}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := ledger.Commit(context.Background(), StockCommitCommand{ReservationID: outcome.Reservation.ID}); !errors.Is(err, ErrStockInvalidState) {
		t.Fatalf("expected invalid state on double commit, got %v", err)
	}
}

func TestStockLedgerCommitSameOrderIsIdempotent(t *testing.T) {
	repo := newMemStockRepo(map[string]map[domain.Size]int{
		"prod-1": {domain.SizeM: 2},
	})
	ledger := newTestLedger(t, repo)

	outcome, err := ledger.Reserve(context.Background(), StockReserveCommand{
		OrderID: "order-1",
		UserID:  "user-1",
		TTL:     time.Minute,
		Lines:   []StockLine{{ProductID: "prod-1", Size: domain.SizeM, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	commit := StockCommitCommand{ReservationID: outcome.Reservation.ID, OrderID: "order-1"}
	if _, err := ledger.Commit(context.Background(), commit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	again, err := ledger.Commit(context.Background(), commit)
	if err != nil {
		t.Fatalf("redelivered commit for the same order must succeed, got %v", err)
	}
	if again.Status != "committed" {
		t.Fatalf("expected committed reservation, got %s", again.Status)
	}
	if got := repo.quantity("prod-1", domain.SizeM); got != 0 {
		t.Fatalf("stock must be decremented exactly once, got %d", got)
	}

	// Committing the reservation for a different order is still a fault.
	if _, err := ledger.Commit(context.Background(), StockCommitCommand{ReservationID: outcome.Reservation.ID, OrderID: "order-2"}); !errors.Is(err, ErrStockInvalidState) {
		t.Fatalf("expected invalid state for a foreign order, got %v", err)
	}
}
