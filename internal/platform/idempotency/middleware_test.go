package idempotency

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fixedClock(t time.Time) clockFunc {
	return func() time.Time { return t }
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var calls atomic.Int32
	handler := Middleware(store, WithClock(fixedClock(now)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"order-1"}`))
	}))

	first := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"sku":"tee"}`))
	first.Header.Set(defaultHeaderName, "key-123")
	firstRec := httptest.NewRecorder()
	handler.ServeHTTP(firstRec, first)

	if firstRec.Code != http.StatusCreated {
		t.Fatalf("unexpected first status: %d", firstRec.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, got %d", calls.Load())
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"sku":"tee"}`))
	second.Header.Set(defaultHeaderName, "key-123")
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)

	if calls.Load() != 1 {
		t.Fatalf("expected replay without invoking handler, got %d calls", calls.Load())
	}
	if secondRec.Code != http.StatusCreated {
		t.Fatalf("unexpected replay status: %d", secondRec.Code)
	}
	if secondRec.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected replay header on second response")
	}
	if secondRec.Body.String() != `{"id":"order-1"}` {
		t.Fatalf("unexpected replay body: %s", secondRec.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	handler := Middleware(store, WithClock(fixedClock(now)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"sku":"tee"}`))
	first.Header.Set(defaultHeaderName, "key-abc")
	handler.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"sku":"hoodie"}`))
	second.Header.Set(defaultHeaderName, "key-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for mismatched fingerprint, got %d", rec.Code)
	}
}

func TestMiddlewareRequiresKeyForMutatingRequests(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request when key missing, got %d", rec.Code)
	}
}

func TestMiddlewareDerivesKeyFromBodyWithoutHeader(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	extractor := func(r *http.Request, body []byte) string {
		if key := r.Header.Get(defaultHeaderName); key != "" {
			return key
		}
		var payload struct {
			ProviderPaymentID string `json:"provider_payment_id"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		return payload.ProviderPaymentID
	}

	var calls atomic.Int32
	handler := Middleware(store, WithClock(fixedClock(now)), WithKeyExtractor(extractor))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("handler body read: %v", err)
		}
		if !strings.Contains(string(body), "pay_1") {
			t.Fatalf("expected replayable body in handler, got %s", body)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"paid"}`))
	}))

	callback := `{"order_id":"ord_1","provider_payment_id":"pay_1","signature":"sig"}`

	first := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(callback))
	firstRec := httptest.NewRecorder()
	handler.ServeHTTP(firstRec, first)
	if firstRec.Code != http.StatusOK {
		t.Fatalf("unexpected first status: %d", firstRec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(callback))
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)

	if calls.Load() != 1 {
		t.Fatalf("expected duplicate callback replayed, got %d calls", calls.Load())
	}
	if secondRec.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected replay header on duplicate callback")
	}

	// A payload the extractor cannot key is still rejected.
	unkeyed := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"order_id":"ord_1"}`))
	unkeyedRec := httptest.NewRecorder()
	handler.ServeHTTP(unkeyedRec, unkeyed)
	if unkeyedRec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request without derivable key, got %d", unkeyedRec.Code)
	}
}

func TestMiddlewareSkipsSafeMethods(t *testing.T) {
	store := NewMemoryStore()
	var calls atomic.Int32
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Fatal("expected GET to bypass idempotency guard")
	}
}

func TestMemoryStoreExpiresRecords(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	reservation, err := store.Reserve(context.Background(), "key-1", "fp", now, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("unexpected state: %v", reservation.State)
	}

	later := now.Add(2 * time.Minute)
	reservation, err = store.Reserve(context.Background(), "key-1", "fp", later, time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
	if reservation.State != ReservationStateNew {
		t.Fatalf("expected expired record to be reset, got %v", reservation.State)
	}

	removed, err := store.CleanupExpired(context.Background(), later.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}
}
