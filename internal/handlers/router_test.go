package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRouterHealthEndpoints(t *testing.T) {
	started := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	now := started.Add(45 * time.Second)

	health := NewHealthHandlers(
		WithHealthBuildInfo("1.2.3", "test", started),
		WithHealthClock(func() time.Time { return now }),
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
	)

	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %v", body["version"])
	}
	if body["uptime"] != "45s" {
		t.Fatalf("expected uptime 45s, got %v", body["uptime"])
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestRouterReadyzReportsDegradedDependency(t *testing.T) {
	health := NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
		WithReadinessCheck("pubsub", func(context.Context) error { return errors.New("publish failed") }),
	)

	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var body struct {
		Status  string   `json:"status"`
		Details []string `json:"details"`
		Checks  map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected status degraded, got %s", body.Status)
	}
	if len(body.Details) != 1 || body.Details[0] != "pubsub: publish failed" {
		t.Fatalf("expected pubsub detail, got %v", body.Details)
	}
	if body.Checks["firestore"].Status != "ok" {
		t.Fatalf("expected firestore ok, got %s", body.Checks["firestore"].Status)
	}
}

func TestRouterUnknownRouteReturnsEnvelope(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/nonsense/path", nil))

	if rr.Code != http.StatusNotImplemented && rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 or 501, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/totally/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("expected %s, got %v", errorNotFoundCode, body["error"])
	}
}

func TestRouterMountsRegisteredGroups(t *testing.T) {
	var ordersHit, webhooksHit bool

	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				ordersHit = true
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithWebhookRoutes(func(r chi.Router) {
			r.Post("/payment", func(w http.ResponseWriter, req *http.Request) {
				webhooksHit = true
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/", nil))
	if rr.Code != http.StatusOK || !ordersHit {
		t.Fatalf("expected orders group hit, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", nil))
	if rr.Code != http.StatusOK || !webhooksHit {
		t.Fatalf("expected webhooks group hit, got %d", rr.Code)
	}
}

func TestRouterAppliesWebhookMiddlewares(t *testing.T) {
	var middlewareSaw string

	router := NewRouter(
		WithWebhookRoutes(func(r chi.Router) {
			r.Post("/payment", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithWebhookMiddlewares(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				middlewareSaw = req.URL.Path
				next.ServeHTTP(w, req)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if middlewareSaw == "" {
		t.Fatal("expected webhook middleware to run")
	}
}

func TestRouterUnconfiguredGroupReturnsNotImplemented(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", nil))

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected status 501, got %d", rr.Code)
	}
}
