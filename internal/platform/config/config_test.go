package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID":   "storefront-dev",
		"API_PAYMENT_SIGNING_SECRET": "dev-signing-secret",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.ProjectID != "storefront-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Settlement.ReservationTTL != defaultReservationTTL {
		t.Errorf("unexpected default reservation ttl: %s", cfg.Settlement.ReservationTTL)
	}
	if cfg.Settlement.SweepBatchSize != defaultSweepBatchSize {
		t.Errorf("unexpected default sweep batch size: %d", cfg.Settlement.SweepBatchSize)
	}
	if cfg.Orders.DefaultPageSize != defaultOrderPageSize {
		t.Errorf("unexpected default page size: %d", cfg.Orders.DefaultPageSize)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_READ_TIMEOUT":          "20s",
		"API_SERVER_WRITE_TIMEOUT":         "25s",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_FIRESTORE_PROJECT_ID":         "storefront-prod",
		"API_FIRESTORE_EMULATOR_HOST":      "localhost:8200",
		"API_PAYMENT_STRIPE_API_KEY":       "sk_test_abc",
		"API_PAYMENT_SIGNING_SECRET":       "prod-signing-secret",
		"API_PUBSUB_PROJECT_ID":            "storefront-events",
		"API_PUBSUB_SETTLEMENT_TOPIC":      "settlement-events",
		"API_SETTLEMENT_RESERVATION_TTL":   "45m",
		"API_SETTLEMENT_SWEEP_INTERVAL":    "10m",
		"API_SETTLEMENT_SWEEP_BATCH":       "250",
		"API_ORDERS_DEFAULT_PAGE_SIZE":     "25",
		"API_ORDERS_MAX_PAGE_SIZE":         "200",
		"API_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.EmulatorHost != "localhost:8200" {
		t.Errorf("unexpected emulator host: %s", cfg.Firestore.EmulatorHost)
	}
	if cfg.Payment.StripeAPIKey != "sk_test_abc" {
		t.Errorf("unexpected stripe key: %s", cfg.Payment.StripeAPIKey)
	}
	if cfg.PubSub.ProjectID != "storefront-events" {
		t.Errorf("unexpected pubsub project: %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.Topic != "settlement-events" {
		t.Errorf("unexpected pubsub topic: %s", cfg.PubSub.Topic)
	}
	if cfg.Settlement.ReservationTTL != 45*time.Minute {
		t.Errorf("unexpected reservation ttl: %s", cfg.Settlement.ReservationTTL)
	}
	if cfg.Settlement.SweepBatchSize != 250 {
		t.Errorf("unexpected sweep batch: %d", cfg.Settlement.SweepBatchSize)
	}
	if cfg.Orders.MaxPageSize != 200 {
		t.Errorf("unexpected max page size: %d", cfg.Orders.MaxPageSize)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header: %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	_, err := Load(WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error")
	}

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	fields := validation.Fields()
	want := map[string]bool{"Firestore.ProjectID": false, "Payment.SigningSecret": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields, got %v", field, fields)
		}
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# local overrides\nexport API_SERVER_PORT=7070\nAPI_FIRESTORE_PROJECT_ID=\"storefront-local\"\nAPI_PAYMENT_SIGNING_SECRET='local-secret'\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "storefront-local" {
		t.Errorf("unexpected project id: %s", cfg.Firestore.ProjectID)
	}
	if cfg.Payment.SigningSecret != "local-secret" {
		t.Errorf("unexpected signing secret: %s", cfg.Payment.SigningSecret)
	}
}

func TestLoadEnvMapTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("API_SERVER_PORT=7070\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := map[string]string{
		"API_SERVER_PORT":            "9191",
		"API_FIRESTORE_PROJECT_ID":   "storefront-dev",
		"API_PAYMENT_SIGNING_SECRET": "dev-secret",
	}

	cfg, err := Load(WithEnvFile(envPath), WithEnvMap(env), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9191" {
		t.Errorf("expected env map to win, got %s", cfg.Server.Port)
	}
}
