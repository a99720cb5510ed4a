package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// ReadinessCheck probes a single backing dependency.
type ReadinessCheck func(ctx context.Context) error

type healthConfig struct {
	version     string
	environment string
	startedAt   time.Time
	clock       func() time.Time
	checks      map[string]ReadinessCheck
}

// HealthOption customises the health handlers before construction.
type HealthOption func(*healthConfig)

// WithHealthBuildInfo records the build metadata reported by /healthz.
func WithHealthBuildInfo(version, environment string, startedAt time.Time) HealthOption {
	return func(cfg *healthConfig) {
		cfg.version = version
		cfg.environment = environment
		cfg.startedAt = startedAt
	}
}

// WithHealthClock overrides the time source used for uptime reporting.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(cfg *healthConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithReadinessCheck adds a named dependency probe evaluated by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(cfg *healthConfig) {
		if name == "" || check == nil {
			return
		}
		cfg.checks[name] = check
	}
}

// HealthHandlers serves the /healthz and /readyz endpoints.
type HealthHandlers struct {
	cfg healthConfig
}

// NewHealthHandlers constructs health handlers with the provided options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	cfg := healthConfig{
		startedAt: time.Now().UTC(),
		clock:     func() time.Time { return time.Now().UTC() },
		checks:    make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &HealthHandlers{cfg: cfg}
}

// Healthz reports process liveness without touching any dependency.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.cfg.clock()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.cfg.startedAt).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.cfg.version != "" {
		payload["version"] = h.cfg.version
	}
	if h.cfg.environment != "" {
		payload["environment"] = h.cfg.environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz runs every registered dependency probe and reports 503 when any fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	checks := make(map[string]any, len(h.cfg.checks))
	details := make([]string, 0)

	names := make([]string, 0, len(h.cfg.checks))
	for name := range h.cfg.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.cfg.checks[name](ctx); err != nil {
			status = "degraded"
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			details = append(details, name+": "+err.Error())
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	payload := map[string]any{
		"status":  status,
		"checks":  checks,
		"details": details,
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, payload)
}
