package handlers

import (
	"context"
	"net/http"
	"time"
)

var startTime = time.Now()

// ReadinessCheck probes one dependency; a non-nil error marks the service
// not ready.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checks map[string]ReadinessCheck
}

// NewHealthHandlers constructs probe handlers with optional named readiness
// checks.
func NewHealthHandlers(checks map[string]ReadinessCheck) *HealthHandlers {
	return &HealthHandlers{checks: checks}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz runs every registered readiness check and reports per-check state.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	payload := map[string]any{
		"status": "ok",
		"checks": results,
	}
	if status != http.StatusOK {
		payload["status"] = "degraded"
	}
	writeJSONResponse(w, status, payload)
}
