package api

import (
	"context"
	"net/http"
	"time"
)

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Health serves liveness and readiness probes.
type Health struct {
	service string
	checks  map[string]Checker
}

// NewHealth creates probes for service. Register dependencies with Add.
func NewHealth(service string) *Health {
	return &Health{service: service, checks: make(map[string]Checker)}
}

// Add registers a readiness check.
func (h *Health) Add(name string, c Checker) {
	h.checks[name] = c
}

// Liveness handles GET /health and /healthz. It never touches dependencies.
func (h *Health) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.service})
}

// Readiness handles GET /readyz. It fails with 503 if any check fails.
func (h *Health) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}
