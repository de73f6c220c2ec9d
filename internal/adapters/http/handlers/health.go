package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/ports"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) ports.HealthStatus

// HealthHandler serves the liveness endpoint and per-service checks for
// database, redis and each enabled provider.
type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	if checks == nil {
		checks = map[string]HealthCheck{}
	}
	return &HealthHandler{checks: checks}
}

// Handle implements GET /health. It never touches dependencies; it only
// says the process is up.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// HandleService implements GET /health/{service}.
func (h *HealthHandler) HandleService(w http.ResponseWriter, r *http.Request) {
	name, ok := urlParam(r, w, "service")
	if !ok {
		return
	}
	check, known := h.checks[name]
	if !known {
		respondError(w, r, domain.NewNotFound("unknown service: "+name))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := check(ctx)
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, map[string]any{
		"service": name,
		"ok":      status.OK,
		"detail":  status.Detail,
	}, code)
}
