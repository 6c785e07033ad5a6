package handler

import (
	"net/http"
	"time"

	"github.com/mir00r/region-router/internal/endpoint"
)

// HealthHandler serves the liveness and readiness probes
type HealthHandler struct {
	manager   *endpoint.Manager
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. Readiness follows the
// manager's topology: the process is ready once regions are known.
func NewHealthHandler(manager *endpoint.Manager, version string) *HealthHandler {
	return &HealthHandler{
		manager:   manager,
		startTime: time.Now(),
		version:   version,
	}
}

// ReadinessHandler checks if the router knows the account topology
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if h.manager != nil && !h.manager.HasTopology() {
		status, code = "topology_unknown", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}

// LivenessHandler checks if the application is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}
