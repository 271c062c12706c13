package handlers

import (
	"net/http"

	"github.com/phan28395/PDFTEXT-sub002/internal/httputil"
)

// ReadinessCheck reports a dependency as unavailable by returning an error.
type ReadinessCheck func() error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	version string
	checks  map[string]ReadinessCheck
}

func NewHealthHandler(version string, checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{version: version, checks: checks}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

// Ready fails with 503 while any readiness check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range h.checks {
		if err := check(); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "checks": failing})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
