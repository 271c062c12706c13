package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phan28395/PDFTEXT-sub002/internal/auth"
	"github.com/phan28395/PDFTEXT-sub002/internal/handlers"
	"github.com/phan28395/PDFTEXT-sub002/internal/middleware"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
)

// RouterConfig holds the handlers served by the abuseguard API.
type RouterConfig struct {
	Abuse  *handlers.AbuseHandler
	Admin  *handlers.AdminHandler
	Health *handlers.HealthHandler
	Tokens *auth.TokenManager
}

// NewRouter constructs a ServeMux with abuseguard API routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	// Engine endpoints called by the protected application
	mux.HandleFunc("POST /api/v1/admission", cfg.Abuse.Admission)
	mux.HandleFunc("POST /api/v1/completion", cfg.Abuse.Completion)
	mux.HandleFunc("POST /api/v1/events", cfg.Abuse.Events)

	// Operator endpoints
	read := func(h http.HandlerFunc) http.Handler {
		return cfg.Tokens.RequireToken(auth.RoleAdmin, auth.RoleViewer)(h)
	}
	write := func(h http.HandlerFunc) http.Handler {
		return cfg.Tokens.RequireToken(auth.RoleAdmin)(h)
	}
	a := cfg.Admin

	mux.Handle("GET /api/v1/admin/mitigations", read(a.ListMitigations))
	mux.Handle("POST /api/v1/admin/blocks", write(a.Apply(mitigation.KindBlock)))
	mux.Handle("DELETE /api/v1/admin/blocks/{target}", write(a.Lift(mitigation.KindBlock)))
	mux.Handle("POST /api/v1/admin/suspensions", write(a.Apply(mitigation.KindSuspend)))
	mux.Handle("DELETE /api/v1/admin/suspensions/{target}", write(a.Lift(mitigation.KindSuspend)))
	mux.Handle("POST /api/v1/admin/ratelimits", write(a.Apply(mitigation.KindRateLimit)))
	mux.Handle("DELETE /api/v1/admin/ratelimits/{target}", write(a.Lift(mitigation.KindRateLimit)))

	mux.Handle("GET /api/v1/admin/lists", read(a.GetLists))
	mux.Handle("POST /api/v1/admin/allowlist", write(a.AddAllow))
	mux.Handle("DELETE /api/v1/admin/allowlist/{entry...}", write(a.RemoveAllow))
	mux.Handle("POST /api/v1/admin/denylist", write(a.AddDeny))
	mux.Handle("DELETE /api/v1/admin/denylist/{entry...}", write(a.RemoveDeny))

	mux.Handle("GET /api/v1/admin/patterns", read(a.ListPatterns))
	mux.Handle("POST /api/v1/admin/patterns", write(a.AddPatterns))
	mux.Handle("GET /api/v1/admin/patterns/{id}", read(a.GetPattern))
	mux.Handle("DELETE /api/v1/admin/patterns/{id}", write(a.RemovePattern))
	mux.Handle("POST /api/v1/admin/patterns/{id}/enable", write(a.SetPatternActive(true)))
	mux.Handle("POST /api/v1/admin/patterns/{id}/disable", write(a.SetPatternActive(false)))

	mux.Handle("GET /api/v1/admin/alerts", read(a.ListAlerts))
	mux.Handle("GET /api/v1/admin/alerts/{id}", read(a.GetAlert))
	mux.Handle("POST /api/v1/admin/alerts/{id}/resolve", write(a.ResolveAlert))

	mux.Handle("GET /api/v1/admin/traffic", read(a.TrafficPatterns))

	mux.Handle("GET /api/v1/admin/policies", read(a.ListPolicies))
	mux.Handle("GET /api/v1/admin/policies/{name}", read(a.GetPolicy))

	// Health endpoints
	mux.HandleFunc("GET /healthz", cfg.Health.Health)
	mux.HandleFunc("GET /readyz", cfg.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
