package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/auth"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/counter"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/handlers"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
)

func newTestRouter(t *testing.T) (http.Handler, *auth.TokenManager) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	lists := accesslist.New(accesslist.WithClock(clock))
	policies, err := ratelimit.NewPolicies([]ratelimit.Policy{
		{Name: "api", Window: time.Minute, MaxRequests: 10, UseAccessLists: true},
	}, "api")
	require.NoError(t, err)
	scorer := risk.NewScorer(risk.DefaultConfig(), risk.WithClock(clock))
	actuator := mitigation.NewActuator(mitigation.NewMemoryStore(), mitigation.WithClock(clock))
	decider := ratelimit.NewDecider(counter.NewMemoryStore(counter.WithClock(clock)), lists, ratelimit.WithClock(clock))
	engine := correlation.NewEngine(correlation.Config{QueueSize: 8}, actuator, correlation.WithClock(clock))
	engine.LoadPatterns(correlation.DefaultPatterns())
	svc := guard.New(guard.Components{
		Lists: lists, Policies: policies, Decider: decider,
		Scorer: scorer, Actuator: actuator, Engine: engine,
	}, guard.WithClock(clock))

	tm := auth.NewTokenManager("router-test-secret", "abuseguard", time.Hour, clock)
	return NewRouter(RouterConfig{
		Abuse:  handlers.NewAbuseHandler(svc, nil),
		Admin:  handlers.NewAdminHandler(svc, handlers.MitigationDefaults{Block: time.Hour}, nil),
		Health: handlers.NewHealthHandler("test", nil),
		Tokens: tm,
	}), tm
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/api/v1/admission", `{"identity":"192.0.2.1"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/completion", `{"identity":"192.0.2.1"}`, http.StatusNoContent},
		{http.MethodPost, "/api/v1/events", `{"type":"auth_failure","identity":"192.0.2.1"}`, http.StatusAccepted},
		{http.MethodGet, "/api/v1/admission", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rr.Code)
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	router, tm := newTestRouter(t)
	admin, err := tm.Issue("alice", []string{auth.RoleAdmin})
	require.NoError(t, err)
	viewer, err := tm.Issue("bob", []string{auth.RoleViewer})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/v1/admin/alerts", want: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, path: "/api/v1/admin/alerts", token: "abc", want: http.StatusUnauthorized},
		{name: "viewer reads", method: http.MethodGet, path: "/api/v1/admin/patterns", token: viewer, want: http.StatusOK},
		{name: "viewer cannot block", method: http.MethodPost, path: "/api/v1/admin/blocks",
			body: `{"target":"192.0.2.5"}`, token: viewer, want: http.StatusForbidden},
		{name: "admin blocks", method: http.MethodPost, path: "/api/v1/admin/blocks",
			body: `{"target":"192.0.2.5","reason":"test"}`, token: admin, want: http.StatusCreated},
		{name: "admin unblocks", method: http.MethodDelete, path: "/api/v1/admin/blocks/192.0.2.5", token: admin, want: http.StatusNoContent},
		{name: "admin denies cidr", method: http.MethodPost, path: "/api/v1/admin/denylist",
			body: `{"entry":"198.51.100.0/24"}`, token: admin, want: http.StatusCreated},
		{name: "admin removes cidr", method: http.MethodDelete, path: "/api/v1/admin/denylist/198.51.100.0/24", token: admin, want: http.StatusNoContent},
		{name: "disable pattern", method: http.MethodPost, path: "/api/v1/admin/patterns/brute_force_login/disable", token: admin, want: http.StatusOK},
		{name: "unknown pattern", method: http.MethodPost, path: "/api/v1/admin/patterns/nope/enable", token: admin, want: http.StatusNotFound},
		{name: "traffic", method: http.MethodGet, path: "/api/v1/admin/traffic", token: viewer, want: http.StatusOK},
		{name: "viewer lists policies", method: http.MethodGet, path: "/api/v1/admin/policies", token: viewer, want: http.StatusOK},
		{name: "policy by name", method: http.MethodGet, path: "/api/v1/admin/policies/api", token: viewer, want: http.StatusOK},
		{name: "unknown policy", method: http.MethodGet, path: "/api/v1/admin/policies/upload", token: admin, want: http.StatusNotFound},
		{name: "policies need token", method: http.MethodGet, path: "/api/v1/admin/policies", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}
