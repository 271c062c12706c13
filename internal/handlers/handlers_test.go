package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/counter"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
)

func newTestService(t *testing.T, queueSize int) (*guard.Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	lists := accesslist.New(accesslist.WithClock(clock))
	policies, err := ratelimit.NewPolicies([]ratelimit.Policy{
		{Name: "api", Window: time.Minute, MaxRequests: 2, UseAccessLists: true},
		{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5, ExponentialBackoff: true, UseAccessLists: true},
	}, "api")
	require.NoError(t, err)
	scorer := risk.NewScorer(risk.DefaultConfig(), risk.WithClock(clock))
	actuator := mitigation.NewActuator(mitigation.NewMemoryStore(), mitigation.WithClock(clock))
	decider := ratelimit.NewDecider(counter.NewMemoryStore(counter.WithClock(clock)), lists,
		ratelimit.WithClock(clock), ratelimit.WithFloodDetector(scorer), ratelimit.WithOverrides(actuator))
	engine := correlation.NewEngine(correlation.Config{QueueSize: queueSize}, actuator, correlation.WithClock(clock))
	engine.LoadPatterns(correlation.DefaultPatterns())

	return guard.New(guard.Components{
		Lists:    lists,
		Policies: policies,
		Decider:  decider,
		Scorer:   scorer,
		Actuator: actuator,
		Engine:   engine,
	}, guard.WithClock(clock)), clock
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestAdmission(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAbuseHandler(svc, nil)

	body := `{"identity":"198.51.100.1","method":"GET","target":"/","protocol":"HTTP/1.1","host":"app",
		"headers":{"User-Agent":["Mozilla/5.0 Firefox/128.0"],"Accept":["*/*"],"Accept-Language":["en"]}}`
	for i, want := range []bool{true, true, false} {
		rr := httptest.NewRecorder()
		h.Admission(rr, httptest.NewRequest(http.MethodPost, "/api/v1/admission", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, rr.Code)
		out := decode(t, rr)
		assert.Equal(t, want, out["allowed"], "request %d", i+1)
		assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
		if !want {
			assert.Equal(t, ratelimit.ReasonLimitExceeded, out["reason"])
			assert.Equal(t, "60", rr.Header().Get("Retry-After"))
		}
	}
}

func TestAdmission_DefaultsIdentityToClientIP(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAbuseHandler(svc, nil)
	require.NoError(t, svc.Actuator.Block(context.Background(), "192.0.2.99", time.Hour, mitigation.Cause{}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admission", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "192.0.2.99")
	rr := httptest.NewRecorder()
	h.Admission(rr, req)

	out := decode(t, rr)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, ratelimit.ReasonMitigationActive, out["reason"])
	assert.Equal(t, "block", out["mitigation"])
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))
}

func TestCompletion(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAbuseHandler(svc, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "ok", body: `{"identity":"198.51.100.2","response_time_ms":120,"failed":true}`, want: http.StatusNoContent},
		{name: "missing identity", body: `{"failed":true}`, want: http.StatusBadRequest},
		{name: "negative time", body: `{"identity":"x","response_time_ms":-1}`, want: http.StatusBadRequest},
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.Completion(rr, httptest.NewRequest(http.MethodPost, "/api/v1/completion", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestEvents(t *testing.T) {
	tests := []struct {
		name         string
		queueSize    int
		body         string
		wantStatus   int
		wantAccepted float64
	}{
		{
			name:         "single event",
			queueSize:    8,
			body:         `{"type":"auth_failure","identity":"203.0.113.5"}`,
			wantStatus:   http.StatusAccepted,
			wantAccepted: 1,
		},
		{
			name:         "batch with invalid member",
			queueSize:    8,
			body:         `[{"type":"auth_failure","identity":"a"},{"type":"auth_failure"},{"type":"csp_violation","identity":"b"}]`,
			wantStatus:   http.StatusAccepted,
			wantAccepted: 2,
		},
		{
			name:       "all invalid",
			queueSize:  8,
			body:       `[{"identity":"a"}]`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty batch",
			queueSize:  8,
			body:       `[]`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not json",
			queueSize:  8,
			body:       `hello`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:         "queue full",
			queueSize:    1,
			body:         `[{"type":"auth_failure","identity":"a"},{"type":"auth_failure","identity":"b"}]`,
			wantStatus:   http.StatusServiceUnavailable,
			wantAccepted: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, tt.queueSize)
			h := NewAbuseHandler(svc, nil)
			rr := httptest.NewRecorder()
			h.Events(rr, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantAccepted > 0 {
				assert.Equal(t, tt.wantAccepted, decode(t, rr)["accepted"])
			}
		})
	}
}

func TestAdmin_Mitigations(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAdminHandler(svc, MitigationDefaults{Block: time.Hour, Suspend: 24 * time.Hour}, nil)

	rr := httptest.NewRecorder()
	h.Apply(mitigation.KindBlock)(rr, httptest.NewRequest(http.MethodPost, "/api/v1/admin/blocks",
		strings.NewReader(`{"target":"203.0.113.7","reason":"abuse report"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, "203.0.113.7", out["target"])
	assert.Equal(t, "manual by unknown: abuse report", out["reason"])
	assert.True(t, svc.Actuator.IsBlocked(context.Background(), "203.0.113.7"))

	rr = httptest.NewRecorder()
	h.Apply(mitigation.KindRateLimit)(rr, httptest.NewRequest(http.MethodPost, "/api/v1/admin/ratelimits",
		strings.NewReader(`{"target":"203.0.113.8","factor":1.5,"duration":"1h"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.Apply(mitigation.KindRateLimit)(rr, httptest.NewRequest(http.MethodPost, "/api/v1/admin/ratelimits",
		strings.NewReader(`{"target":"203.0.113.8","factor":0.5}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code, "rate limits need an explicit duration")

	rr = httptest.NewRecorder()
	h.Apply(mitigation.KindSuspend)(rr, httptest.NewRequest(http.MethodPost, "/api/v1/admin/suspensions",
		strings.NewReader(`{"target":"acct-1","duration":"2h"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.ListMitigations(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/mitigations", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["mitigations"], 2)

	rr = httptest.NewRecorder()
	h.ListMitigations(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/mitigations?kind=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	lift := func(target string) int {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/blocks/"+target, nil)
		req.SetPathValue("target", target)
		rr := httptest.NewRecorder()
		h.Lift(mitigation.KindBlock)(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusNoContent, lift("203.0.113.7"))
	assert.Equal(t, http.StatusNotFound, lift("203.0.113.7"))
}

func TestAdmin_Lists(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAdminHandler(svc, MitigationDefaults{}, nil)

	rr := httptest.NewRecorder()
	h.AddAllow(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"entry":"10.0.0.0/8","reason":"office"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	h.AddDeny(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"entry":"192.0.2.66","ttl":"bad"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.AddDeny(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"entry":"192.0.2.66","ttl":"30m"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.True(t, svc.Lists.IsDenied("192.0.2.66"))

	rr = httptest.NewRecorder()
	h.GetLists(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	var lists accesslist.Lists
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lists))
	assert.Len(t, lists.Allow, 1)
	assert.Len(t, lists.Deny, 1)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.SetPathValue("entry", "10.0.0.0/8")
	rr = httptest.NewRecorder()
	h.RemoveAllow(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.RemoveAllow(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

const patternYAML = `
patterns:
  - id: refund_abuse
    name: Refund abuse
    severity: high
    window: 1h
    threshold: 3
    conditions:
      - field: type
        operator: eq
        value: payment_failure
      - field: identity
        operator: eq
        value_from: identity
    actions:
      - type: alert
  - id: broken
    name: Broken
    severity: low
    window: soon
    threshold: 1
    conditions:
      - field: type
        operator: eq
        value: auth_failure
    actions:
      - type: alert
`

func TestAdmin_Patterns(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAdminHandler(svc, MitigationDefaults{}, nil)

	rr := httptest.NewRecorder()
	h.AddPatterns(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(patternYAML)))
	require.Equal(t, http.StatusCreated, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, []interface{}{"refund_abuse"}, out["added"])
	assert.Contains(t, out["failed"], "broken")

	withID := func(method, id string) *http.Request {
		req := httptest.NewRequest(method, "/", nil)
		req.SetPathValue("id", id)
		return req
	}

	rr = httptest.NewRecorder()
	h.SetPatternActive(false)(rr, withID(http.MethodPost, "refund_abuse"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode(t, rr)["active"])

	rr = httptest.NewRecorder()
	h.GetPattern(rr, withID(http.MethodGet, "missing"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.RemovePattern(rr, withID(http.MethodDelete, "refund_abuse"))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ListPatterns(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, decode(t, rr)["patterns"], len(correlation.DefaultPatterns()))
}

func TestAdmin_Policies(t *testing.T) {
	svc, _ := newTestService(t, 16)
	h := NewAdminHandler(svc, MitigationDefaults{}, nil)

	rr := httptest.NewRecorder()
	h.ListPolicies(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	policies, ok := decode(t, rr)["policies"].([]interface{})
	require.True(t, ok)
	require.Len(t, policies, 2)
	assert.Equal(t, "api", policies[0].(map[string]interface{})["name"])
	assert.Equal(t, "auth", policies[1].(map[string]interface{})["name"])

	tests := []struct {
		name       string
		policy     string
		wantStatus int
		wantMax    float64
	}{
		{name: "configured policy", policy: "auth", wantStatus: http.StatusOK, wantMax: 5},
		{name: "unknown policy does not fall back", policy: "upload", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.SetPathValue("name", tt.policy)
			rr := httptest.NewRecorder()
			h.GetPolicy(rr, req)
			require.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				out := decode(t, rr)
				assert.Equal(t, tt.policy, out["name"])
				assert.Equal(t, tt.wantMax, out["max_requests"])
				assert.Equal(t, true, out["exponential_backoff"])
			}
		})
	}
}

func TestAdmin_Alerts(t *testing.T) {
	svc, clock := newTestService(t, 16)
	h := NewAdminHandler(svc, MitigationDefaults{}, nil)
	ctx := context.Background()

	var alerts []*correlation.Alert
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		ev := correlationEvent("203.0.113.20")
		ev.Timestamp = clock.Now()
		alerts = append(alerts, svc.Engine.Process(ctx, ev)...)
	}
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	rr := httptest.NewRecorder()
	h.ListAlerts(rr, httptest.NewRequest(http.MethodGet, "/?pattern_id=brute_force_login", nil))
	assert.Len(t, decode(t, rr)["alerts"], 1)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetPathValue("id", id)
	rr = httptest.NewRecorder()
	h.ResolveAlert(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["resolved"])

	rr = httptest.NewRecorder()
	h.ListAlerts(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, decode(t, rr)["alerts"])

	rr = httptest.NewRecorder()
	h.ListAlerts(rr, httptest.NewRequest(http.MethodGet, "/?include_resolved=true", nil))
	assert.Len(t, decode(t, rr)["alerts"], 1)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetPathValue("id", "nope")
	rr = httptest.NewRecorder()
	h.GetAlert(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler("test", map[string]ReadinessCheck{
		"ok": func() error { return nil },
	})
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	h = NewHealthHandler("test", map[string]ReadinessCheck{
		"nats": func() error { return assert.AnError },
	})
	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func correlationEvent(identity string) models.SecurityEvent {
	return models.SecurityEvent{Type: models.EventAuthFailure, Identity: identity}
}
