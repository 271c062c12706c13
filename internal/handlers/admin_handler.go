package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/auth"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/httputil"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
)

// AdminHandler serves the operator API. Routes are expected behind
// auth.TokenManager.RequireToken.
type AdminHandler struct {
	service  *guard.Service
	defaults MitigationDefaults
	logger   *slog.Logger
}

// MitigationDefaults are used when a request omits the duration.
type MitigationDefaults struct {
	Block   time.Duration
	Suspend time.Duration
}

func NewAdminHandler(service *guard.Service, defaults MitigationDefaults, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AdminHandler{
		service:  service,
		defaults: defaults,
		logger:   logger.With(slog.String(logging.FieldComponent, "admin")),
	}
}

// MitigationRequest applies a block, suspension or rate limit override.
type MitigationRequest struct {
	Target   string  `json:"target"`
	Duration string  `json:"duration"`
	Factor   float64 `json:"factor,omitempty"`
	Reason   string  `json:"reason"`
}

// ListEntryRequest adds an allow or deny list entry.
type ListEntryRequest struct {
	Entry  string `json:"entry"`
	TTL    string `json:"ttl,omitempty"`
	Reason string `json:"reason"`
}

// ListMitigations returns active mitigations, optionally of one kind.
func (h *AdminHandler) ListMitigations(w http.ResponseWriter, r *http.Request) {
	kinds := []mitigation.Kind{mitigation.KindBlock, mitigation.KindSuspend, mitigation.KindRateLimit}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind := mitigation.Kind(k)
		if !kind.IsValid() {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown mitigation kind %q", k))
			return
		}
		kinds = []mitigation.Kind{kind}
	}

	out := []mitigation.Mitigation{}
	for _, kind := range kinds {
		active, err := h.service.Actuator.Active(r.Context(), kind)
		if err != nil {
			h.logger.Error("failed to list mitigations", slog.String("kind", string(kind)), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list mitigations")
			return
		}
		out = append(out, active...)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"mitigations": out})
}

// Apply handles POST /api/v1/admin/{kind}s.
func (h *AdminHandler) Apply(kind mitigation.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MitigationRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Target == "" {
			httputil.WriteError(w, http.StatusBadRequest, "target is required")
			return
		}
		d, err := h.duration(kind, req.Duration)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx := r.Context()
		cause := mitigation.Cause{Reason: h.manualReason(r, req.Reason)}
		switch kind {
		case mitigation.KindBlock:
			err = h.service.Actuator.Block(ctx, req.Target, d, cause)
		case mitigation.KindSuspend:
			err = h.service.Actuator.Suspend(ctx, req.Target, d, cause)
		case mitigation.KindRateLimit:
			err = h.service.Actuator.TightenRateLimit(ctx, req.Target,
				mitigation.RateLimitParams{Factor: req.Factor, Duration: d}, cause)
		}
		if err != nil {
			writeMitigationError(w, err)
			return
		}

		m, _ := h.service.Actuator.Get(ctx, kind, req.Target)
		h.logger.Info("manual mitigation applied",
			slog.String("kind", string(kind)), logging.Identity(req.Target),
			slog.String("operator", auth.Operator(ctx)), slog.Duration("duration", d))
		httputil.WriteJSON(w, http.StatusCreated, m)
	}
}

// Lift handles DELETE /api/v1/admin/{kind}s/{target}.
func (h *AdminHandler) Lift(kind mitigation.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		ctx := r.Context()
		reason := h.manualReason(r, r.URL.Query().Get("reason"))

		var removed bool
		var err error
		switch kind {
		case mitigation.KindBlock:
			removed, err = h.service.Unblock(ctx, target, reason)
		case mitigation.KindSuspend:
			removed, err = h.service.Actuator.Unsuspend(ctx, target, reason)
		case mitigation.KindRateLimit:
			removed, err = h.service.Actuator.LiftRateLimit(ctx, target, reason)
		}
		if err != nil {
			writeMitigationError(w, err)
			return
		}
		if !removed {
			httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("no active %s for %s", kind, target))
			return
		}
		httputil.WriteNoContent(w)
	}
}

// GetLists returns both access lists.
func (h *AdminHandler) GetLists(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.Lists.Lists())
}

// AddAllow handles POST /api/v1/admin/allowlist.
func (h *AdminHandler) AddAllow(w http.ResponseWriter, r *http.Request) {
	var req ListEntryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.Allow(r.Context(), req.Entry, h.manualReason(r, req.Reason)); err != nil {
		writeListError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"entry": req.Entry})
}

// AddDeny handles POST /api/v1/admin/denylist. An empty ttl never expires.
func (h *AdminHandler) AddDeny(w http.ResponseWriter, r *http.Request) {
	var req ListEntryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q", req.TTL))
			return
		}
		ttl = d
	}
	if err := h.service.Deny(r.Context(), req.Entry, ttl, h.manualReason(r, req.Reason)); err != nil {
		writeListError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"entry": req.Entry})
}

// RemoveAllow handles DELETE /api/v1/admin/allowlist/{entry...}.
func (h *AdminHandler) RemoveAllow(w http.ResponseWriter, r *http.Request) {
	if !h.service.Lists.RemoveAllow(r.PathValue("entry")) {
		httputil.WriteError(w, http.StatusNotFound, "entry not found")
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveDeny handles DELETE /api/v1/admin/denylist/{entry...}.
func (h *AdminHandler) RemoveDeny(w http.ResponseWriter, r *http.Request) {
	if !h.service.Lists.RemoveDeny(r.PathValue("entry")) {
		httputil.WriteError(w, http.StatusNotFound, "entry not found")
		return
	}
	httputil.WriteNoContent(w)
}

// ListPatterns returns every loaded threat pattern.
func (h *AdminHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"patterns": h.service.Engine.Patterns()})
}

// GetPattern returns one threat pattern.
func (h *AdminHandler) GetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Engine.Pattern(r.PathValue("id"))
	if err != nil {
		writePatternError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// AddPatterns installs patterns from a YAML document in the pattern file
// layout. Existing patterns with the same id are replaced.
func (h *AdminHandler) AddPatterns(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	patterns, err := correlation.ParsePatterns(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(patterns) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "no patterns in request")
		return
	}

	added := []string{}
	failed := map[string]string{}
	for _, p := range patterns {
		if p.LoadError != "" {
			failed[p.ID] = p.LoadError
			continue
		}
		if err := h.service.Engine.AddPattern(p); err != nil {
			failed[p.ID] = err.Error()
			continue
		}
		added = append(added, p.ID)
		h.logger.Info("threat pattern installed", logging.PatternID(p.ID), slog.String("operator", auth.Operator(r.Context())))
	}

	status := http.StatusCreated
	if len(added) == 0 {
		status = http.StatusBadRequest
	}
	httputil.WriteJSON(w, status, map[string]interface{}{"added": added, "failed": failed})
}

// RemovePattern handles DELETE /api/v1/admin/patterns/{id}.
func (h *AdminHandler) RemovePattern(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Engine.RemovePattern(r.PathValue("id")); err != nil {
		writePatternError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetPatternActive enables or disables a pattern.
func (h *AdminHandler) SetPatternActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		if active {
			err = h.service.Engine.EnablePattern(id)
		} else {
			err = h.service.Engine.DisablePattern(id)
		}
		if err != nil {
			writePatternError(w, err)
			return
		}
		p, _ := h.service.Engine.Pattern(id)
		httputil.WriteJSON(w, http.StatusOK, p)
	}
}

// ListAlerts returns alerts, newest first. Query parameters: pattern_id,
// identity, include_resolved and limit.
func (h *AdminHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeResolved, _ := strconv.ParseBool(q.Get("include_resolved"))
	alerts := h.service.Engine.Alerts(correlation.AlertFilter{
		IncludeResolved: includeResolved,
		PatternID:       q.Get("pattern_id"),
		Identity:        q.Get("identity"),
	})
	if limit := httputil.ParseIntParam(q.Get("limit"), 0); limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	if alerts == nil {
		alerts = []*correlation.Alert{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// GetAlert handles GET /api/v1/admin/alerts/{id}.
func (h *AdminHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Engine.Alert(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// ResolveAlert handles POST /api/v1/admin/alerts/{id}/resolve.
func (h *AdminHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Engine.ResolveAlert(id); err != nil {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	a, _ := h.service.Engine.Alert(id)
	httputil.WriteJSON(w, http.StatusOK, a)
}

// ListPolicies returns the configured rate limit policies sorted by name.
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"policies": h.service.Policies.All()})
}

// GetPolicy returns one rate limit policy. Unknown names are not resolved
// to the fallback policy.
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.service.Policies.Lookup(r.PathValue("name"))
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "policy not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// TrafficPatterns returns the risk scorer's tracked identities, highest
// score first.
func (h *AdminHandler) TrafficPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := h.service.Scorer.Patterns()
	if limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100); limit > 0 && len(patterns) > limit {
		patterns = patterns[:limit]
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"identities": patterns})
}

func (h *AdminHandler) duration(kind mitigation.Kind, s string) (time.Duration, error) {
	if s == "" {
		switch kind {
		case mitigation.KindBlock:
			if h.defaults.Block > 0 {
				return h.defaults.Block, nil
			}
		case mitigation.KindSuspend:
			if h.defaults.Suspend > 0 {
				return h.defaults.Suspend, nil
			}
		}
		return 0, errors.New("duration is required")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func (h *AdminHandler) manualReason(r *http.Request, reason string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("manual by %s: %s", auth.Operator(r.Context()), reason)
}

func writeMitigationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mitigation.ErrInvalidDuration),
		errors.Is(err, mitigation.ErrInvalidFactor),
		errors.Is(err, mitigation.ErrInvalidTarget):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "mitigation store unavailable")
	}
}

func writeListError(w http.ResponseWriter, err error) {
	if errors.Is(err, accesslist.ErrInvalidEntry) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}

func writePatternError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, correlation.ErrPatternNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, correlation.ErrInvalidPattern):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
