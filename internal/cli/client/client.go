// Package client is an HTTP client for the abuseguard API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/handlers"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("abuseguard returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// IngestResult is the response of SendEvents.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// PatternResult is the response of AddPatterns.
type PatternResult struct {
	Added  []string          `json:"added"`
	Failed map[string]string `json:"failed"`
}

// AlertQuery filters ListAlerts.
type AlertQuery struct {
	PatternID       string
	Identity        string
	IncludeResolved bool
	Limit           int
}

func (c *Client) Check(ctx context.Context, req guard.Request) (ratelimit.Decision, error) {
	var dec ratelimit.Decision
	err := c.do(ctx, http.MethodPost, "/api/v1/admission", req, &dec)
	return dec, err
}

func (c *Client) Complete(ctx context.Context, identity, policy string, responseTime time.Duration, failed bool) error {
	body := map[string]interface{}{
		"identity":         identity,
		"policy":           policy,
		"response_time_ms": responseTime.Milliseconds(),
		"failed":           failed,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/completion", body, nil)
}

func (c *Client) SendEvents(ctx context.Context, events []models.SecurityEvent) (IngestResult, error) {
	var res IngestResult
	err := c.do(ctx, http.MethodPost, "/api/v1/events", events, &res)
	return res, err
}

func (c *Client) ListMitigations(ctx context.Context, kind mitigation.Kind) ([]mitigation.Mitigation, error) {
	path := "/api/v1/admin/mitigations"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var resp struct {
		Mitigations []mitigation.Mitigation `json:"mitigations"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Mitigations, err
}

func (c *Client) Apply(ctx context.Context, kind mitigation.Kind, req handlers.MitigationRequest) (mitigation.Mitigation, error) {
	var m mitigation.Mitigation
	err := c.do(ctx, http.MethodPost, "/api/v1/admin/"+collection(kind), req, &m)
	return m, err
}

func (c *Client) Lift(ctx context.Context, kind mitigation.Kind, target, reason string) error {
	path := "/api/v1/admin/" + collection(kind) + "/" + url.PathEscape(target)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) Lists(ctx context.Context) (accesslist.Lists, error) {
	var l accesslist.Lists
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/lists", nil, &l)
	return l, err
}

func (c *Client) Allow(ctx context.Context, entry, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/allowlist", handlers.ListEntryRequest{Entry: entry, Reason: reason}, nil)
}

func (c *Client) Deny(ctx context.Context, entry string, ttl time.Duration, reason string) error {
	req := handlers.ListEntryRequest{Entry: entry, Reason: reason}
	if ttl > 0 {
		req.TTL = ttl.String()
	}
	return c.do(ctx, http.MethodPost, "/api/v1/admin/denylist", req, nil)
}

func (c *Client) RemoveAllow(ctx context.Context, entry string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/admin/allowlist/"+entry, nil, nil)
}

func (c *Client) RemoveDeny(ctx context.Context, entry string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/admin/denylist/"+entry, nil, nil)
}

func (c *Client) Patterns(ctx context.Context) ([]correlation.ThreatPattern, error) {
	var resp struct {
		Patterns []correlation.ThreatPattern `json:"patterns"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/patterns", nil, &resp)
	return resp.Patterns, err
}

// AddPatterns uploads a YAML pattern document.
func (c *Client) AddPatterns(ctx context.Context, doc []byte) (PatternResult, error) {
	var res PatternResult
	err := c.send(ctx, http.MethodPost, "/api/v1/admin/patterns", "application/yaml", bytes.NewReader(doc), &res)
	return res, err
}

func (c *Client) SetPatternActive(ctx context.Context, id string, active bool) error {
	action := "disable"
	if active {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, "/api/v1/admin/patterns/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (c *Client) RemovePattern(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/admin/patterns/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) ([]correlation.Alert, error) {
	params := url.Values{}
	if q.PatternID != "" {
		params.Set("pattern_id", q.PatternID)
	}
	if q.Identity != "" {
		params.Set("identity", q.Identity)
	}
	if q.IncludeResolved {
		params.Set("include_resolved", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/admin/alerts"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp struct {
		Alerts []correlation.Alert `json:"alerts"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Alerts, err
}

func (c *Client) ResolveAlert(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/alerts/"+url.PathEscape(id)+"/resolve", nil, nil)
}

func (c *Client) Traffic(ctx context.Context, limit int) ([]risk.TrafficPattern, error) {
	var resp struct {
		Identities []risk.TrafficPattern `json:"identities"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/traffic?limit="+strconv.Itoa(limit), nil, &resp)
	return resp.Identities, err
}

func (c *Client) Policies(ctx context.Context) ([]ratelimit.Policy, error) {
	var resp struct {
		Policies []ratelimit.Policy `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/policies", nil, &resp)
	return resp.Policies, err
}

func (c *Client) Policy(ctx context.Context, name string) (ratelimit.Policy, error) {
	var p ratelimit.Policy
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/policies/"+url.PathEscape(name), nil, &p)
	return p, err
}

func collection(kind mitigation.Kind) string {
	switch kind {
	case mitigation.KindSuspend:
		return "suspensions"
	case mitigation.KindRateLimit:
		return "ratelimits"
	default:
		return "blocks"
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, "application/json", r, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
