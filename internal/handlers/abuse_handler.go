// Package handlers implements the HTTP API of the abuse engine.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/httputil"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// MaxEventsPerRequest bounds one POST /api/v1/events batch.
const MaxEventsPerRequest = 500

// AbuseHandler serves admission, completion and event ingestion.
type AbuseHandler struct {
	service *guard.Service
	logger  *slog.Logger
}

func NewAbuseHandler(service *guard.Service, logger *slog.Logger) *AbuseHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AbuseHandler{service: service, logger: logger.With(slog.String(logging.FieldComponent, "handlers"))}
}

// Admission answers whether a request may proceed. The decision is always
// returned with 200; rate limit headers mirror it.
func (h *AbuseHandler) Admission(w http.ResponseWriter, r *http.Request) {
	var req guard.Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identity == "" {
		req.Identity = httputil.GetClientIP(r)
	}

	dec := h.service.Check(r.Context(), req)
	dec.SetHeaders(w.Header())
	httputil.WriteJSON(w, http.StatusOK, dec)
}

type completionRequest struct {
	Identity       string `json:"identity"`
	Policy         string `json:"policy,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Failed         bool   `json:"failed"`
}

// Completion records the end of an admitted request.
func (h *AbuseHandler) Completion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identity == "" {
		httputil.WriteError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if req.ResponseTimeMs < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "response_time_ms must not be negative")
		return
	}

	h.service.Complete(r.Context(), guard.Completion{
		Identity:     req.Identity,
		Policy:       req.Policy,
		ResponseTime: time.Duration(req.ResponseTimeMs) * time.Millisecond,
		Failed:       req.Failed,
	})
	httputil.WriteNoContent(w)
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Events accepts a single security event or a JSON array of them.
func (h *AbuseHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := decodeEvents(r)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("http", "invalid").Inc()
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp ingestResponse
	for i, ev := range events {
		err := h.service.Ingest(r.Context(), ev)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, correlation.ErrQueueFull):
			h.logger.Warn("event queue full, rejecting batch remainder",
				slog.Int("accepted", resp.Accepted), slog.Int("remaining", len(events)-i))
			httputil.WriteJSON(w, http.StatusServiceUnavailable, ingestResponse{
				Accepted: resp.Accepted,
				Rejected: resp.Rejected + len(events) - i,
				Errors:   append(resp.Errors, err.Error()),
			})
			return
		default:
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("event %d: %v", i, err))
		}
	}
	metrics.EventsIngested.WithLabelValues("http", "accepted").Add(float64(resp.Accepted))

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	httputil.WriteJSON(w, status, resp)
}

func decodeEvents(r *http.Request) ([]models.SecurityEvent, error) {
	if r.Body == nil {
		return nil, errors.New("request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}

	var events []models.SecurityEvent
	if body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("invalid event batch: %w", err)
		}
	} else {
		var ev models.SecurityEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("invalid event: %w", err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch is empty")
	}
	if len(events) > MaxEventsPerRequest {
		return nil, fmt.Errorf("event batch exceeds %d events", MaxEventsPerRequest)
	}
	return events, nil
}
