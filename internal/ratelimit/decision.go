package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Rejection reasons.
const (
	ReasonBlocked          = "blocked"
	ReasonSuspicious       = "suspicious traffic pattern"
	ReasonBackoff          = "too many failed attempts"
	ReasonLimitExceeded    = "rate limit exceeded"
	ReasonMitigationActive = "mitigation active"
)

// Decision is the outcome of an admission check. It carries what a caller
// needs to set standard rate limit response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	Reason     string

	// Set by the risk scorer when it ran.
	RiskScore  int
	Mitigation string
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// SetHeaders writes X-RateLimit-* and, for rejections, Retry-After.
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	}
	if !d.Allowed {
		secs := d.RetryAfterSeconds()
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

type decisionJSON struct {
	Allowed           bool   `json:"allowed"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	ResetTimeEpochMs  int64  `json:"reset_time_epoch_ms"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RiskScore         int    `json:"risk_score,omitempty"`
	Mitigation        string `json:"mitigation,omitempty"`
}

// MarshalJSON renders the admission contract shape.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{
		Allowed:    d.Allowed,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		Reason:     d.Reason,
		RiskScore:  d.RiskScore,
		Mitigation: d.Mitigation,
	}
	if !d.ResetTime.IsZero() {
		out.ResetTimeEpochMs = d.ResetTime.UnixMilli()
	}
	if !d.Allowed {
		secs := d.RetryAfterSeconds()
		out.RetryAfterSeconds = &secs
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var in decisionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = Decision{
		Allowed:    in.Allowed,
		Limit:      in.Limit,
		Remaining:  in.Remaining,
		Reason:     in.Reason,
		RiskScore:  in.RiskScore,
		Mitigation: in.Mitigation,
	}
	if in.ResetTimeEpochMs > 0 {
		d.ResetTime = time.UnixMilli(in.ResetTimeEpochMs)
	}
	if in.RetryAfterSeconds != nil {
		d.RetryAfter = time.Duration(*in.RetryAfterSeconds) * time.Second
	}
	return nil
}
