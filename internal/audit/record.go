// Package audit exports records of applied and expired mitigations and of
// threat alerts.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action types of audit records.
const (
	ActionBlock       = "block"
	ActionUnblock     = "unblock"
	ActionSuspend     = "suspend"
	ActionUnsuspend   = "unsuspend"
	ActionRateLimit   = "rate_limit"
	ActionUnrateLimit = "rate_limit_lifted"
	ActionExpired     = "expired"
	ActionAllow       = "allowlist_add"
	ActionDeny        = "denylist_add"
	ActionAlert       = "alert"
)

// Record is one mitigation audit entry.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActionType string    `json:"action_type"`
	Identity   string    `json:"identity"`
	Reason     string    `json:"reason"`
	PatternID  string    `json:"pattern_id,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// NewRecord creates a record with a fresh id.
func NewRecord(at time.Time, action, identity, reason string) Record {
	return Record{
		ID:         uuid.New().String(),
		Timestamp:  at.UTC(),
		ActionType: action,
		Identity:   identity,
		Reason:     reason,
	}
}

// WithDuration returns r carrying d in milliseconds.
func (r Record) WithDuration(d time.Duration) Record {
	ms := d.Milliseconds()
	r.DurationMs = &ms
	return r
}
