// Package models defines the security event record exchanged between the
// abuse engine and the subsystems that report notable activity.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of security event.
type EventType string

const (
	EventAuthFailure       EventType = "auth_failure"
	EventAuthSuccess       EventType = "auth_success"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventSuspiciousTraffic EventType = "suspicious_traffic"
	EventCSPViolation      EventType = "csp_violation"
	EventMaliciousFile     EventType = "malicious_file"
	EventAdminAction       EventType = "admin_action"
	EventPaymentFailure    EventType = "payment_failure"
)

// Severity of a security event or threat pattern.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SecurityEvent is a normalized notable-activity record.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Identity  string                 `json:"identity"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Validate checks the required fields of an event.
func (e *SecurityEvent) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Identity == "" {
		return errors.New("event identity is required")
	}
	if e.Severity != "" && !e.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	return nil
}

// Normalize fills defaults: an id, a low severity and the given timestamp
// when the event carries none.
func (e *SecurityEvent) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}
