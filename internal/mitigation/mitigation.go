// Package mitigation applies and expires blocks, account suspensions and
// tightened rate limits.
package mitigation

import (
	"errors"
	"time"
)

var (
	// ErrInvalidDuration is returned for non-positive mitigation durations.
	ErrInvalidDuration = errors.New("mitigation duration must be positive")
	// ErrInvalidFactor is returned for rate limit factors outside (0, 1).
	ErrInvalidFactor = errors.New("rate limit factor must be in (0, 1)")
	// ErrInvalidTarget is returned for an empty identity or account.
	ErrInvalidTarget = errors.New("mitigation target is required")
)

// Kind is the type of an active mitigation.
type Kind string

const (
	KindBlock     Kind = "block"
	KindSuspend   Kind = "suspend"
	KindRateLimit Kind = "rate_limit"
)

// IsValid checks if the kind is known
func (k Kind) IsValid() bool {
	switch k {
	case KindBlock, KindSuspend, KindRateLimit:
		return true
	}
	return false
}

// Cause explains why a mitigation was applied.
type Cause struct {
	Reason    string
	PatternID string
	AlertID   string
}

// RateLimitParams tightens a rate limit: the policy maximum is multiplied
// by Factor for Duration.
type RateLimitParams struct {
	Factor   float64
	Duration time.Duration
}

// Mitigation is one active entry.
type Mitigation struct {
	Kind      Kind      `json:"kind"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	PatternID string    `json:"pattern_id,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	Factor    float64   `json:"factor,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the mitigation no longer applies at now.
func (m Mitigation) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
