// Package ratelimit decides whether an identity may make a request under an
// endpoint-class policy, combining the access lists, the shared flood
// heuristic, failure backoff and a sliding-window request limit.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/counter"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/retry"
)

const (
	// BaseBackoff is the delay after a single failure.
	BaseBackoff = time.Second
	// MaxBackoff caps the failure backoff delay.
	MaxBackoff = 30 * time.Second
	// DenyRetryAfter is the retry-after returned to deny-listed identities.
	DenyRetryAfter = time.Hour
	// DefaultAutoDenyTTL is how long the flood heuristic deny-lists an identity.
	DefaultAutoDenyTTL = time.Hour
)

// AccessList is the allow/deny registry consulted first.
type AccessList interface {
	IsAllowed(identity string) bool
	IsDenied(identity string) bool
	Deny(entry string, ttl time.Duration, reason string) error
}

// FloodDetector flags attack-like request/failure volumes.
type FloodDetector interface {
	FloodDetected(requestCount, failureCount int) bool
}

// OverrideSource supplies temporary limit reductions for an identity. The
// factor scales the policy maximum and is in (0, 1].
type OverrideSource interface {
	RateLimitOverride(ctx context.Context, identity string) (float64, bool)
}

// Decider implements the admission algorithm.
type Decider struct {
	store       counter.Store
	lists       AccessList
	flood       FloodDetector
	overrides   OverrideSource
	clock       clockwork.Clock
	logger      *slog.Logger
	autoDenyTTL time.Duration
}

// Option configures a Decider.
type Option func(*Decider)

// WithFloodDetector sets the shared flood heuristic.
func WithFloodDetector(f FloodDetector) Option {
	return func(d *Decider) { d.flood = f }
}

// WithOverrides sets the source of tightened limits.
func WithOverrides(o OverrideSource) Option {
	return func(d *Decider) { d.overrides = o }
}

// WithClock injects the clock.
func WithClock(c clockwork.Clock) Option {
	return func(d *Decider) { d.clock = c }
}

// WithLogger sets the decider logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decider) { d.logger = l }
}

// WithAutoDenyTTL sets how long flood-flagged identities stay deny-listed.
func WithAutoDenyTTL(ttl time.Duration) Option {
	return func(d *Decider) {
		if ttl > 0 {
			d.autoDenyTTL = ttl
		}
	}
}

// NewDecider creates a decider over a counter store and access lists.
func NewDecider(store counter.Store, lists AccessList, opts ...Option) *Decider {
	d := &Decider{
		store:       store,
		lists:       lists,
		clock:       clockwork.NewRealClock(),
		logger:      logging.Discard(),
		autoDenyTTL: DefaultAutoDenyTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String(logging.FieldComponent, "ratelimit"))
	return d
}

// BackoffDelay returns min(2^failures seconds, 30s), or 0 without failures.
func BackoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures >= 5 {
		return MaxBackoff
	}
	d := BaseBackoff << uint(failures)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Check runs the admission algorithm for identity under p. Store failures
// admit the request.
func (d *Decider) Check(ctx context.Context, identity string, p Policy) Decision {
	start := d.clock.Now()
	dec := d.check(ctx, identity, p)

	outcome := "allowed"
	if !dec.Allowed {
		outcome = "rejected"
	}
	metrics.Decisions.WithLabelValues(p.Name, outcome, dec.Reason).Inc()
	metrics.DecisionDuration.Observe(d.clock.Since(start).Seconds())
	return dec
}

func (d *Decider) check(ctx context.Context, identity string, p Policy) Decision {
	now := d.clock.Now()

	if d.lists != nil && d.lists.IsAllowed(identity) {
		return Decision{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests, ResetTime: now.Add(p.Window)}
	}

	if p.UseAccessLists && d.lists != nil && d.lists.IsDenied(identity) {
		return Decision{
			Limit:      p.MaxRequests,
			ResetTime:  now.Add(DenyRetryAfter),
			RetryAfter: DenyRetryAfter,
			Reason:     ReasonBlocked,
		}
	}

	key := counterKey(p, identity)

	var reqs, fails counter.Stats
	err := retry.Once(ctx, func() error {
		var err error
		reqs, err = d.store.Stats(ctx, requestPrefix+key, p.Window)
		if err != nil {
			return err
		}
		fails, err = d.store.Stats(ctx, failurePrefix+key, p.Window)
		return err
	})
	if err != nil {
		return d.failOpen(identity, p, now, err)
	}

	if d.flood != nil && d.flood.FloodDetected(reqs.Count, fails.Count) {
		metrics.AutoDenies.Inc()
		if d.lists != nil {
			if err := d.lists.Deny(identity, d.autoDenyTTL, ReasonSuspicious); err != nil {
				d.logger.Error("failed to auto-deny identity", logging.Identity(identity), logging.Error(err))
			}
		}
		d.logger.Warn("flood heuristic flagged identity",
			logging.Identity(identity), logging.Policy(p.Name),
			slog.Int("requests", reqs.Count), slog.Int("failures", fails.Count))
		return Decision{
			Limit:      p.MaxRequests,
			ResetTime:  now.Add(d.autoDenyTTL),
			RetryAfter: d.autoDenyTTL,
			Reason:     ReasonSuspicious,
		}
	}

	if p.ExponentialBackoff && fails.Count > 0 {
		delay := BackoffDelay(fails.Count)
		if since := now.Sub(fails.Newest); since < delay {
			wait := delay - since
			return Decision{
				Limit:      p.MaxRequests,
				Remaining:  remaining(p.MaxRequests, reqs.Count),
				ResetTime:  now.Add(wait),
				RetryAfter: wait,
				Reason:     ReasonBackoff,
			}
		}
	}

	limit := d.effectiveLimit(ctx, identity, p)

	var st counter.Stats
	var admitted bool
	err = retry.Once(ctx, func() error {
		var err error
		st, admitted, err = d.store.Admit(ctx, requestPrefix+key, p.Window, limit)
		return err
	})
	if err != nil {
		return d.failOpen(identity, p, now, err)
	}

	reset := now.Add(p.Window)
	if st.Count > 0 {
		reset = st.Oldest.Add(p.Window)
	}

	if !admitted {
		wait := reset.Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return Decision{
			Limit:      limit,
			ResetTime:  reset,
			RetryAfter: wait,
			Reason:     ReasonLimitExceeded,
		}
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining(limit, st.Count+1),
		ResetTime: reset,
	}
}

// RecordFailure records a failed request for identity under p, feeding the
// backoff step of later checks.
func (d *Decider) RecordFailure(ctx context.Context, identity string, p Policy) error {
	key := failurePrefix + counterKey(p, identity)
	return retry.Once(ctx, func() error {
		return d.store.Record(ctx, key, d.clock.Now())
	})
}

// Reset clears request and failure history of identity under p.
func (d *Decider) Reset(ctx context.Context, identity string, p Policy) error {
	key := counterKey(p, identity)
	if err := d.store.Reset(ctx, requestPrefix+key); err != nil {
		return err
	}
	return d.store.Reset(ctx, failurePrefix+key)
}

func (d *Decider) effectiveLimit(ctx context.Context, identity string, p Policy) int {
	if d.overrides == nil {
		return p.MaxRequests
	}
	factor, ok := d.overrides.RateLimitOverride(ctx, identity)
	if !ok || factor <= 0 || factor >= 1 {
		return p.MaxRequests
	}
	limit := int(math.Floor(float64(p.MaxRequests) * factor))
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (d *Decider) failOpen(identity string, p Policy, now time.Time, err error) Decision {
	metrics.StoreErrors.WithLabelValues("counter").Inc()
	d.logger.Error("counter store unavailable, admitting request",
		logging.Identity(identity), logging.Policy(p.Name), logging.Error(err))
	return Decision{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests, ResetTime: now.Add(p.Window)}
}

const (
	requestPrefix = "req:"
	failurePrefix = "fail:"
)

func counterKey(p Policy, identity string) string {
	return p.Name + ":" + identity
}

func remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}
