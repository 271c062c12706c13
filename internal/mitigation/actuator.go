package mitigation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/retry"
)

// Auditor receives a record for every applied, lifted or expired mitigation.
type Auditor interface {
	Emit(r audit.Record)
}

type nopAuditor struct{}

func (nopAuditor) Emit(audit.Record) {}

// Actuator applies mitigations, answers lookups and expires entries through
// its Scheduler.
type Actuator struct {
	store       Store
	clock       clockwork.Clock
	logger      *slog.Logger
	auditor     Auditor
	maxDuration time.Duration
	sched       *Scheduler
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithClock injects the clock.
func WithClock(c clockwork.Clock) Option {
	return func(a *Actuator) { a.clock = c }
}

// WithLogger sets the actuator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actuator) { a.logger = l }
}

// WithAuditor sets the audit record destination.
func WithAuditor(au Auditor) Option {
	return func(a *Actuator) { a.auditor = au }
}

// WithMaxDuration caps every mitigation's duration. Zero means no cap.
func WithMaxDuration(d time.Duration) Option {
	return func(a *Actuator) { a.maxDuration = d }
}

// NewActuator creates an actuator over store.
func NewActuator(store Store, opts ...Option) *Actuator {
	a := &Actuator{
		store:   store,
		clock:   clockwork.NewRealClock(),
		logger:  logging.Discard(),
		auditor: nopAuditor{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String(logging.FieldComponent, "mitigation"))
	a.sched = NewScheduler(a.clock, a.expire)
	return a
}

// Scheduler returns the expiry scheduler. Run it in a goroutine.
func (a *Actuator) Scheduler() *Scheduler {
	return a.sched
}

// Block denies every request from identity for d.
func (a *Actuator) Block(ctx context.Context, identity string, d time.Duration, cause Cause) error {
	return a.apply(ctx, Mitigation{Kind: KindBlock, Target: identity}, d, cause, audit.ActionBlock)
}

// Unblock lifts a block. It reports whether one was active.
func (a *Actuator) Unblock(ctx context.Context, identity, reason string) (bool, error) {
	return a.lift(ctx, KindBlock, identity, reason, audit.ActionUnblock)
}

// Suspend denies every request carrying account for d.
func (a *Actuator) Suspend(ctx context.Context, account string, d time.Duration, cause Cause) error {
	return a.apply(ctx, Mitigation{Kind: KindSuspend, Target: account}, d, cause, audit.ActionSuspend)
}

// Unsuspend lifts a suspension.
func (a *Actuator) Unsuspend(ctx context.Context, account, reason string) (bool, error) {
	return a.lift(ctx, KindSuspend, account, reason, audit.ActionUnsuspend)
}

// TightenRateLimit scales identity's rate limits by params.Factor for
// params.Duration.
func (a *Actuator) TightenRateLimit(ctx context.Context, identity string, params RateLimitParams, cause Cause) error {
	if params.Factor <= 0 || params.Factor >= 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidFactor, params.Factor)
	}
	m := Mitigation{Kind: KindRateLimit, Target: identity, Factor: params.Factor}
	return a.apply(ctx, m, params.Duration, cause, audit.ActionRateLimit)
}

// LiftRateLimit restores identity's normal limits.
func (a *Actuator) LiftRateLimit(ctx context.Context, identity, reason string) (bool, error) {
	return a.lift(ctx, KindRateLimit, identity, reason, audit.ActionUnrateLimit)
}

// IsBlocked reports whether identity is blocked. Store errors fail open.
func (a *Actuator) IsBlocked(ctx context.Context, identity string) bool {
	_, ok := a.lookup(ctx, KindBlock, identity)
	return ok
}

// IsSuspended reports whether account is suspended. Store errors fail open.
func (a *Actuator) IsSuspended(ctx context.Context, account string) bool {
	if account == "" {
		return false
	}
	_, ok := a.lookup(ctx, KindSuspend, account)
	return ok
}

// RateLimitOverride returns the active rate limit factor for identity.
func (a *Actuator) RateLimitOverride(ctx context.Context, identity string) (float64, bool) {
	m, ok := a.lookup(ctx, KindRateLimit, identity)
	if !ok {
		return 0, false
	}
	return m.Factor, true
}

// Get returns one active mitigation.
func (a *Actuator) Get(ctx context.Context, kind Kind, target string) (Mitigation, bool) {
	return a.lookup(ctx, kind, target)
}

// Active lists the unexpired mitigations of kind, soonest expiry first.
func (a *Actuator) Active(ctx context.Context, kind Kind) ([]Mitigation, error) {
	var all []Mitigation
	err := retry.Once(ctx, func() error {
		var err error
		all, err = a.store.List(ctx, kind)
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mitigation").Inc()
		return nil, fmt.Errorf("failed to list mitigations: %w", err)
	}

	now := a.clock.Now()
	out := all[:0]
	for _, m := range all {
		if m.Expired(now) {
			if live, ok := a.discard(ctx, m.Kind, m.Target, now); ok {
				out = append(out, live)
			}
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (a *Actuator) apply(ctx context.Context, m Mitigation, d time.Duration, cause Cause, action string) error {
	if m.Target == "" {
		return ErrInvalidTarget
	}
	if d <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidDuration, d)
	}
	if a.maxDuration > 0 && d > a.maxDuration {
		a.logger.Warn("mitigation duration capped",
			logging.Action(action), slog.Duration("requested", d), slog.Duration("max", a.maxDuration))
		d = a.maxDuration
	}

	now := a.clock.Now()
	m.Reason = cause.Reason
	m.PatternID = cause.PatternID
	m.AlertID = cause.AlertID
	m.AppliedAt = now
	m.ExpiresAt = now.Add(d)

	if err := retry.Once(ctx, func() error { return a.store.Put(ctx, m) }); err != nil {
		metrics.StoreErrors.WithLabelValues("mitigation").Inc()
		metrics.MitigationErrors.WithLabelValues(string(m.Kind)).Inc()
		a.logger.Error("failed to apply mitigation",
			logging.Action(action), logging.Identity(m.Target), logging.Error(err))
		return fmt.Errorf("failed to apply %s: %w", m.Kind, err)
	}
	a.sched.Schedule(m)
	metrics.MitigationsApplied.WithLabelValues(string(m.Kind)).Inc()

	rec := audit.NewRecord(now, action, m.Target, cause.Reason).WithDuration(d)
	rec.PatternID = cause.PatternID
	rec.AlertID = cause.AlertID
	a.auditor.Emit(rec)

	a.logger.Info("mitigation applied",
		logging.Action(action), logging.Identity(m.Target), logging.Reason(cause.Reason),
		logging.PatternID(cause.PatternID), slog.Time("expires_at", m.ExpiresAt))
	return nil
}

func (a *Actuator) lift(ctx context.Context, kind Kind, target, reason, action string) (bool, error) {
	var removed bool
	err := retry.Once(ctx, func() error {
		var err error
		removed, err = a.store.Delete(ctx, kind, target)
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mitigation").Inc()
		a.logger.Error("failed to lift mitigation",
			logging.Action(action), logging.Identity(target), logging.Error(err))
		return false, fmt.Errorf("failed to lift %s: %w", kind, err)
	}
	a.sched.Cancel(kind, target)
	if removed {
		a.auditor.Emit(audit.NewRecord(a.clock.Now(), action, target, reason))
		a.logger.Info("mitigation lifted", logging.Action(action), logging.Identity(target), logging.Reason(reason))
	}
	return removed, nil
}

// lookup returns the active entry, lazily deleting one whose expiry has
// passed but not yet fired. The scheduled expiry still fires and audits it.
func (a *Actuator) lookup(ctx context.Context, kind Kind, target string) (Mitigation, bool) {
	var (
		m     Mitigation
		found bool
	)
	err := retry.Once(ctx, func() error {
		var err error
		m, found, err = a.store.Get(ctx, kind, target)
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mitigation").Inc()
		a.logger.Error("mitigation lookup failed, failing open",
			slog.String("kind", string(kind)), logging.Identity(target), logging.Error(err))
		return Mitigation{}, false
	}
	if !found {
		return Mitigation{}, false
	}
	now := a.clock.Now()
	if !m.Expired(now) {
		return m, true
	}
	return a.discard(ctx, kind, target, now)
}

// discard removes an entry that was read as expired. A refresh written in
// the meantime survives and is returned as active.
func (a *Actuator) discard(ctx context.Context, kind Kind, target string, now time.Time) (Mitigation, bool) {
	current, removed, err := a.store.DeleteExpired(ctx, kind, target, now)
	if err != nil {
		a.logger.Warn("failed to delete expired mitigation", logging.Identity(target), logging.Error(err))
		return Mitigation{}, false
	}
	if removed || current.Target == "" || current.Expired(now) {
		return Mitigation{}, false
	}
	return current, true
}

// expire is the scheduler callback. scheduled is the entry as it was when
// its expiry was set, so the record keeps its cause even when a lookup or
// the store's own TTL removed the entry first.
func (a *Actuator) expire(scheduled Mitigation) {
	ctx := context.Background()
	now := a.clock.Now()
	current, removed, err := a.store.DeleteExpired(ctx, scheduled.Kind, scheduled.Target, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mitigation").Inc()
		a.logger.Error("failed to expire mitigation", logging.Identity(scheduled.Target), logging.Error(err))
		return
	}
	if !removed && current.Target != "" {
		// refreshed after this expiry was scheduled
		a.sched.Schedule(current)
		return
	}
	m := scheduled
	if removed {
		m = current
	}

	metrics.MitigationsExpired.WithLabelValues(string(m.Kind)).Inc()
	rec := audit.NewRecord(now, audit.ActionExpired, m.Target, string(m.Kind)+" expired")
	rec.PatternID = m.PatternID
	rec.AlertID = m.AlertID
	a.auditor.Emit(rec)
	a.logger.Info("mitigation expired", slog.String("kind", string(m.Kind)), logging.Identity(m.Target))
}
