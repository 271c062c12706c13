// Package correlation evaluates declarative threat patterns against a
// rolling buffer of security events and executes mitigation actions when a
// pattern's threshold is met.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

var (
	// ErrQueueFull is returned by Ingest when the event queue is full.
	ErrQueueFull = errors.New("event queue is full")
	// ErrInvalidEvent is returned for events that fail validation.
	ErrInvalidEvent = errors.New("invalid security event")
)

const (
	DefaultQueueSize      = 4096
	DefaultAlertRetention = 24 * time.Hour
	// defaultHorizon bounds the buffer when no pattern is loaded.
	defaultHorizon = time.Hour
)

// Actuator applies the mitigations requested by pattern actions.
type Actuator interface {
	Block(ctx context.Context, identity string, d time.Duration, cause mitigation.Cause) error
	Suspend(ctx context.Context, account string, d time.Duration, cause mitigation.Cause) error
	TightenRateLimit(ctx context.Context, identity string, params mitigation.RateLimitParams, cause mitigation.Cause) error
}

// Notifier receives alerts produced by the "alert" action.
type Notifier interface {
	AlertCreated(ctx context.Context, alert *Alert)
}

// Config holds engine settings.
type Config struct {
	QueueSize       int
	MaxEventsPerKey int
	AlertRetention  time.Duration
}

// groupState tracks the trigger state of one pattern for one group key.
type groupState struct {
	cooldownUntil time.Time
	// events at or before this instant already contributed to an alert
	consumedUntil time.Time
}

// Engine is the threat correlation engine.
type Engine struct {
	clock     clockwork.Clock
	logger    *slog.Logger
	actuator  Actuator
	notifier  Notifier
	auditor   mitigation.Auditor
	retention time.Duration
	queue     chan models.SecurityEvent

	mu       sync.Mutex
	patterns map[string]*ThreatPattern
	order    []string
	buffer   *eventBuffer
	states   map[string]*groupState
	alerts   map[string]*Alert
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the clock.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier sets the alert notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAuditor sets the destination of alert audit records.
func WithAuditor(au mitigation.Auditor) Option {
	return func(e *Engine) { e.auditor = au }
}

// NewEngine creates an engine with no patterns.
func NewEngine(cfg Config, actuator Actuator, opts ...Option) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = DefaultAlertRetention
	}
	e := &Engine{
		clock:     clockwork.NewRealClock(),
		logger:    logging.Discard(),
		actuator:  actuator,
		retention: cfg.AlertRetention,
		queue:     make(chan models.SecurityEvent, cfg.QueueSize),
		patterns:  make(map[string]*ThreatPattern),
		buffer:    newEventBuffer(cfg.MaxEventsPerKey),
		states:    make(map[string]*groupState),
		alerts:    make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String(logging.FieldComponent, "correlation"))
	return e
}

// LoadPatterns installs patterns. Invalid patterns are kept but
// deactivated, with the validation error recorded on the pattern.
func (e *Engine) LoadPatterns(patterns []ThreatPattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range patterns {
		p := patterns[i].clone()
		if err := p.Validate(); err != nil {
			e.logger.Error("threat pattern deactivated", logging.PatternID(p.ID), logging.Error(err))
			p.Active = false
			p.LoadError = err.Error()
			if p.ID == "" {
				continue
			}
		}
		e.putLocked(&p)
	}
}

// Ingest validates an event and enqueues it for Run. It never blocks.
func (e *Engine) Ingest(_ context.Context, event models.SecurityEvent) error {
	if err := event.Validate(); err != nil {
		metrics.EventsIngested.WithLabelValues("queue", "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event.Normalize(e.clock.Now())

	select {
	case e.queue <- event:
		metrics.EventsIngested.WithLabelValues("queue", "accepted").Inc()
		metrics.EventQueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		metrics.EventsIngested.WithLabelValues("queue", "dropped").Inc()
		return ErrQueueFull
	}
}

// Run consumes the event queue until ctx is cancelled. This should be
// called in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("correlation worker started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("correlation worker stopped", slog.Int("pending", len(e.queue)))
			return
		case ev := <-e.queue:
			metrics.EventQueueDepth.Set(float64(len(e.queue)))
			e.Process(ctx, ev)
		}
	}
}

// pendingAlert is an alert whose actions still have to run.
type pendingAlert struct {
	alert   *Alert
	actions []Action
	pattern string
}

// Process buffers one event, evaluates every active pattern and executes
// the actions of those that trigger. It returns the alerts created.
func (e *Engine) Process(ctx context.Context, event models.SecurityEvent) []*Alert {
	if err := event.Validate(); err != nil {
		e.logger.Warn("dropping invalid security event", logging.Error(err))
		return nil
	}
	event.Normalize(e.clock.Now())
	ev := &event

	e.mu.Lock()
	e.buffer.add(ev)
	var pending []pendingAlert
	for _, id := range e.order {
		p := e.patterns[id]
		if !p.Active {
			continue
		}
		if alert := e.evaluateLocked(p, ev); alert != nil {
			pending = append(pending, pendingAlert{alert: alert, actions: p.Actions, pattern: p.ID})
		}
	}
	e.mu.Unlock()

	out := make([]*Alert, 0, len(pending))
	for _, pa := range pending {
		results := e.execute(ctx, pa)
		e.mu.Lock()
		pa.alert.Actions = results
		snapshot := pa.alert.clone()
		e.mu.Unlock()
		out = append(out, snapshot)
	}
	return out
}

// evaluateLocked runs one pattern against the buffer, isolating panics.
func (e *Engine) evaluateLocked(p *ThreatPattern, current *models.SecurityEvent) (alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PatternErrors.WithLabelValues(p.ID).Inc()
			e.logger.Error("threat pattern evaluation panicked",
				logging.PatternID(p.ID), slog.Any("panic", r))
			alert = nil
		}
	}()

	operands := make([]interface{}, len(p.Conditions))
	for i, c := range p.Conditions {
		operands[i] = c.Value.Resolve(current)
		if c.Value.IsRef() && empty(operands[i]) {
			return nil
		}
	}
	if !matchesAll(p, operands, current) {
		return nil
	}

	now := current.Timestamp
	key := p.ID + "\x00" + groupKey(p, operands)
	state := e.states[key]
	if state != nil && now.Before(state.cooldownUntil) {
		return nil
	}

	lower := now.Add(-p.Window)
	var matched []models.SecurityEvent
	identity, account := narrowing(p, operands)
	for _, bucket := range e.buffer.candidates(identity, account) {
		for _, ev := range bucket {
			if ev.Timestamp.Before(lower) || ev.Timestamp.After(now) {
				continue
			}
			if state != nil && !ev.Timestamp.After(state.consumedUntil) {
				continue
			}
			if matchesAll(p, operands, ev) {
				matched = append(matched, *ev)
			}
		}
	}
	if len(matched) < p.Threshold {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if state == nil {
		state = &groupState{}
		e.states[key] = state
	}
	state.cooldownUntil = now.Add(p.cooldown())
	state.consumedUntil = now

	triggered := e.clock.Now()
	p.TriggerCount++
	p.LastTriggered = &triggered

	alert = &Alert{
		ID:          uuid.New().String(),
		PatternID:   p.ID,
		PatternName: p.Name,
		Severity:    p.Severity,
		TriggeredAt: triggered,
		Identity:    current.Identity,
		AccountID:   current.AccountID,
		Events:      matched,
		Metadata:    newMetadata(matched),
	}
	e.alerts[alert.ID] = alert

	metrics.AlertsCreated.WithLabelValues(p.ID, string(p.Severity)).Inc()
	e.logger.Warn("threat pattern triggered",
		logging.PatternID(p.ID), logging.AlertID(alert.ID),
		logging.Identity(current.Identity), slog.Int("events", len(matched)))
	return alert
}

func matchesAll(p *ThreatPattern, operands []interface{}, ev *models.SecurityEvent) bool {
	for i, c := range p.Conditions {
		if !matches(c.Operator, fieldValue(ev, c.Field), operands[i]) {
			return false
		}
	}
	return true
}

// narrowing picks the buffer buckets implied by identity/account_id
// equality conditions.
func narrowing(p *ThreatPattern, operands []interface{}) (identity, account *string) {
	for i, c := range p.Conditions {
		if c.Operator != OpEq {
			continue
		}
		v, ok := operands[i].(string)
		if !ok {
			continue
		}
		switch c.Field {
		case fieldIdentity:
			identity = &v
		case fieldAccountID:
			account = &v
		}
	}
	return identity, account
}

// groupKey joins the resolved field references; events sharing it share a
// cooldown.
func groupKey(p *ThreatPattern, operands []interface{}) string {
	var parts []string
	for i, c := range p.Conditions {
		if c.Value.IsRef() {
			parts = append(parts, c.Field+"="+toString(operands[i]))
		}
	}
	return strings.Join(parts, "|")
}

// execute audits the alert and runs the actions of a triggered pattern in
// order. Failures are logged and recorded; they never stop later actions.
func (e *Engine) execute(ctx context.Context, pa pendingAlert) []ActionResult {
	alert := pa.alert
	cause := mitigation.Cause{
		Reason:    "threat pattern " + pa.pattern + " triggered",
		PatternID: pa.pattern,
		AlertID:   alert.ID,
	}
	if e.auditor != nil {
		rec := audit.NewRecord(e.clock.Now(), audit.ActionAlert, alert.Identity, cause.Reason)
		rec.PatternID = cause.PatternID
		rec.AlertID = cause.AlertID
		e.auditor.Emit(rec)
	}

	results := make([]ActionResult, 0, len(pa.actions))
	for _, a := range pa.actions {
		res := ActionResult{Type: a.Type}
		var err error
		switch a.Type {
		case ActionBlockIP:
			res.Target = alert.Identity
			err = e.actuator.Block(ctx, alert.Identity, a.Duration, cause)
		case ActionSuspendAccount:
			res.Target = alert.AccountID
			if alert.AccountID == "" {
				err = errors.New("triggering event has no account")
				break
			}
			err = e.actuator.Suspend(ctx, alert.AccountID, a.Duration, cause)
		case ActionTightenRateLimit:
			res.Target = alert.Identity
			err = e.actuator.TightenRateLimit(ctx, alert.Identity,
				mitigation.RateLimitParams{Factor: a.Factor, Duration: a.Duration}, cause)
		case ActionAlert:
			if e.notifier != nil {
				e.notifier.AlertCreated(ctx, alert.clone())
			}
		default:
			err = fmt.Errorf("unknown action type %q", a.Type)
		}
		if err != nil {
			res.Error = err.Error()
			e.logger.Error("threat pattern action failed",
				logging.PatternID(pa.pattern), logging.Action(string(a.Type)), logging.Error(err))
		}
		results = append(results, res)
	}
	return results
}

// SweepResult reports the work done by Sweep.
type SweepResult struct {
	Events   int
	Resolved int
	Purged   int
}

// Sweep drops buffered events older than the longest pattern window,
// auto-resolves alerts older than the retention and purges resolved alerts
// past the retention.
func (e *Engine) Sweep(now time.Time) SweepResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	horizon := time.Duration(0)
	for _, p := range e.patterns {
		if p.Window > horizon {
			horizon = p.Window
		}
	}
	if horizon == 0 {
		horizon = defaultHorizon
	}

	var res SweepResult
	res.Events = e.buffer.sweep(now.Add(-horizon))

	for key, st := range e.states {
		if !now.Before(st.cooldownUntil) && now.Sub(st.consumedUntil) > horizon {
			delete(e.states, key)
		}
	}

	for id, a := range e.alerts {
		switch {
		case !a.Resolved && now.Sub(a.TriggeredAt) >= e.retention:
			a.Resolved = true
			resolved := now
			a.ResolvedAt = &resolved
			res.Resolved++
		case a.Resolved && a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) >= e.retention:
			delete(e.alerts, id)
			res.Purged++
		}
	}
	return res
}

// BufferedEvents returns the number of events in the buffer.
func (e *Engine) BufferedEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.len()
}

// AddPattern validates and installs p, replacing a pattern with the same id.
func (e *Engine) AddPattern(p ThreatPattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := p.clone()
	cp.LoadError = ""
	e.mu.Lock()
	defer e.mu.Unlock()
	e.putLocked(&cp)
	return nil
}

// RemovePattern deletes a pattern.
func (e *Engine) RemovePattern(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.patterns[id]; !ok {
		return ErrPatternNotFound
	}
	delete(e.patterns, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	prefix := id + "\x00"
	for key := range e.states {
		if strings.HasPrefix(key, prefix) {
			delete(e.states, key)
		}
	}
	return nil
}

// EnablePattern activates a pattern. Patterns that failed validation
// cannot be enabled.
func (e *Engine) EnablePattern(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return ErrPatternNotFound
	}
	if p.LoadError != "" {
		return fmt.Errorf("%w: %s", ErrInvalidPattern, p.LoadError)
	}
	p.Active = true
	return nil
}

// DisablePattern deactivates a pattern.
func (e *Engine) DisablePattern(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return ErrPatternNotFound
	}
	p.Active = false
	return nil
}

// Pattern returns a copy of one pattern.
func (e *Engine) Pattern(id string) (ThreatPattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return ThreatPattern{}, ErrPatternNotFound
	}
	return p.clone(), nil
}

// Patterns returns copies of every pattern in evaluation order.
func (e *Engine) Patterns() []ThreatPattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ThreatPattern, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.patterns[id].clone())
	}
	return out
}

// AlertFilter selects alerts.
type AlertFilter struct {
	IncludeResolved bool
	PatternID       string
	Identity        string
}

// Alerts returns matching alerts, newest first.
func (e *Engine) Alerts(f AlertFilter) []*Alert {
	e.mu.Lock()
	out := make([]*Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if a.Resolved && !f.IncludeResolved {
			continue
		}
		if f.PatternID != "" && a.PatternID != f.PatternID {
			continue
		}
		if f.Identity != "" && a.Identity != f.Identity {
			continue
		}
		out = append(out, a.clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Alert returns one alert.
func (e *Engine) Alert(id string) (*Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.clone(), nil
}

// ResolveAlert marks an alert resolved.
func (e *Engine) ResolveAlert(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if !a.Resolved {
		now := e.clock.Now()
		a.Resolved = true
		a.ResolvedAt = &now
	}
	return nil
}

func (e *Engine) putLocked(p *ThreatPattern) {
	if _, exists := e.patterns[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	e.patterns[p.ID] = p
}
