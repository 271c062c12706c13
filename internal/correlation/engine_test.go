package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

type actuatorCall struct {
	Kind     string
	Target   string
	Duration time.Duration
	Factor   float64
	Cause    mitigation.Cause
}

type fakeActuator struct {
	mu    sync.Mutex
	calls []actuatorCall
	err   error
}

func (f *fakeActuator) Block(_ context.Context, identity string, d time.Duration, cause mitigation.Cause) error {
	return f.record(actuatorCall{Kind: "block", Target: identity, Duration: d, Cause: cause})
}

func (f *fakeActuator) Suspend(_ context.Context, account string, d time.Duration, cause mitigation.Cause) error {
	return f.record(actuatorCall{Kind: "suspend", Target: account, Duration: d, Cause: cause})
}

func (f *fakeActuator) TightenRateLimit(_ context.Context, identity string, p mitigation.RateLimitParams, cause mitigation.Cause) error {
	return f.record(actuatorCall{Kind: "tighten", Target: identity, Duration: p.Duration, Factor: p.Factor, Cause: cause})
}

func (f *fakeActuator) record(c actuatorCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeActuator) Calls() []actuatorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]actuatorCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (n *fakeNotifier) AlertCreated(_ context.Context, a *Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingAuditor) Emit(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingAuditor) Records() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

func newTestEngine(t *testing.T, patterns ...ThreatPattern) (*Engine, *fakeActuator, *fakeNotifier, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	act := &fakeActuator{}
	notifier := &fakeNotifier{}
	e := NewEngine(Config{QueueSize: 4}, act, WithClock(clock), WithNotifier(notifier))
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	e.LoadPatterns(patterns)
	return e, act, notifier, clock
}

func authFailure(identity string, at time.Time) models.SecurityEvent {
	return models.SecurityEvent{Type: models.EventAuthFailure, Identity: identity, Timestamp: at}
}

func TestProcess_ThresholdBoundary(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		alerts := e.Process(ctx, authFailure("198.51.100.7", clock.Now()))
		assert.Empty(t, alerts, "event %d must not trigger", i+1)
	}

	clock.Advance(time.Minute)
	alerts := e.Process(ctx, authFailure("198.51.100.7", clock.Now()))
	require.Len(t, alerts, 1)
	assert.Equal(t, "brute_force_login", alerts[0].PatternID)
	assert.Len(t, alerts[0].Events, 5)
	assert.Equal(t, 5, alerts[0].Metadata.EventCount)
	assert.Equal(t, 1, alerts[0].Metadata.UniqueSources)
	assert.Equal(t, 4*time.Minute, alerts[0].Metadata.TimeSpan)
}

func TestProcess_BruteForceBlocksIdentity(t *testing.T) {
	e, act, notifier, clock := newTestEngine(t)
	ctx := context.Background()

	var alerts []*Alert
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		alerts = e.Process(ctx, authFailure("203.0.113.9", clock.Now()))
	}
	require.Len(t, alerts, 1)

	calls := act.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "block", calls[0].Kind)
	assert.Equal(t, "203.0.113.9", calls[0].Target)
	assert.Equal(t, time.Hour, calls[0].Duration)
	assert.Equal(t, "brute_force_login", calls[0].Cause.PatternID)
	assert.Equal(t, alerts[0].ID, calls[0].Cause.AlertID)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, alerts[0].ID, notifier.alerts[0].ID)

	require.Len(t, alerts[0].Actions, 2)
	assert.Equal(t, ActionBlockIP, alerts[0].Actions[0].Type)
	assert.Empty(t, alerts[0].Actions[0].Error)

	p, err := e.Pattern("brute_force_login")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.TriggerCount)
	require.NotNil(t, p.LastTriggered)
}

func TestProcess_FieldRefsIsolateSources(t *testing.T) {
	e, act, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		assert.Empty(t, e.Process(ctx, authFailure("192.0.2.1", clock.Now())))
		assert.Empty(t, e.Process(ctx, authFailure("192.0.2.2", clock.Now())))
	}
	assert.Empty(t, act.Calls())

	clock.Advance(time.Second)
	alerts := e.Process(ctx, authFailure("192.0.2.2", clock.Now()))
	require.Len(t, alerts, 1)
	for _, ev := range alerts[0].Events {
		assert.Equal(t, "192.0.2.2", ev.Identity)
	}
}

func TestProcess_WindowExcludesOldEvents(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.Process(ctx, authFailure("192.0.2.5", clock.Now()))
	}
	clock.Advance(15*time.Minute + time.Second)
	assert.Empty(t, e.Process(ctx, authFailure("192.0.2.5", clock.Now())))
}

func TestProcess_CooldownAndConsumedEvents(t *testing.T) {
	e, act, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		e.Process(ctx, authFailure("192.0.2.9", clock.Now()))
	}
	require.Len(t, act.Calls(), 1)

	// Inside the cooldown nothing fires.
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.Empty(t, e.Process(ctx, authFailure("192.0.2.9", clock.Now())))
	}

	// After the cooldown only events newer than the last trigger count.
	clock.Advance(15*time.Minute + 5*time.Second)
	assert.Empty(t, e.Process(ctx, authFailure("192.0.2.9", clock.Now())))
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		assert.Empty(t, e.Process(ctx, authFailure("192.0.2.9", clock.Now())))
	}
	clock.Advance(time.Second)
	alerts := e.Process(ctx, authFailure("192.0.2.9", clock.Now()))
	require.Len(t, alerts, 1)
	assert.Len(t, alerts[0].Events, 5)
	assert.Len(t, act.Calls(), 2)
}

func TestProcess_AlertIsAudited(t *testing.T) {
	quiet := ThreatPattern{
		ID:         "quiet_failures",
		Severity:   models.SeverityLow,
		Conditions: []Condition{{Field: "type", Operator: OpEq, Value: Literal(string(models.EventAuthFailure))}},
		Window:     time.Minute,
		Threshold:  2,
		Actions:    []Action{{Type: ActionBlockIP, Duration: time.Minute}},
		Active:     true,
	}

	tests := []struct {
		name     string
		patterns []ThreatPattern
		events   int
		notifier bool
		pattern  string
	}{
		{name: "default pattern with notifier", patterns: DefaultPatterns(), events: 5, notifier: true, pattern: "brute_force_login"},
		{name: "default pattern without notifier", patterns: DefaultPatterns(), events: 5, pattern: "brute_force_login"},
		{name: "pattern without alert action", patterns: []ThreatPattern{quiet}, events: 2, pattern: "quiet_failures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			auditor := &recordingAuditor{}
			opts := []Option{WithClock(clock), WithAuditor(auditor)}
			if tt.notifier {
				opts = append(opts, WithNotifier(&fakeNotifier{}))
			}
			e := NewEngine(Config{QueueSize: 4}, &fakeActuator{}, opts...)
			e.LoadPatterns(tt.patterns)

			var alerts []*Alert
			for i := 0; i < tt.events; i++ {
				clock.Advance(time.Second)
				alerts = e.Process(context.Background(), authFailure("203.0.113.77", clock.Now()))
			}
			require.Len(t, alerts, 1)

			records := auditor.Records()
			require.Len(t, records, 1)
			assert.Equal(t, audit.ActionAlert, records[0].ActionType)
			assert.Equal(t, "203.0.113.77", records[0].Identity)
			assert.Equal(t, tt.pattern, records[0].PatternID)
			assert.Equal(t, alerts[0].ID, records[0].AlertID)
			assert.Contains(t, records[0].Reason, tt.pattern)
			assert.Equal(t, clock.Now().UTC(), records[0].Timestamp)
		})
	}
}

func TestProcess_AccountPatternSuspends(t *testing.T) {
	e, act, _, clock := newTestEngine(t)
	ctx := context.Background()

	var alerts []*Alert
	for i, ip := range []string{"192.0.2.10", "192.0.2.11", "192.0.2.12"} {
		clock.Advance(time.Minute)
		alerts = e.Process(ctx, models.SecurityEvent{
			Type:      models.EventMaliciousFile,
			Identity:  ip,
			AccountID: "acct-42",
			Details:   map[string]interface{}{"file": i},
		})
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, 3, alerts[0].Metadata.UniqueSources)

	calls := act.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "suspend", calls[0].Kind)
	assert.Equal(t, "acct-42", calls[0].Target)
	assert.Equal(t, "block", calls[1].Kind)
	assert.Equal(t, "192.0.2.12", calls[1].Target)
}

func TestProcess_EmptyRefNeverMatches(t *testing.T) {
	var byAccount ThreatPattern
	for _, p := range DefaultPatterns() {
		if p.ID == "malicious_file_uploads" {
			byAccount = p
		}
	}
	e, act, _, clock := newTestEngine(t, byAccount)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		e.Process(context.Background(), models.SecurityEvent{Type: models.EventMaliciousFile, Identity: "192.0.2.20"})
	}
	assert.Empty(t, act.Calls())
}

func TestProcess_MaliciousUploadsBySource(t *testing.T) {
	tests := []struct {
		name        string
		account     string
		wantPattern string
		wantCalls   []string
	}{
		{name: "anonymous source is blocked", wantPattern: "anonymous_malicious_uploads", wantCalls: []string{"block"}},
		{name: "account is suspended", account: "acct-7", wantPattern: "malicious_file_uploads", wantCalls: []string{"suspend", "block"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, act, _, clock := newTestEngine(t)

			var alerts []*Alert
			for i := 0; i < 3; i++ {
				clock.Advance(time.Minute)
				alerts = e.Process(context.Background(), models.SecurityEvent{
					Type:      models.EventMaliciousFile,
					Identity:  "192.0.2.21",
					AccountID: tt.account,
				})
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.wantPattern, alerts[0].PatternID)

			var kinds []string
			for _, c := range act.Calls() {
				kinds = append(kinds, c.Kind)
				assert.Equal(t, tt.wantPattern, c.Cause.PatternID)
			}
			assert.Equal(t, tt.wantCalls, kinds)
			assert.Equal(t, "192.0.2.21", act.Calls()[len(kinds)-1].Target)
			assert.Equal(t, 24*time.Hour, act.Calls()[len(kinds)-1].Duration)
		})
	}
}

func TestProcess_ActionFailureDoesNotStopLaterActions(t *testing.T) {
	e, act, notifier, clock := newTestEngine(t)
	act.err = errors.New("store down")

	var alerts []*Alert
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		alerts = e.Process(context.Background(), authFailure("192.0.2.30", clock.Now()))
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, "store down", alerts[0].Actions[0].Error)
	assert.Len(t, notifier.alerts, 1)
}

func TestProcess_DetailsConditions(t *testing.T) {
	pattern := ThreatPattern{
		ID:       "large_refunds",
		Severity: models.SeverityMedium,
		Conditions: []Condition{
			{Field: "type", Operator: OpEq, Value: Literal(string(models.EventPaymentFailure))},
			{Field: "details.payment.amount", Operator: OpGte, Value: Literal(500)},
			{Field: "details.reason", Operator: OpPrefix, Value: Literal("card_")},
		},
		Window:    time.Hour,
		Threshold: 2,
		Actions:   []Action{{Type: ActionAlert}},
		Active:    true,
	}
	e, _, _, clock := newTestEngine(t, pattern)
	ctx := context.Background()

	event := func(amount float64, reason string) models.SecurityEvent {
		clock.Advance(time.Second)
		return models.SecurityEvent{
			Type:     models.EventPaymentFailure,
			Identity: "192.0.2.40",
			Details: map[string]interface{}{
				"payment": map[string]interface{}{"amount": amount},
				"reason":  reason,
			},
		}
	}

	assert.Empty(t, e.Process(ctx, event(900, "card_declined")))
	assert.Empty(t, e.Process(ctx, event(100, "card_declined")))
	assert.Empty(t, e.Process(ctx, event(900, "insufficient_funds")))
	assert.Len(t, e.Process(ctx, event(501, "card_expired")), 1)
}

type panicStringer struct{}

func (panicStringer) String() string { panic("boom") }

func TestEvaluate_PanicIsIsolated(t *testing.T) {
	panicky := ThreatPattern{
		ID:         "panicky",
		Severity:   models.SeverityLow,
		Conditions: []Condition{{Field: "details.marker", Operator: OpEq, Value: Literal("x")}},
		Window:     time.Minute,
		Threshold:  1,
		Actions:    []Action{{Type: ActionAlert}},
		Active:     true,
	}
	e, _, _, clock := newTestEngine(t, append([]ThreatPattern{panicky}, DefaultPatterns()...)...)

	var alerts []*Alert
	require.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			clock.Advance(time.Second)
			ev := authFailure("192.0.2.50", clock.Now())
			ev.Details = map[string]interface{}{"marker": panicStringer{}}
			alerts = e.Process(context.Background(), ev)
		}
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, "brute_force_login", alerts[0].PatternID)
}

func TestIngest(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.Ingest(ctx, models.SecurityEvent{Type: models.EventAuthFailure})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Ingest(ctx, authFailure("192.0.2.60", time.Time{})))
	}
	assert.ErrorIs(t, e.Ingest(ctx, authFailure("192.0.2.60", time.Time{})), ErrQueueFull)
}

func TestRun_DrainsQueue(t *testing.T) {
	e, act, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool {
			return e.Ingest(ctx, authFailure("192.0.2.70", time.Time{})) == nil
		}, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(act.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSweep(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.Process(ctx, authFailure("192.0.2.80", clock.Now()))
	}
	e.Process(ctx, models.SecurityEvent{Type: models.EventAuthSuccess, Identity: "192.0.2.81"})
	require.Equal(t, 6, e.BufferedEvents())
	require.Len(t, e.Alerts(AlertFilter{}), 1)

	// Longest default window is one hour.
	clock.Advance(61 * time.Minute)
	res := e.Sweep(clock.Now())
	assert.Equal(t, 6, res.Events)
	assert.Zero(t, e.BufferedEvents())
	assert.Zero(t, res.Resolved)

	clock.Advance(24 * time.Hour)
	res = e.Sweep(clock.Now())
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, e.Alerts(AlertFilter{}))
	assert.Len(t, e.Alerts(AlertFilter{IncludeResolved: true}), 1)

	clock.Advance(24 * time.Hour)
	res = e.Sweep(clock.Now())
	assert.Equal(t, 1, res.Purged)
	assert.Empty(t, e.Alerts(AlertFilter{IncludeResolved: true}))
}

func TestPatternAdmin(t *testing.T) {
	e, act, _, clock := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.DisablePattern("brute_force_login"))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		e.Process(ctx, authFailure("192.0.2.90", clock.Now()))
	}
	assert.Empty(t, act.Calls())

	require.NoError(t, e.EnablePattern("brute_force_login"))
	clock.Advance(time.Second)
	assert.Len(t, e.Process(ctx, authFailure("192.0.2.90", clock.Now())), 1)

	assert.ErrorIs(t, e.EnablePattern("missing"), ErrPatternNotFound)
	assert.ErrorIs(t, e.DisablePattern("missing"), ErrPatternNotFound)
	assert.ErrorIs(t, e.RemovePattern("missing"), ErrPatternNotFound)

	err := e.AddPattern(ThreatPattern{ID: "Bad ID"})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	custom := DefaultPatterns()[2]
	custom.ID = "custom_csp"
	require.NoError(t, e.AddPattern(custom))
	patterns := e.Patterns()
	assert.Equal(t, "custom_csp", patterns[len(patterns)-1].ID)

	require.NoError(t, e.RemovePattern("custom_csp"))
	_, err = e.Pattern("custom_csp")
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestAlertAdmin(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		e.Process(context.Background(), authFailure("192.0.2.100", clock.Now()))
	}
	alerts := e.Alerts(AlertFilter{PatternID: "brute_force_login", Identity: "192.0.2.100"})
	require.Len(t, alerts, 1)
	assert.Empty(t, e.Alerts(AlertFilter{Identity: "192.0.2.101"}))

	require.NoError(t, e.ResolveAlert(alerts[0].ID))
	got, err := e.Alert(alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)

	assert.ErrorIs(t, e.ResolveAlert("nope"), ErrAlertNotFound)
	_, err = e.Alert("nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestLoadPatterns_InvalidDeactivated(t *testing.T) {
	e, _, _, _ := newTestEngine(t, ThreatPattern{
		ID:         "broken",
		Severity:   models.SeverityLow,
		Conditions: []Condition{{Field: "type", Operator: OpEq, Value: Literal("x")}},
		Window:     time.Minute,
		Threshold:  1,
		Actions:    []Action{{Type: "page_oncall"}},
		Active:     true,
	})
	p, err := e.Pattern("broken")
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.Contains(t, p.LoadError, "unknown action type")
	assert.ErrorIs(t, e.EnablePattern("broken"), ErrInvalidPattern)
}
