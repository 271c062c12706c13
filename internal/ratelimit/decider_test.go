package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/counter"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clockwork.FakeClock
	store   *counter.MemoryStore
	lists   *accesslist.Registry
	decider *Decider
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := counter.NewMemoryStore(counter.WithClock(clock))
	lists := accesslist.New(accesslist.WithClock(clock))
	opts = append([]Option{WithClock(clock)}, opts...)
	return &fixture{
		clock:   clock,
		store:   store,
		lists:   lists,
		decider: NewDecider(store, lists, opts...),
	}
}

func TestDecider_WindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := Policy{Name: "api", Window: time.Minute, MaxRequests: 5}

	for i := 0; i < 5; i++ {
		d := f.decider.Check(ctx, "198.51.100.1", p)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 5-i-1, d.Remaining)
		assert.True(t, d.ResetTime.Equal(t0.Add(time.Minute)))
		f.clock.Advance(time.Second)
	}

	d := f.decider.Check(ctx, "198.51.100.1", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitExceeded, d.Reason)
	assert.Equal(t, 55*time.Second, d.RetryAfter, "retry after is the time until the oldest request leaves the window")
	assert.Equal(t, 55, d.RetryAfterSeconds())

	f.clock.Advance(t0.Add(time.Minute + time.Millisecond).Sub(f.clock.Now()))
	d = f.decider.Check(ctx, "198.51.100.1", p)
	assert.True(t, d.Allowed, "allowed at first request + window + 1ms")
}

func TestDecider_ScenarioA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := Policy{Name: "api", Window: 60 * time.Second, MaxRequests: 5}

	for i := 0; i < 5; i++ {
		require.True(t, f.decider.Check(ctx, "1.2.3.4", p).Allowed)
		f.clock.Advance(10 * time.Second)
	}

	d := f.decider.Check(ctx, "1.2.3.4", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rate limit exceeded", d.Reason)
	assert.Greater(t, d.RetryAfterSeconds(), 0)

	assert.True(t, f.decider.Check(ctx, "5.6.7.8", p).Allowed, "other identities are unaffected")
}

func TestBackoffDelay_MonotonicAndCapped(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffDelay(0))

	prev := time.Duration(0)
	for f := 1; f <= 64; f++ {
		d := BackoffDelay(f)
		assert.GreaterOrEqual(t, d, prev, "failures=%d", f)
		assert.LessOrEqual(t, d, MaxBackoff, "failures=%d", f)
		prev = d
	}
	assert.Equal(t, 2*time.Second, BackoffDelay(1))
	assert.Equal(t, 16*time.Second, BackoffDelay(4))
	assert.Equal(t, MaxBackoff, BackoffDelay(5))
	assert.Equal(t, MaxBackoff, BackoffDelay(1000))
}

func TestDecider_ExponentialBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := Policy{Name: "auth", Window: 15 * time.Minute, MaxRequests: 100, ExponentialBackoff: true}

	require.NoError(t, f.decider.RecordFailure(ctx, "1.2.3.4", p))

	d := f.decider.Check(ctx, "1.2.3.4", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBackoff, d.Reason)
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	f.clock.Advance(time.Second)
	d = f.decider.Check(ctx, "1.2.3.4", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	f.clock.Advance(time.Second)
	assert.True(t, f.decider.Check(ctx, "1.2.3.4", p).Allowed)

	require.NoError(t, f.decider.RecordFailure(ctx, "1.2.3.4", p))
	d = f.decider.Check(ctx, "1.2.3.4", p)
	assert.Equal(t, 4*time.Second, d.RetryAfter, "second failure doubles the delay")

	noBackoff := p
	noBackoff.ExponentialBackoff = false
	assert.True(t, f.decider.Check(ctx, "1.2.3.4", noBackoff).Allowed)
}

func TestDecider_AccessLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := Policy{Name: "api", Window: time.Minute, MaxRequests: 1, UseAccessLists: true}

	require.NoError(t, f.lists.Allow("10.0.0.0/8", "internal network"))
	for i := 0; i < 20; i++ {
		d := f.decider.Check(ctx, "10.0.0.5", p)
		require.True(t, d.Allowed)
		assert.Equal(t, 1, d.Remaining)
	}

	require.NoError(t, f.lists.Deny("203.0.113.9", 0, "manual"))
	d := f.decider.Check(ctx, "203.0.113.9", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Hour)

	p.UseAccessLists = false
	assert.True(t, f.decider.Check(ctx, "203.0.113.9", p).Allowed, "policy does not enforce the deny list")
}

type thresholdFlood struct{ requests int }

func (f thresholdFlood) FloodDetected(requests, _ int) bool { return requests >= f.requests }

func TestDecider_FloodPromotesToDenyList(t *testing.T) {
	f := newFixture(t, WithFloodDetector(thresholdFlood{requests: 3}), WithAutoDenyTTL(time.Hour))
	ctx := context.Background()
	p := Policy{Name: "api", Window: time.Minute, MaxRequests: 100, UseAccessLists: true}

	for i := 0; i < 3; i++ {
		require.True(t, f.decider.Check(ctx, "192.0.2.7", p).Allowed)
	}

	d := f.decider.Check(ctx, "192.0.2.7", p)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSuspicious, d.Reason)
	assert.True(t, f.lists.IsDenied("192.0.2.7"))

	d = f.decider.Check(ctx, "192.0.2.7", p)
	assert.Equal(t, ReasonBlocked, d.Reason)

	f.clock.Advance(time.Hour)
	assert.False(t, f.lists.IsDenied("192.0.2.7"), "auto-deny is time bounded")
}

type fixedOverride float64

func (o fixedOverride) RateLimitOverride(context.Context, string) (float64, bool) {
	return float64(o), true
}

func TestDecider_TightenedLimit(t *testing.T) {
	f := newFixture(t, WithOverrides(fixedOverride(0.5)))
	ctx := context.Background()
	p := Policy{Name: "upload", Window: time.Hour, MaxRequests: 4}

	require.True(t, f.decider.Check(ctx, "u", p).Allowed)
	d := f.decider.Check(ctx, "u", p)
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 0, d.Remaining)

	assert.False(t, f.decider.Check(ctx, "u", p).Allowed)
}

type failingStore struct{ counter.Store }

func (failingStore) Stats(context.Context, string, time.Duration) (counter.Stats, error) {
	return counter.Stats{}, errors.New("redis: connection refused")
}

func (failingStore) Admit(context.Context, string, time.Duration, int) (counter.Stats, bool, error) {
	return counter.Stats{}, false, errors.New("redis: connection refused")
}

func TestDecider_FailOpen(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := NewDecider(failingStore{}, accesslist.New(), WithClock(clock))
	p := Policy{Name: "api", Window: time.Minute, MaxRequests: 1}

	for i := 0; i < 3; i++ {
		assert.True(t, d.Check(context.Background(), "1.2.3.4", p).Allowed)
	}
}

func TestDecider_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := Policy{Name: "api", Window: time.Minute, MaxRequests: 1}

	require.True(t, f.decider.Check(ctx, "a", p).Allowed)
	require.False(t, f.decider.Check(ctx, "a", p).Allowed)
	require.NoError(t, f.decider.Reset(ctx, "a", p))
	assert.True(t, f.decider.Check(ctx, "a", p).Allowed)
}

func TestPolicies(t *testing.T) {
	_, err := NewPolicies([]Policy{{Name: "api", Window: time.Minute, MaxRequests: 1}}, "missing")
	assert.Error(t, err)

	_, err = NewPolicies([]Policy{{Name: "api", Window: 0, MaxRequests: 1}}, "api")
	assert.Error(t, err)

	set, err := NewPolicies([]Policy{
		{Name: "api", Window: time.Minute, MaxRequests: 100},
		{Name: "auth", Window: 15 * time.Minute, MaxRequests: 5},
	}, "api")
	require.NoError(t, err)

	assert.Equal(t, "auth", set.Get("auth").Name)
	assert.Equal(t, "api", set.Get("unknown").Name)
	_, ok := set.Lookup("unknown")
	assert.False(t, ok)
	assert.Len(t, set.All(), 2)
}
