package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

func cleanRequest(identity string) RequestInfo {
	h := http.Header{}
	h.Set("User-Agent", browserUA)
	h.Set("Accept", "text/html")
	h.Set("Accept-Language", "en-US")
	return RequestInfo{
		Identity: identity,
		Method:   http.MethodGet,
		Target:   "/api/v1/documents?page=2",
		Protocol: "HTTP/1.1",
		Host:     "app.example.com",
		Headers:  h,
	}
}

// neverReject keeps every verdict an allow so raw scores can be asserted.
func neverReject(cfg Config) Config {
	cfg.SuspiciousThreshold = maxScore + 1
	cfg.BlockThreshold = maxScore + 1
	return cfg
}

func newTestScorer(cfg Config, opts ...Option) (*Scorer, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewScorer(cfg, append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestScorer_Signals(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RequestInfo)
		want    int
		signals []string
	}{
		{name: "clean request", mutate: func(*RequestInfo) {}, want: 0},
		{name: "empty user agent", mutate: func(r *RequestInfo) { r.Headers.Del("User-Agent") }, want: 15, signals: []string{"client_signature"}},
		{name: "bot user agent", mutate: func(r *RequestInfo) { r.Headers.Set("User-Agent", "sqlmap/1.7") }, want: 15, signals: []string{"client_signature"}},
		{name: "missing accept-language", mutate: func(r *RequestInfo) { r.Headers.Del("Accept-Language") }, want: 10, signals: []string{"missing_headers"}},
		{name: "missing host", mutate: func(r *RequestInfo) { r.Host = "" }, want: 10, signals: []string{"missing_headers"}},
		{name: "sql injection", mutate: func(r *RequestInfo) { r.Target = "/search?q=1%27%20UNION%20SELECT%20password%20FROM%20users" }, want: 25, signals: []string{"sql_injection"}},
		{name: "xss in body", mutate: func(r *RequestInfo) { r.Method = http.MethodPost; r.Body = `{"name":"<script>alert(1)</script>"}` }, want: 25, signals: []string{"xss"}},
		{name: "path traversal", mutate: func(r *RequestInfo) { r.Target = "/files/..%2f..%2fetc/passwd" }, want: 25, signals: []string{"path_traversal"}},
		{name: "command injection", mutate: func(r *RequestInfo) { r.Target = "/convert?file=a.pdf;cat%20/etc/hosts" }, want: 25, signals: []string{"command_injection"}},
		{name: "malformed method", mutate: func(r *RequestInfo) { r.Method = "FOO" }, want: 15, signals: []string{"malformed"}},
		{name: "null byte target", mutate: func(r *RequestInfo) { r.Target = "/doc.pdf%00.png" }, want: 15, signals: []string{"malformed"}},
		{name: "oversized body", mutate: func(r *RequestInfo) { r.BodySize = 11 << 20 }, want: 20, signals: []string{"volumetric"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScorer(neverReject(DefaultConfig()))
			req := cleanRequest("198.51.100.10")
			tt.mutate(&req)

			v := s.Evaluate(context.Background(), req)
			assert.True(t, v.Allowed)
			assert.Equal(t, tt.want, v.Score)
			assert.Equal(t, tt.signals, v.Signals)
		})
	}
}

func TestScorer_VolumeAndConnections(t *testing.T) {
	cfg := neverReject(DefaultConfig())
	cfg.MaxRequests = 3
	cfg.MaxConnections = 2
	cfg.BurstRequests = 1000
	s, clock := newTestScorer(cfg)
	ctx := context.Background()

	var v Verdict
	for i := 0; i < 4; i++ {
		v = s.Evaluate(ctx, cleanRequest("a"))
		clock.Advance(time.Second)
	}
	assert.Equal(t, 30+25, v.Score, "4 in-flight requests over a window of 3")

	for i := 0; i < 4; i++ {
		s.Complete("a", 20*time.Millisecond, false)
	}
	clock.Advance(time.Minute)
	v = s.Evaluate(ctx, cleanRequest("a"))
	assert.Equal(t, 0, v.Score, "old samples leave the window and connections were released")
}

func TestScorer_Burst(t *testing.T) {
	cfg := neverReject(DefaultConfig())
	cfg.BurstRequests = 5
	cfg.BurstWindow = 2 * time.Second
	s, clock := newTestScorer(cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		assert.Equal(t, 0, s.Evaluate(ctx, cleanRequest("b")).Score)
		s.Complete("b", time.Millisecond, false)
	}
	assert.Equal(t, 25, s.Evaluate(ctx, cleanRequest("b")).Score)
	s.Complete("b", time.Millisecond, false)

	clock.Advance(3 * time.Second)
	assert.Equal(t, 0, s.Evaluate(ctx, cleanRequest("b")).Score, "burst only applies right after first sighting")
}

func TestScorer_DecayedErrorRate(t *testing.T) {
	s, _ := newTestScorer(neverReject(DefaultConfig()))
	ctx := context.Background()
	s.Evaluate(ctx, cleanRequest("c"))

	for i := 0; i < 6; i++ {
		s.Complete("c", 10*time.Millisecond, true)
	}
	p, ok := s.Pattern("c")
	require.True(t, ok)
	assert.InDelta(t, 0.468559, p.ErrorRate, 1e-6)
	assert.Equal(t, 0, s.Evaluate(ctx, cleanRequest("c")).Score)

	s.Complete("c", 10*time.Millisecond, true)
	p, _ = s.Pattern("c")
	assert.Greater(t, p.ErrorRate, 0.5)

	v := s.Evaluate(ctx, cleanRequest("c"))
	assert.Equal(t, 20, v.Score)
	assert.Contains(t, v.Signals, "error_rate")
}

func TestScorer_ResponseTimeEMA(t *testing.T) {
	s, _ := newTestScorer(DefaultConfig())
	s.Evaluate(context.Background(), cleanRequest("d"))

	s.Complete("d", 100*time.Millisecond, false)
	p, _ := s.Pattern("d")
	assert.Equal(t, 100*time.Millisecond, p.AvgResponseTime)

	s.Complete("d", 200*time.Millisecond, false)
	p, _ = s.Pattern("d")
	assert.Equal(t, 110*time.Millisecond, p.AvgResponseTime)
	assert.Equal(t, 0, p.ActiveConnections)
}

func TestScorer_CoordinatedSubnet(t *testing.T) {
	cfg := neverReject(DefaultConfig())
	cfg.SubnetMinScore = 20
	s, _ := newTestScorer(cfg)
	ctx := context.Background()

	suspicious := func(identity string) RequestInfo {
		r := cleanRequest(identity)
		r.Headers.Del("User-Agent")
		r.Headers.Del("Accept")
		return r
	}

	for i := 1; i <= 5; i++ {
		v := s.Evaluate(ctx, suspicious(fmt.Sprintf("192.0.2.%d", i)))
		assert.Equal(t, 25, v.Score)
	}
	v := s.Evaluate(ctx, suspicious("192.0.2.6"))
	assert.Equal(t, 55, v.Score)
	assert.Contains(t, v.Signals, "coordinated_subnet")

	v = s.Evaluate(ctx, suspicious("192.0.3.1"))
	assert.Equal(t, 25, v.Score, "different /24")

	for i := 1; i <= 5; i++ {
		s.Evaluate(ctx, suspicious(fmt.Sprintf("2001:db8:0:1::%d", i)))
	}
	v = s.Evaluate(ctx, suspicious("2001:db8:0:1:ffff::9"))
	assert.Contains(t, v.Signals, "coordinated_subnet", "same /64")

	v = s.Evaluate(ctx, cleanRequest("192.0.2.7"))
	assert.Equal(t, 30, v.Score, "a clean neighbour still inherits the coordinated weight")
}

func TestScorer_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousThreshold = 20
	cfg.BlockThreshold = 40
	cfg.BlockDuration = 15 * time.Minute
	s, clock := newTestScorer(cfg)
	ctx := context.Background()

	req := cleanRequest("e")
	req.Headers.Del("User-Agent")
	req.Headers.Del("Accept")
	v := s.Evaluate(ctx, req)
	assert.False(t, v.Allowed)
	assert.Equal(t, MitigationRateLimit, v.Mitigation)
	assert.Zero(t, v.BlockDuration)

	req.Target = "/x?q=<script>alert(1)</script>"
	v = s.Evaluate(ctx, req)
	assert.False(t, v.Allowed)
	assert.Equal(t, MitigationBlock, v.Mitigation)
	assert.Equal(t, 15*time.Minute, v.BlockDuration)

	clock.Advance(5 * time.Minute)
	v = s.Evaluate(ctx, cleanRequest("e"))
	assert.False(t, v.Allowed, "block persists even for clean requests")
	assert.Equal(t, 10*time.Minute, v.BlockDuration)

	clock.Advance(10 * time.Minute)
	v = s.Evaluate(ctx, cleanRequest("e"))
	assert.True(t, v.Allowed)

	p, _ := s.Pattern("e")
	assert.False(t, p.Blocked)
	assert.Equal(t, 1, p.ActiveConnections, "rejected requests do not hold connections")
}

func TestScorer_ScoreCapped(t *testing.T) {
	cfg := neverReject(DefaultConfig())
	cfg.BurstRequests = 1
	s, _ := newTestScorer(cfg)

	req := RequestInfo{Identity: "f", Method: "BREW", Target: "/../../etc/passwd", BodySize: 50 << 20}
	v := s.Evaluate(context.Background(), req)
	assert.Equal(t, maxScore, v.Score)
}

func TestScorer_Deterministic(t *testing.T) {
	sequence := func() []int {
		cfg := DefaultConfig()
		cfg.BurstRequests = 3
		s, clock := newTestScorer(cfg)
		ctx := context.Background()

		var scores []int
		for i := 0; i < 30; i++ {
			req := cleanRequest(fmt.Sprintf("203.0.113.%d", i%7))
			if i%3 == 0 {
				req.Headers.Del("User-Agent")
			}
			if i%5 == 0 {
				req.Target = "/q?id=1 OR 1=1"
			}
			v := s.Evaluate(ctx, req)
			scores = append(scores, v.Score)
			if v.Allowed {
				s.Complete(req.Identity, time.Duration(i)*time.Millisecond, i%4 == 0)
			}
			clock.Advance(700 * time.Millisecond)
		}
		return scores
	}

	first := sequence()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, sequence())
	}
}

type stubReputation struct {
	bad bool
	err error
}

func (r stubReputation) IsMalicious(context.Context, string) (bool, error) { return r.bad, r.err }

func TestScorer_Reputation(t *testing.T) {
	s, _ := newTestScorer(neverReject(DefaultConfig()), WithReputation(stubReputation{bad: true}))
	assert.Equal(t, 20, s.Evaluate(context.Background(), cleanRequest("g")).Score)

	s, _ = newTestScorer(neverReject(DefaultConfig()), WithReputation(stubReputation{bad: true, err: errors.New("timeout")}))
	assert.Equal(t, 0, s.Evaluate(context.Background(), cleanRequest("g")).Score, "lookup failures are ignored")
}

func TestScorer_Sweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTTL = 10 * time.Minute
	cfg.BlockThreshold = 10
	cfg.SuspiciousThreshold = 10
	cfg.BlockDuration = time.Hour
	s, clock := newTestScorer(cfg)
	ctx := context.Background()

	s.Evaluate(ctx, cleanRequest("idle"))
	bad := cleanRequest("blocked")
	bad.Headers.Del("User-Agent")
	require.Equal(t, MitigationBlock, s.Evaluate(ctx, bad).Mitigation)

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, s.Sweep(clock.Now()))
	_, ok := s.Pattern("idle")
	assert.False(t, ok)
	_, ok = s.Pattern("blocked")
	assert.True(t, ok, "active blocks survive the sweep")

	s.Unblock("blocked")
	assert.Equal(t, 1, s.Sweep(clock.Now()))
	assert.Empty(t, s.Patterns())
}

func TestScorer_FloodDetected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FloodRequests = 100
	cfg.FloodFailures = 10
	s := NewScorer(cfg)

	assert.False(t, s.FloodDetected(99, 9))
	assert.True(t, s.FloodDetected(100, 0))
	assert.True(t, s.FloodDetected(0, 10))
}
