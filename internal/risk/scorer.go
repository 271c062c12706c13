// Package risk scores per-identity traffic behavior and turns high scores
// into rate-limit or block verdicts.
package risk

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
)

const (
	maxScore = 100

	// errorDecay weights the previous error rate on each completion.
	errorDecay = 0.9
	// responseAlpha is the EMA smoothing factor for response times.
	responseAlpha = 0.1
)

// Mitigation is the soft or hard response attached to a verdict.
type Mitigation string

const (
	MitigationNone      Mitigation = "none"
	MitigationRateLimit Mitigation = "rate_limit"
	MitigationBlock     Mitigation = "block"
)

// SignalBlocked is the only signal of a verdict served from an earlier,
// still active risk block.
const SignalBlocked = "blocked"

// RequestInfo describes one inbound request at admission time.
type RequestInfo struct {
	Identity string
	Method   string
	Target   string // path and query
	Protocol string
	Host     string
	Headers  http.Header
	BodySize int64
	Body     string // optional sample inspected for attack signatures
}

// Verdict is the scorer's decision for one request.
type Verdict struct {
	Allowed       bool
	Score         int
	Mitigation    Mitigation
	BlockDuration time.Duration
	Signals       []string
}

// TrafficPattern is the behavior tracked per identity.
type TrafficPattern struct {
	Identity          string        `json:"identity"`
	RequestCount      int64         `json:"request_count"`
	ErrorRate         float64       `json:"error_rate"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	FirstSeen         time.Time     `json:"first_seen"`
	LastSeen          time.Time     `json:"last_seen"`
	Score             int           `json:"score"`
	Blocked           bool          `json:"blocked"`
	BlockedUntil      time.Time     `json:"blocked_until,omitempty"`
	ActiveConnections int           `json:"active_connections"`

	samples []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

// ReputationSource is an optional enrichment lookup. Failures are ignored.
type ReputationSource interface {
	IsMalicious(ctx context.Context, identity string) (bool, error)
}

// Scorer maintains one TrafficPattern per identity.
type Scorer struct {
	cfg        Config
	clock      clockwork.Clock
	logger     *slog.Logger
	reputation ReputationSource

	mu       sync.Mutex
	patterns map[string]*TrafficPattern
	// subnet -> identities whose last base score exceeded SubnetMinScore
	hot map[string]map[string]struct{}
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock injects the clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scorer) { s.clock = c }
}

// WithLogger sets the scorer logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// WithReputation enables reputation enrichment.
func WithReputation(r ReputationSource) Option {
	return func(s *Scorer) { s.reputation = r }
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(cfg Config, opts ...Option) *Scorer {
	s := &Scorer{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   logging.Discard(),
		patterns: make(map[string]*TrafficPattern),
		hot:      make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String(logging.FieldComponent, "risk"))
	return s
}

// FloodDetected is the shared flood heuristic used by the rate limit
// decider on its windowed request and failure counts.
func (s *Scorer) FloodDetected(requestCount, failureCount int) bool {
	if s.cfg.FloodRequests > 0 && requestCount >= s.cfg.FloodRequests {
		return true
	}
	return s.cfg.FloodFailures > 0 && failureCount >= s.cfg.FloodFailures
}

// Evaluate records the start of a request and scores the identity. A
// rejected request is not counted as an active connection; Complete must
// be called only for admitted requests.
func (s *Scorer) Evaluate(ctx context.Context, req RequestInfo) Verdict {
	// Reputation is looked up outside the lock; it may do I/O.
	var malicious bool
	if s.reputation != nil {
		bad, err := s.reputation.IsMalicious(ctx, req.Identity)
		if err != nil {
			s.logger.Warn("reputation lookup failed, scoring without it",
				logging.Identity(req.Identity), logging.Error(err))
		}
		malicious = bad && err == nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	p, ok := s.patterns[req.Identity]
	if !ok {
		p = &TrafficPattern{Identity: req.Identity, FirstSeen: now}
		s.patterns[req.Identity] = p
		metrics.TrackedPatterns.Set(float64(len(s.patterns)))
	}

	if p.Blocked {
		if now.Before(p.BlockedUntil) {
			return Verdict{
				Score:         p.Score,
				Mitigation:    MitigationBlock,
				BlockDuration: p.BlockedUntil.Sub(now),
				Signals:       []string{SignalBlocked},
			}
		}
		p.Blocked = false
		p.BlockedUntil = time.Time{}
	}

	p.RequestCount++
	p.ActiveConnections++
	p.LastSeen = now
	p.samples = append(trimSamples(p.samples, now.Add(-s.cfg.Window)), sample{at: now, bytes: req.BodySize})

	score, signals := s.baseScore(p, req, now)
	score, signals = s.coordinated(req.Identity, score, signals)
	score, signals = s.secondPass(p, req, score, signals)
	if malicious {
		score += s.cfg.Weights.Reputation
		signals = append(signals, "reputation")
	}
	if score > maxScore {
		score = maxScore
	}
	p.Score = score
	metrics.RiskScores.Observe(float64(score))

	v := Verdict{Allowed: true, Score: score, Mitigation: MitigationNone, Signals: signals}
	switch {
	case score >= s.cfg.BlockThreshold:
		p.Blocked = true
		p.BlockedUntil = now.Add(s.cfg.BlockDuration)
		p.ActiveConnections--
		v.Allowed = false
		v.Mitigation = MitigationBlock
		v.BlockDuration = s.cfg.BlockDuration
		s.logger.Warn("identity blocked by risk score",
			logging.Identity(req.Identity), logging.Score(score), slog.Any("signals", signals))
	case score >= s.cfg.SuspiciousThreshold:
		p.ActiveConnections--
		v.Allowed = false
		v.Mitigation = MitigationRateLimit
		s.logger.Info("suspicious traffic rate limited",
			logging.Identity(req.Identity), logging.Score(score), slog.Any("signals", signals))
	}
	return v
}

// Complete records the end of an admitted request.
func (s *Scorer) Complete(identity string, responseTime time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[identity]
	if !ok {
		return
	}
	if p.ActiveConnections > 0 {
		p.ActiveConnections--
	}

	outcome := 0.0
	if failed {
		outcome = 1.0
	}
	p.ErrorRate = p.ErrorRate*errorDecay + outcome*(1-errorDecay)

	if p.AvgResponseTime == 0 {
		p.AvgResponseTime = responseTime
	} else {
		p.AvgResponseTime = time.Duration(responseAlpha*float64(responseTime) + (1-responseAlpha)*float64(p.AvgResponseTime))
	}
}

// Pattern returns a copy of the tracked pattern for identity.
func (s *Scorer) Pattern(identity string) (TrafficPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[identity]
	if !ok {
		return TrafficPattern{}, false
	}
	out := *p
	out.samples = nil
	return out, true
}

// Patterns returns copies of every tracked pattern, highest score first.
func (s *Scorer) Patterns() []TrafficPattern {
	s.mu.Lock()
	out := make([]TrafficPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		cp.samples = nil
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Unblock clears a risk block on identity.
func (s *Scorer) Unblock(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patterns[identity]; ok {
		p.Blocked = false
		p.BlockedUntil = time.Time{}
	}
}

// Sweep drops patterns idle longer than IdleTTL, keeping active blocks.
func (s *Scorer) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.patterns {
		if p.Blocked && now.Before(p.BlockedUntil) {
			continue
		}
		if now.Sub(p.LastSeen) < s.cfg.IdleTTL {
			continue
		}
		delete(s.patterns, id)
		s.leaveSubnet(id)
		removed++
	}
	metrics.TrackedPatterns.Set(float64(len(s.patterns)))
	return removed
}

func (s *Scorer) baseScore(p *TrafficPattern, req RequestInfo, now time.Time) (int, []string) {
	w := s.cfg.Weights
	score := 0
	var signals []string

	if len(p.samples) > s.cfg.MaxRequests {
		score += w.Volume
		signals = append(signals, "volume")
	}
	if p.ActiveConnections > s.cfg.MaxConnections {
		score += w.Connections
		signals = append(signals, "connections")
	}
	if p.ErrorRate > s.cfg.ErrorRateThreshold {
		score += w.ErrorRate
		signals = append(signals, "error_rate")
	}
	if badClientSignature(header(req.Headers, "User-Agent"), s.cfg.MaxUserAgentLength) {
		score += w.ClientSignature
		signals = append(signals, "client_signature")
	}
	if header(req.Headers, "Accept") == "" || header(req.Headers, "Accept-Language") == "" ||
		(req.Host == "" && header(req.Headers, "Host") == "") {
		score += w.MissingHeaders
		signals = append(signals, "missing_headers")
	}
	if now.Sub(p.FirstSeen) <= s.cfg.BurstWindow && p.RequestCount >= int64(s.cfg.BurstRequests) {
		score += w.Burst
		signals = append(signals, "burst")
	}
	return score, signals
}

// coordinated updates the subnet membership of identity from its base score
// and adds the coordinated weight when enough neighbours are hot.
func (s *Scorer) coordinated(identity string, score int, signals []string) (int, []string) {
	subnet := subnetOf(identity)
	if subnet == "" {
		return score, signals
	}
	members := s.hot[subnet]
	if score > s.cfg.SubnetMinScore {
		if members == nil {
			members = make(map[string]struct{})
			s.hot[subnet] = members
		}
		members[identity] = struct{}{}
	} else if members != nil {
		delete(members, identity)
		if len(members) == 0 {
			delete(s.hot, subnet)
		}
	}

	if s.cfg.SubnetMinIdentities > 0 && len(s.hot[subnet]) >= s.cfg.SubnetMinIdentities {
		score += s.cfg.Weights.Coordinated
		signals = append(signals, "coordinated_subnet")
	}
	return score, signals
}

func (s *Scorer) secondPass(p *TrafficPattern, req RequestInfo, score int, signals []string) (int, []string) {
	w := s.cfg.Weights

	var windowBytes int64
	for _, smp := range p.samples {
		windowBytes += smp.bytes
	}
	if (s.cfg.MaxBodyBytes > 0 && req.BodySize > s.cfg.MaxBodyBytes) ||
		(s.cfg.MaxWindowBytes > 0 && windowBytes > s.cfg.MaxWindowBytes) {
		score += w.Volumetric
		signals = append(signals, "volumetric")
	}
	if malformed(req.Method, req.Protocol, req.Target) {
		score += w.Malformed
		signals = append(signals, "malformed")
	}
	if name, ok := matchAttack(req.Target, req.Body); ok {
		score += w.AttackSignature
		signals = append(signals, name)
	}
	return score, signals
}

func (s *Scorer) leaveSubnet(identity string) {
	subnet := subnetOf(identity)
	if members, ok := s.hot[subnet]; ok {
		delete(members, identity)
		if len(members) == 0 {
			delete(s.hot, subnet)
		}
	}
}

func trimSamples(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}

func header(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}
