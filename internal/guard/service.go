// Package guard composes the abuse engine components into the admission,
// completion and event ingestion operations exposed to callers.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
)

// Request describes one inbound request at admission time.
type Request struct {
	Identity  string      `json:"identity"`
	AccountID string      `json:"account_id,omitempty"`
	Policy    string      `json:"policy,omitempty"`
	Method    string      `json:"method,omitempty"`
	Target    string      `json:"target,omitempty"`
	Protocol  string      `json:"protocol,omitempty"`
	Host      string      `json:"host,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
	BodySize  int64       `json:"body_size,omitempty"`
	Body      string      `json:"body,omitempty"`
}

// Completion reports the end of an admitted request.
type Completion struct {
	Identity     string        `json:"identity"`
	Policy       string        `json:"policy,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Failed       bool          `json:"failed"`
}

// Components are the engine parts a Service drives.
type Components struct {
	Lists    *accesslist.Registry
	Policies *ratelimit.Policies
	Decider  *ratelimit.Decider
	Scorer   *risk.Scorer
	Actuator *mitigation.Actuator
	Engine   *correlation.Engine
}

// Service is the abuse engine facade.
type Service struct {
	Components
	clock   clockwork.Clock
	logger  *slog.Logger
	auditor mitigation.Auditor
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAuditor records access list changes made through the service.
func WithAuditor(a mitigation.Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// New creates a service over already wired components.
func New(c Components, opts ...Option) *Service {
	s := &Service{
		Components: c,
		clock:      clockwork.NewRealClock(),
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String(logging.FieldComponent, "guard"))
	return s
}

// Check runs admission for one request: allow list, active mitigations,
// the rate limit decider, then the risk scorer. Component failures admit
// the request; mitigation failures never change the returned decision.
func (s *Service) Check(ctx context.Context, req Request) ratelimit.Decision {
	policy := s.Policies.Get(req.Policy)
	now := s.clock.Now()

	if s.Lists.IsAllowed(req.Identity) {
		return ratelimit.Decision{
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetTime: now.Add(policy.Window),
		}
	}

	if dec, blocked := s.mitigated(ctx, req, policy, now); blocked {
		return dec
	}

	dec := s.Decider.Check(ctx, req.Identity, policy)
	if !dec.Allowed {
		s.report(ctx, req, models.EventRateLimitExceeded, models.SeverityMedium, map[string]interface{}{
			"policy": policy.Name,
			"reason": dec.Reason,
		})
		return dec
	}

	verdict := s.Scorer.Evaluate(ctx, risk.RequestInfo{
		Identity: req.Identity,
		Method:   req.Method,
		Target:   req.Target,
		Protocol: req.Protocol,
		Host:     req.Host,
		Headers:  req.Headers,
		BodySize: req.BodySize,
		Body:     req.Body,
	})
	dec.RiskScore = verdict.Score
	dec.Mitigation = string(verdict.Mitigation)
	if verdict.Allowed {
		return dec
	}

	dec.Allowed = false
	dec.Reason = ratelimit.ReasonSuspicious
	dec.Remaining = 0
	switch verdict.Mitigation {
	case risk.MitigationBlock:
		dec.RetryAfter = verdict.BlockDuration
		dec.ResetTime = now.Add(verdict.BlockDuration)
		if len(verdict.Signals) == 1 && verdict.Signals[0] == risk.SignalBlocked {
			break
		}
		cause := mitigation.Cause{Reason: fmt.Sprintf("risk score %d", verdict.Score)}
		if err := s.Actuator.Block(ctx, req.Identity, verdict.BlockDuration, cause); err != nil {
			s.logger.Error("failed to escalate risk block",
				logging.Identity(req.Identity), logging.Score(verdict.Score), logging.Error(err))
		}
	default:
		if wait := dec.ResetTime.Sub(now); wait > 0 {
			dec.RetryAfter = wait
		} else {
			dec.RetryAfter = time.Second
		}
	}

	s.report(ctx, req, models.EventSuspiciousTraffic, models.SeverityHigh, map[string]interface{}{
		"policy":     policy.Name,
		"score":      verdict.Score,
		"mitigation": string(verdict.Mitigation),
		"signals":    verdict.Signals,
	})
	return dec
}

// mitigated rejects requests from blocked identities or suspended accounts.
func (s *Service) mitigated(ctx context.Context, req Request, policy ratelimit.Policy, now time.Time) (ratelimit.Decision, bool) {
	m, ok := s.Actuator.Get(ctx, mitigation.KindBlock, req.Identity)
	if !ok && req.AccountID != "" {
		m, ok = s.Actuator.Get(ctx, mitigation.KindSuspend, req.AccountID)
	}
	if !ok {
		return ratelimit.Decision{}, false
	}
	wait := m.ExpiresAt.Sub(now)
	return ratelimit.Decision{
		Limit:      policy.MaxRequests,
		ResetTime:  m.ExpiresAt,
		RetryAfter: wait,
		Reason:     ratelimit.ReasonMitigationActive,
		Mitigation: string(m.Kind),
	}, true
}

// Complete records the end of an admitted request. Failures feed the
// policy's backoff.
func (s *Service) Complete(ctx context.Context, c Completion) {
	s.Scorer.Complete(c.Identity, c.ResponseTime, c.Failed)
	if !c.Failed {
		return
	}
	policy := s.Policies.Get(c.Policy)
	if err := s.Decider.RecordFailure(ctx, c.Identity, policy); err != nil {
		s.logger.Error("failed to record request failure",
			logging.Identity(c.Identity), logging.Policy(policy.Name), logging.Error(err))
	}
}

// Ingest queues a security event for correlation.
func (s *Service) Ingest(ctx context.Context, event models.SecurityEvent) error {
	return s.Engine.Ingest(ctx, event)
}

// report feeds an admission rejection back into correlation.
func (s *Service) report(ctx context.Context, req Request, typ models.EventType, sev models.Severity, details map[string]interface{}) {
	err := s.Engine.Ingest(ctx, models.SecurityEvent{
		Type:      typ,
		Severity:  sev,
		Identity:  req.Identity,
		AccountID: req.AccountID,
		Timestamp: s.clock.Now(),
		Details:   details,
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, correlation.ErrQueueFull) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "failed to report admission rejection",
			logging.Identity(req.Identity), logging.EventType(string(typ)), logging.Error(err))
	}
}

// Allow adds an allow list entry.
func (s *Service) Allow(ctx context.Context, entry, reason string) error {
	if err := s.Lists.Allow(entry, reason); err != nil {
		return err
	}
	s.emit(audit.NewRecord(s.clock.Now(), audit.ActionAllow, entry, reason))
	return nil
}

// Deny adds a deny list entry. A zero ttl never expires.
func (s *Service) Deny(ctx context.Context, entry string, ttl time.Duration, reason string) error {
	if err := s.Lists.Deny(entry, ttl, reason); err != nil {
		return err
	}
	rec := audit.NewRecord(s.clock.Now(), audit.ActionDeny, entry, reason)
	if ttl > 0 {
		rec = rec.WithDuration(ttl)
	}
	s.emit(rec)
	return nil
}

// Unblock lifts an identity's mitigation block and its risk block, and
// clears its request and failure history under every policy so no backoff
// outlives the block.
func (s *Service) Unblock(ctx context.Context, identity, reason string) (bool, error) {
	s.Scorer.Unblock(identity)
	for _, p := range s.Policies.All() {
		if err := s.Decider.Reset(ctx, identity, p); err != nil {
			s.logger.Error("failed to reset rate limit history",
				logging.Identity(identity), logging.Policy(p.Name), logging.Error(err))
		}
	}
	return s.Actuator.Unblock(ctx, identity, reason)
}

func (s *Service) emit(r audit.Record) {
	if s.auditor != nil {
		s.auditor.Emit(r)
	}
}
