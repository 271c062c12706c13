package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phan28395/PDFTEXT-sub002/internal/config"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
)

// policies converts the configured policy map into decider policies.
func policies(cfg config.RateLimitConfig) (*ratelimit.Policies, error) {
	names := make([]string, 0, len(cfg.Policies))
	for name := range cfg.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	ps := make([]ratelimit.Policy, 0, len(names))
	for _, name := range names {
		p := cfg.Policies[name]
		ps = append(ps, ratelimit.Policy{
			Name:               name,
			Window:             p.Window,
			MaxRequests:        p.MaxRequests,
			ExponentialBackoff: p.ExponentialBackoff,
			UseAccessLists:     p.UseAccessLists,
		})
	}
	return ratelimit.NewPolicies(ps, cfg.DefaultPolicy)
}

func riskConfig(c config.RiskConfig) risk.Config {
	return risk.Config{
		Window:              c.Window,
		MaxRequests:         c.MaxRequests,
		MaxConnections:      c.MaxConnections,
		ErrorRateThreshold:  c.ErrorRateThreshold,
		MaxUserAgentLength:  c.MaxUserAgentLength,
		BurstRequests:       c.BurstRequests,
		BurstWindow:         c.BurstWindow,
		SubnetMinIdentities: c.SubnetMinIdentities,
		SubnetMinScore:      c.SubnetMinScore,
		MaxBodyBytes:        c.MaxBodyBytes,
		MaxWindowBytes:      c.MaxWindowBytes,
		FloodRequests:       c.FloodRequests,
		FloodFailures:       c.FloodFailures,
		SuspiciousThreshold: c.SuspiciousThreshold,
		BlockThreshold:      c.BlockThreshold,
		BlockDuration:       c.BlockDuration,
		IdleTTL:             c.IdleTTL,
		Weights: risk.Weights{
			Volume:          c.Weights.Volume,
			Connections:     c.Weights.Connections,
			ErrorRate:       c.Weights.ErrorRate,
			ClientSignature: c.Weights.ClientSignature,
			MissingHeaders:  c.Weights.MissingHeaders,
			Burst:           c.Weights.Burst,
			Coordinated:     c.Weights.Coordinated,
			Volumetric:      c.Weights.Volumetric,
			Malformed:       c.Weights.Malformed,
			AttackSignature: c.Weights.AttackSignature,
			Reputation:      c.Weights.Reputation,
		},
	}
}

// threatPatterns returns the built-in patterns overlaid with the patterns
// file, if any. File patterns replace built-ins with the same id.
func threatPatterns(path string, logger *slog.Logger) ([]correlation.ThreatPattern, error) {
	patterns := correlation.DefaultPatterns()
	if path == "" {
		return patterns, nil
	}
	loaded, err := correlation.LoadPatternsFile(path)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(patterns))
	for i, p := range patterns {
		index[p.ID] = i
	}
	for _, p := range loaded {
		if p.LoadError != "" {
			logger.Warn("threat pattern deactivated", logging.PatternID(p.ID), slog.String("error", p.LoadError))
		}
		if i, ok := index[p.ID]; ok {
			patterns[i] = p
			continue
		}
		index[p.ID] = len(patterns)
		patterns = append(patterns, p)
	}
	logger.Info("loaded threat patterns file", slog.String("path", path), slog.Int("patterns", len(loaded)))
	return patterns, nil
}

// connectRedis opens and pings the shared state store.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
