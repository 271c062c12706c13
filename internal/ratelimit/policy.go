package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Policy is an immutable per-endpoint-class rate limit configuration.
type Policy struct {
	Name               string        `json:"name"`
	Window             time.Duration `json:"window"`
	MaxRequests        int           `json:"max_requests"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
	UseAccessLists     bool          `json:"use_access_lists"`
}

// Validate checks that the policy can be enforced.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive", p.Name)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max requests must be positive", p.Name)
	}
	return nil
}

// Policies is the set of configured endpoint classes.
type Policies struct {
	byName   map[string]Policy
	fallback string
}

// NewPolicies validates ps and builds a lookup table. Unknown policy names
// resolve to fallback, which must be one of ps.
func NewPolicies(ps []Policy, fallback string) (*Policies, error) {
	set := &Policies{byName: make(map[string]Policy, len(ps)), fallback: fallback}
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		set.byName[p.Name] = p
	}
	if _, ok := set.byName[fallback]; !ok {
		return nil, fmt.Errorf("fallback policy %q is not defined", fallback)
	}
	return set, nil
}

// Get returns the named policy, or the fallback policy.
func (s *Policies) Get(name string) Policy {
	if p, ok := s.byName[name]; ok {
		return p
	}
	return s.byName[s.fallback]
}

// Lookup returns the named policy without falling back.
func (s *Policies) Lookup(name string) (Policy, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// All returns every policy sorted by name.
func (s *Policies) All() []Policy {
	out := make([]Policy, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
