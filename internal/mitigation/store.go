package mitigation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists active mitigations.
type Store interface {
	Put(ctx context.Context, m Mitigation) error
	Get(ctx context.Context, kind Kind, target string) (Mitigation, bool, error)
	Delete(ctx context.Context, kind Kind, target string) (bool, error)
	List(ctx context.Context, kind Kind) ([]Mitigation, error)

	// DeleteExpired removes the entry only if it has expired at now, as one
	// atomic step. It returns the removed entry and true, or the entry
	// still stored (zero when absent) and false.
	DeleteExpired(ctx context.Context, kind Kind, target string, now time.Time) (Mitigation, bool, error)
}

type storeKey struct {
	kind   Kind
	target string
}

// MemoryStore keeps mitigations in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[storeKey]Mitigation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[storeKey]Mitigation)}
}

func (s *MemoryStore) Put(_ context.Context, m Mitigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storeKey{m.Kind, m.Target}] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, target string) (Mitigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.entries[storeKey{kind, target}]
	return m, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind Kind, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{kind, target}
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, kind Kind, target string, now time.Time) (Mitigation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{kind, target}
	m, ok := s.entries[k]
	if !ok || !m.Expired(now) {
		return m, false, nil
	}
	delete(s.entries, k)
	return m, true, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]Mitigation, error) {
	s.mu.RLock()
	out := make([]Mitigation, 0, len(s.entries))
	for k, m := range s.entries {
		if k.kind == kind {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sortByTarget(out)
	return out, nil
}

func sortByTarget(ms []Mitigation) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Target < ms[j].Target })
}
