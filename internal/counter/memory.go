package counter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Timestamps per key are kept sorted.
type MemoryStore struct {
	settings

	mu      sync.Mutex
	horizon time.Duration
	entries map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		settings: newSettings(opts),
		entries:  make(map[string][]time.Time),
	}
}

// Record appends an occurrence of key.
func (m *MemoryStore) Record(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(key, at)
	return nil
}

// Stats returns the occurrences of key within [now-window, now].
func (m *MemoryStore) Stats(_ context.Context, key string, window time.Duration) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe(window)
	return m.stats(key, m.clock.Now(), window), nil
}

// Admit counts and conditionally records under a single lock.
func (m *MemoryStore) Admit(_ context.Context, key string, window time.Duration, limit int) (Stats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe(window)

	now := m.clock.Now()
	st := m.stats(key, now, window)
	if st.Count >= limit {
		return st, false, nil
	}
	m.insert(key, now)
	return st, true, nil
}

// Sweep drops occurrences older than the retention horizon and removes
// keys left empty. It returns the number of occurrences dropped.
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.retention())
	removed := 0
	for key, ts := range m.entries {
		i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(ts) {
			delete(m.entries, key)
			continue
		}
		m.entries[key] = append(ts[:0:0], ts[i:]...)
	}
	return removed, nil
}

// Reset forgets every occurrence of key.
func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) insert(key string, at time.Time) {
	ts := m.entries[key]
	// Appends are the common case; out-of-order records are placed after
	// any equal timestamp so ordering stays stable.
	if n := len(ts); n == 0 || !at.Before(ts[n-1]) {
		m.entries[key] = append(ts, at)
		return
	}
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at
	m.entries[key] = ts
}

func (m *MemoryStore) stats(key string, now time.Time, window time.Duration) Stats {
	ts := m.entries[key]
	lower := now.Add(-window)
	lo := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(lower) })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].After(now) })
	if lo >= hi {
		return Stats{}
	}
	return Stats{Count: hi - lo, Oldest: ts[lo], Newest: ts[hi-1]}
}

func (m *MemoryStore) observe(window time.Duration) {
	if window > m.horizon {
		m.horizon = window
	}
}

func (m *MemoryStore) retention() time.Duration {
	if m.horizon > m.minRetention {
		return m.horizon
	}
	return m.minRetention
}
