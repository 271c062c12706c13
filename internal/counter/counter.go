// Package counter implements windowed occurrence counters: ordered
// timestamps per key, counted over caller-chosen sliding windows.
package counter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMinRetention is the shortest horizon a sweep keeps, regardless of
// the windows observed so far.
const DefaultMinRetention = time.Hour

// Stats describes the occurrences of a key inside a window.
type Stats struct {
	Count  int
	Oldest time.Time
	Newest time.Time
}

// Store records occurrences per key and counts them over sliding windows.
// Windows are inclusive on both ends: [now-window, now].
type Store interface {
	// Record appends an occurrence of key at the given time.
	Record(ctx context.Context, key string, at time.Time) error
	// Stats returns the occurrences of key within the window ending now.
	Stats(ctx context.Context, key string, window time.Duration) (Stats, error)
	// Admit atomically counts key over window and, if the count is below
	// limit, records an occurrence at now. The returned Stats describe the
	// window before the new occurrence.
	Admit(ctx context.Context, key string, window time.Duration, limit int) (Stats, bool, error)
	// Sweep drops occurrences older than the longest window in use.
	Sweep(ctx context.Context) (int, error)
	// Reset forgets every occurrence of key.
	Reset(ctx context.Context, key string) error
}

type settings struct {
	clock        clockwork.Clock
	minRetention time.Duration
	keyPrefix    string
}

// Option configures a Store implementation.
type Option func(*settings)

// WithClock injects the clock used for "now".
func WithClock(c clockwork.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithMinRetention sets the shortest horizon kept by Sweep.
func WithMinRetention(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.minRetention = d
		}
	}
}

// WithKeyPrefix namespaces keys in shared backends.
func WithKeyPrefix(p string) Option {
	return func(s *settings) { s.keyPrefix = p }
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:        clockwork.NewRealClock(),
		minRetention: DefaultMinRetention,
		keyPrefix:    "abuseguard",
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
