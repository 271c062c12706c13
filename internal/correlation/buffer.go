package correlation

import (
	"sort"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// DefaultMaxEventsPerKey bounds each (identity, account) bucket.
const DefaultMaxEventsPerKey = 1000

// eventBuffer holds recent events bucketed by identity, then account.
// Each bucket is sorted by timestamp.
type eventBuffer struct {
	maxPerKey  int
	byIdentity map[string]map[string][]*models.SecurityEvent
	accounts   map[string]map[string]struct{} // account -> identities
	size       int
}

func newEventBuffer(maxPerKey int) *eventBuffer {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxEventsPerKey
	}
	return &eventBuffer{
		maxPerKey:  maxPerKey,
		byIdentity: make(map[string]map[string][]*models.SecurityEvent),
		accounts:   make(map[string]map[string]struct{}),
	}
}

func (b *eventBuffer) add(e *models.SecurityEvent) {
	buckets, ok := b.byIdentity[e.Identity]
	if !ok {
		buckets = make(map[string][]*models.SecurityEvent)
		b.byIdentity[e.Identity] = buckets
	}

	events := buckets[e.AccountID]
	i := sort.Search(len(events), func(i int) bool { return events[i].Timestamp.After(e.Timestamp) })
	events = append(events, nil)
	copy(events[i+1:], events[i:])
	events[i] = e
	b.size++

	if len(events) > b.maxPerKey {
		drop := len(events) - b.maxPerKey
		events = append(events[:0:0], events[drop:]...)
		b.size -= drop
	}
	buckets[e.AccountID] = events

	if e.AccountID != "" {
		ids, ok := b.accounts[e.AccountID]
		if !ok {
			ids = make(map[string]struct{})
			b.accounts[e.AccountID] = ids
		}
		ids[e.Identity] = struct{}{}
	}
}

// candidates returns the buckets that can hold matching events. A nil
// identity or account means "any".
func (b *eventBuffer) candidates(identity, account *string) [][]*models.SecurityEvent {
	var out [][]*models.SecurityEvent
	collect := func(id string) {
		buckets := b.byIdentity[id]
		if account != nil {
			if events, ok := buckets[*account]; ok {
				out = append(out, events)
			}
			return
		}
		for _, events := range buckets {
			out = append(out, events)
		}
	}

	switch {
	case identity != nil:
		collect(*identity)
	case account != nil && *account != "":
		for id := range b.accounts[*account] {
			collect(id)
		}
	default:
		for id := range b.byIdentity {
			collect(id)
		}
	}
	return out
}

// sweep drops events older than cutoff and returns how many were removed.
func (b *eventBuffer) sweep(cutoff time.Time) int {
	removed := 0
	for id, buckets := range b.byIdentity {
		for account, events := range buckets {
			i := sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(cutoff) })
			if i == 0 {
				continue
			}
			removed += i
			if i == len(events) {
				delete(buckets, account)
				if ids, ok := b.accounts[account]; ok {
					delete(ids, id)
					if len(ids) == 0 {
						delete(b.accounts, account)
					}
				}
				continue
			}
			buckets[account] = append(events[:0:0], events[i:]...)
		}
		if len(buckets) == 0 {
			delete(b.byIdentity, id)
		}
	}
	b.size -= removed
	return removed
}

func (b *eventBuffer) len() int { return b.size }
