package mitigation

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// idleWait is how long Run sleeps when nothing is scheduled; Schedule
// wakes it early.
const idleWait = time.Hour

// ExpireFunc is called once per due entry with the mitigation as it was
// scheduled.
type ExpireFunc func(m Mitigation)

type expiryItem struct {
	key   storeKey
	at    time.Time
	m     Mitigation
	index int
}

type expiryHeap []*expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*expiryItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler fires each mitigation's expiry once, from a single goroutine
// driven by one timer set to the earliest deadline.
type Scheduler struct {
	clock  clockwork.Clock
	expire ExpireFunc

	mu    sync.Mutex
	heap  expiryHeap
	items map[storeKey]*expiryItem
	wake  chan struct{}
}

// NewScheduler creates an expiry scheduler.
func NewScheduler(clock clockwork.Clock, expire ExpireFunc) *Scheduler {
	return &Scheduler{
		clock:  clock,
		expire: expire,
		items:  make(map[storeKey]*expiryItem),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule sets the expiry of m at m.ExpiresAt, replacing any earlier
// entry for the same kind and target.
func (s *Scheduler) Schedule(m Mitigation) {
	k := storeKey{m.Kind, m.Target}
	s.mu.Lock()
	if item, ok := s.items[k]; ok {
		item.at = m.ExpiresAt
		item.m = m
		heap.Fix(&s.heap, item.index)
	} else {
		item := &expiryItem{key: k, at: m.ExpiresAt, m: m}
		heap.Push(&s.heap, item)
		s.items[k] = item
	}
	s.mu.Unlock()
	s.notify()
}

// Cancel removes the entry for (kind, target).
func (s *Scheduler) Cancel(kind Kind, target string) {
	k := storeKey{kind, target}
	s.mu.Lock()
	if item, ok := s.items[k]; ok {
		heap.Remove(&s.heap, item.index)
		delete(s.items, k)
	}
	s.mu.Unlock()
	s.notify()
}

// Len returns the number of scheduled expiries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Next returns the earliest deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// RunDue pops every entry due at now and calls the expire func for each,
// outside the lock. It returns the number fired.
func (s *Scheduler) RunDue(now time.Time) int {
	var due []*expiryItem
	s.mu.Lock()
	for len(s.heap) > 0 && !now.Before(s.heap[0].at) {
		item := heap.Pop(&s.heap).(*expiryItem)
		delete(s.items, item.key)
		due = append(due, item)
	}
	s.mu.Unlock()

	for _, item := range due {
		s.expire(item.m)
	}
	return len(due)
}

// Run fires expiries until ctx is cancelled. This should be called in a
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	timer := s.clock.NewTimer(idleWait)
	defer timer.Stop()

	for {
		now := s.clock.Now()
		s.RunDue(now)

		wait := idleWait
		if next, ok := s.Next(); ok {
			wait = next.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
