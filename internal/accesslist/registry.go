// Package accesslist holds the allow and deny lists consulted before any
// other admission decision. Entries are identities, IP addresses or CIDR
// blocks; the two lists never hold the same entry.
package accesslist

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/seancfoley/ipaddress-go/ipaddr"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
)

// ErrInvalidEntry is returned for empty list entries.
var ErrInvalidEntry = errors.New("invalid access list entry")

// Entry is one allow or deny list item.
type Entry struct {
	Value     string     `json:"value"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Lists is a point-in-time copy of both lists.
type Lists struct {
	Allow []Entry `json:"allow"`
	Deny  []Entry `json:"deny"`
}

type item struct {
	entry Entry
	kind  entryKind
	addr  *ipaddr.IPAddress
}

func (it item) expired(now time.Time) bool {
	return it.entry.ExpiresAt != nil && !now.Before(*it.entry.ExpiresAt)
}

// Registry is the allow/deny list store.
type Registry struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	allow      map[string]item
	deny       map[string]item
	allowCIDR  prefixSet
	denyCIDR   prefixSet
	nextExpiry time.Time // earliest deny-prefix expiry, zero if none
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the clock used for expiry.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:  clockwork.NewRealClock(),
		logger: logging.Discard(),
		allow:  make(map[string]item),
		deny:   make(map[string]item),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String(logging.FieldComponent, "accesslist"))
	r.allowCIDR = buildPrefixSet(nil)
	r.denyCIDR = buildPrefixSet(nil)
	return r
}

// Load adds static allow and deny entries. Invalid entries are logged and
// skipped.
func (r *Registry) Load(allow, deny []string) {
	for _, e := range allow {
		if err := r.Allow(e, "static"); err != nil {
			r.logger.Warn("invalid allow entry", slog.String("entry", e), logging.Error(err))
		}
	}
	for _, e := range deny {
		if err := r.Deny(e, 0, "static"); err != nil {
			r.logger.Warn("invalid deny entry", slog.String("entry", e), logging.Error(err))
		}
	}
}

// IsAllowed reports whether identity is allow-listed, exactly or through a
// CIDR block.
func (r *Registry) IsAllowed(identity string) bool {
	key, kind, addr := normalize(identity)
	if key == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.allow[key]; ok {
		return true
	}
	return kind == kindAddress && r.allowCIDR.contains(addr)
}

// IsDenied reports whether identity is deny-listed. Timed entries whose
// expiry has passed are treated as absent and removed.
func (r *Registry) IsDenied(identity string) bool {
	key, kind, addr := normalize(identity)
	if key == "" {
		return false
	}
	now := r.clock.Now()

	r.mu.RLock()
	it, exact := r.deny[key]
	stalePrefixes := !r.nextExpiry.IsZero() && !now.Before(r.nextExpiry)
	r.mu.RUnlock()

	if exact {
		if !it.expired(now) {
			return true
		}
		r.mu.Lock()
		if cur, ok := r.deny[key]; ok && cur.expired(now) {
			r.removeDenyLocked(key)
		}
		r.mu.Unlock()
	}

	if kind != kindAddress {
		return false
	}
	if stalePrefixes {
		r.mu.Lock()
		r.pruneDenyLocked(now)
		r.mu.Unlock()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.denyCIDR.contains(addr)
}

// Allow adds entry to the allow list and removes it from the deny list.
func (r *Registry) Allow(entry, reason string) error {
	key, kind, addr := normalize(entry)
	if key == "" {
		return ErrInvalidEntry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deny[key]; ok {
		r.removeDenyLocked(key)
	}
	r.allow[key] = item{
		entry: Entry{Value: key, Reason: reason, CreatedAt: r.clock.Now()},
		kind:  kind,
		addr:  addr,
	}
	if kind == kindPrefix {
		r.rebuildAllowLocked()
	}
	r.logger.Info("allow list entry added", slog.String("entry", key), logging.Reason(reason))
	return nil
}

// Deny adds entry to the deny list for ttl (0 means until removed) and
// removes it from the allow list. Re-denying refreshes the expiry.
func (r *Registry) Deny(entry string, ttl time.Duration, reason string) error {
	key, kind, addr := normalize(entry)
	if key == "" {
		return ErrInvalidEntry
	}
	now := r.clock.Now()

	e := Entry{Value: key, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allow[key]; ok {
		delete(r.allow, key)
		r.rebuildAllowLocked()
	}
	r.deny[key] = item{entry: e, kind: kind, addr: addr}
	if kind == kindPrefix {
		r.rebuildDenyLocked()
	}
	r.logger.Info("deny list entry added",
		slog.String("entry", key), slog.Duration("ttl", ttl), logging.Reason(reason))
	return nil
}

// RemoveAllow deletes entry from the allow list.
func (r *Registry) RemoveAllow(entry string) bool {
	key, kind, _ := normalize(entry)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allow[key]; !ok {
		return false
	}
	delete(r.allow, key)
	if kind == kindPrefix {
		r.rebuildAllowLocked()
	}
	return true
}

// RemoveDeny deletes entry from the deny list.
func (r *Registry) RemoveDeny(entry string) bool {
	key, _, _ := normalize(entry)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deny[key]; !ok {
		return false
	}
	r.removeDenyLocked(key)
	return true
}

// Lists returns both lists sorted by value, without expired deny entries.
func (r *Registry) Lists() Lists {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Lists{Allow: make([]Entry, 0, len(r.allow)), Deny: make([]Entry, 0, len(r.deny))}
	for _, it := range r.allow {
		out.Allow = append(out.Allow, it.entry)
	}
	for _, it := range r.deny {
		if !it.expired(now) {
			out.Deny = append(out.Deny, it.entry)
		}
	}
	sort.Slice(out.Allow, func(i, j int) bool { return out.Allow[i].Value < out.Allow[j].Value })
	sort.Slice(out.Deny, func(i, j int) bool { return out.Deny[i].Value < out.Deny[j].Value })
	return out
}

// Sweep removes expired deny entries and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneDenyLocked(now)
}

func (r *Registry) pruneDenyLocked(now time.Time) int {
	removed := 0
	prefixes := false
	for key, it := range r.deny {
		if it.expired(now) {
			delete(r.deny, key)
			removed++
			prefixes = prefixes || it.kind == kindPrefix
		}
	}
	if prefixes || !r.nextExpiry.IsZero() {
		r.rebuildDenyLocked()
	}
	return removed
}

func (r *Registry) removeDenyLocked(key string) {
	it := r.deny[key]
	delete(r.deny, key)
	if it.kind == kindPrefix {
		r.rebuildDenyLocked()
	}
}

func (r *Registry) rebuildAllowLocked() {
	var blocks []*ipaddr.IPAddress
	for _, it := range r.allow {
		if it.kind == kindPrefix {
			blocks = append(blocks, it.addr)
		}
	}
	r.allowCIDR = buildPrefixSet(blocks)
}

func (r *Registry) rebuildDenyLocked() {
	var blocks []*ipaddr.IPAddress
	var next time.Time
	for _, it := range r.deny {
		if it.kind != kindPrefix {
			continue
		}
		blocks = append(blocks, it.addr)
		if exp := it.entry.ExpiresAt; exp != nil && (next.IsZero() || exp.Before(next)) {
			next = *exp
		}
	}
	r.denyCIDR = buildPrefixSet(blocks)
	r.nextExpiry = next
}
