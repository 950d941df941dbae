package storesync

import (
	"sync"
	"time"
)

type Freshness int

const (
	FreshnessUnknown Freshness = iota
	FreshnessFresh
	FreshnessStale
)

func (f Freshness) String() string {
	switch f {
	case FreshnessFresh:
		return "fresh"
	case FreshnessStale:
		return "stale"
	default:
		return "unknown"
	}
}

// CacheEntry is the freshness metadata of one kind. It is created on the first
// refresh request and lives for the lifetime of the process.
type CacheEntry struct {
	Kind               ResourceKind
	LastSuccessAt      time.Time
	LastError          error
	InFlight           bool
	LastPayloadVersion string

	RequestedAt time.Time
	Refreshes   uint64
	Failures    uint64
}

// StatusStore holds a CacheEntry per kind. Writes happen only on the event loop
// through the coordinator; the lock is for diagnostics readers.
type StatusStore struct {
	registry *Registry

	mu      sync.RWMutex
	entries map[ResourceKind]*CacheEntry
}

func newStatusStore(registry *Registry) *StatusStore {
	return &StatusStore{registry: registry, entries: map[ResourceKind]*CacheEntry{}}
}

func (s *StatusStore) Get(kind ResourceKind) (CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[kind]
	if !ok {
		return CacheEntry{Kind: kind}, false
	}
	return *e, true
}

func (s *StatusStore) InFlight(kind ResourceKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[kind]
	return ok && e.InFlight
}

// Snapshot returns copies of all entries created so far, in registry order.
func (s *StatusStore) Snapshot() []CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CacheEntry, 0, len(s.entries))
	for _, k := range s.registry.Kinds() {
		if e, ok := s.entries[k]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Freshness reports whether the last good payload of kind is within its TTL. A
// zero TTL never goes stale. A failed refresh does not change freshness.
func (s *StatusStore) Freshness(kind ResourceKind, now time.Time) Freshness {
	e, ok := s.Get(kind)
	if !ok || e.LastSuccessAt.IsZero() {
		return FreshnessUnknown
	}
	p, _ := s.registry.Policy(kind)
	if p.TTL > 0 && now.Sub(e.LastSuccessAt) >= p.TTL {
		return FreshnessStale
	}
	return FreshnessFresh
}

// begin marks kind in flight. It returns false when a refresh is already
// running, in which case nothing changes.
func (s *StatusStore) begin(kind ResourceKind, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(kind)
	if e.InFlight {
		return false
	}
	e.InFlight = true
	e.RequestedAt = now
	return true
}

func (s *StatusStore) succeed(kind ResourceKind, version string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(kind)
	e.InFlight = false
	e.LastError = nil
	e.LastSuccessAt = now
	e.LastPayloadVersion = version
	e.Refreshes++
}

func (s *StatusStore) fail(kind ResourceKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(kind)
	e.InFlight = false
	e.LastError = err
	e.Failures++
}

func (s *StatusStore) entryLocked(kind ResourceKind) *CacheEntry {
	e, ok := s.entries[kind]
	if !ok {
		e = &CacheEntry{Kind: kind}
		s.entries[kind] = e
	}
	return e
}
