package connrt

import (
	"sync"
	"time"

	"github.com/bittoy/subjectgraph/subject"
)

// Registry extends the graph registry (spec §4.C) with connector-specific
// per-subject payload — e.g. a list of monitored-item handles — and a
// short-TTL "recently deleted" marker so a connector's periodic resync
// loop doesn't immediately re-add a subject the application just removed
// (spec §4.H).
type Registry struct {
	mu          sync.Mutex
	payload     map[string]map[*subject.Subject]any // key -> subject -> payload
	refs        map[string]map[*subject.Subject]int
	deletedAt   map[string]map[*subject.Subject]time.Time
	deletedTTL  time.Duration
	clockNowUTC func() time.Time
}

// NewRegistry builds a connector registry whose was_recently_deleted
// predicate holds for deletedTTL after an unregister drops a subject to
// zero references.
func NewRegistry(deletedTTL time.Duration) *Registry {
	return &Registry{
		payload:     make(map[string]map[*subject.Subject]any),
		refs:        make(map[string]map[*subject.Subject]int),
		deletedAt:   make(map[string]map[*subject.Subject]time.Time),
		deletedTTL:  deletedTTL,
		clockNowUTC: func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a reference to s under key, calling payloadFactory to
// build its payload on the first reference (spec §4.H: "register(subject,
// key, payload_factory) → (first_ref?)"). Returns true iff this call
// created the first reference.
func (r *Registry) Register(key string, s *subject.Subject, payloadFactory func() any) (firstRef bool, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[key] == nil {
		r.refs[key] = make(map[*subject.Subject]int)
		r.payload[key] = make(map[*subject.Subject]any)
	}
	count := r.refs[key][s]
	if count == 0 {
		r.payload[key][s] = payloadFactory()
		if ts, ok := r.deletedAt[key]; ok {
			delete(ts, s)
		}
	}
	r.refs[key][s] = count + 1
	return count == 0, r.payload[key][s]
}

// Unregister removes one reference to s under key, returning the payload
// and whether this was the last reference (spec §4.H: "unregister(subject)
// → (last_ref?, payload)"). On the last reference it stamps a
// was_recently_deleted marker.
func (r *Registry) Unregister(key string, s *subject.Subject) (lastRef bool, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.refs[key][s]
	if !ok || count == 0 {
		return false, nil
	}
	count--
	r.refs[key][s] = count
	payload = r.payload[key][s]
	if count == 0 {
		delete(r.refs[key], s)
		delete(r.payload[key], s)
		if r.deletedAt[key] == nil {
			r.deletedAt[key] = make(map[*subject.Subject]time.Time)
		}
		r.deletedAt[key][s] = r.clockNowUTC()
		return true, payload
	}
	return false, payload
}

// WasRecentlyDeleted reports whether s was unregistered from key within
// the registry's deletedTTL, so a resync loop skips re-adding it.
func (r *Registry) WasRecentlyDeleted(key string, s *subject.Subject) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.deletedAt[key]
	if !ok {
		return false
	}
	deletedAt, ok := ts[s]
	if !ok {
		return false
	}
	if r.clockNowUTC().Sub(deletedAt) > r.deletedTTL {
		delete(ts, s)
		return false
	}
	return true
}
