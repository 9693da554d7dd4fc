// Package graph implements component C (Graph Registry): reference
// counted attach/detach of subjects as the graph of reachable subjects
// changes, tolerant of cycles, with ordered lifecycle callbacks emitted
// outside the registry's lock (spec §4.C, §4.D).
package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/bittoy/subjectgraph/subject"
)

// ParentEdge mirrors subject.ParentEdge for registry bookkeeping that
// needs a comparable value independent of subject.Subject's exported
// representation.
type ParentEdge = subject.ParentEdge

// LifecycleEvent is emitted on a 0→1 or 1→0 refcount transition (spec
// §4.D).
type LifecycleEvent struct {
	Subject     *subject.Subject
	NewRefcount uint
	Via         *ParentEdge
	Reason      Reason
}

// Reason distinguishes an attach event from a detach event.
type Reason int

const (
	Attached Reason = iota
	Detached
)

func (r Reason) String() string {
	if r == Attached {
		return "attached"
	}
	return "detached"
}

// LifecycleHandler receives ordered lifecycle events (spec §4.D). Handlers
// are invoked sequentially, outside the registry lock, in the order the
// edges changed.
type LifecycleHandler interface {
	OnLifecycleChange(ctx context.Context, ev LifecycleEvent)
}

// LifecycleHandlerFunc adapts a function to LifecycleHandler.
type LifecycleHandlerFunc func(ctx context.Context, ev LifecycleEvent)

func (f LifecycleHandlerFunc) OnLifecycleChange(ctx context.Context, ev LifecycleEvent) {
	f(ctx, ev)
}

// Registry tracks reachable subjects, their paths from roots, and parent
// back-edges for a single context (spec §4.C: "the registry serializes
// edge mutations under a single lock per context").
type Registry struct {
	mu sync.Mutex

	refcount map[*subject.Subject]uint
	paths    map[*subject.Subject]map[string]struct{}
	roots    map[*subject.Subject]struct{}

	handlersMu sync.RWMutex
	handlers   []LifecycleHandler

	// queue holds events produced under the lock, dispatched after it is
	// released, preserving FIFO order (spec §4.C concurrency note).
	queueMu sync.Mutex
	queue   []LifecycleEvent
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		refcount: make(map[*subject.Subject]uint),
		paths:    make(map[*subject.Subject]map[string]struct{}),
		roots:    make(map[*subject.Subject]struct{}),
	}
}

// RegisterHandler adds a lifecycle handler. Order of registration is the
// order handlers are invoked for a given event.
func (r *Registry) RegisterHandler(h LifecycleHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Refcount returns the subject's current reference count (0 if untracked).
func (r *Registry) Refcount(s *subject.Subject) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount[s]
}

// Paths returns the dotted source-paths currently leading to s from a
// root (spec §6 PathProvider/§4.C).
func (r *Registry) Paths(s *subject.Subject) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.paths[s]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// AttachRoot attaches s as a root (counts as 1, spec §3) and recursively
// attaches every subject reachable from its properties. Safe to call more
// than once; each call increments the root's refcount.
func (r *Registry) AttachRoot(ctx context.Context, s *subject.Subject) error {
	r.mu.Lock()
	r.roots[s] = struct{}{}
	seen := make(map[*subject.Subject]struct{})
	r.attachLocked(s, nil, "", seen)
	r.mu.Unlock()
	r.drain(ctx)
	return nil
}

// DetachRoot undoes one AttachRoot call.
func (r *Registry) DetachRoot(ctx context.Context, s *subject.Subject) error {
	r.mu.Lock()
	seen := make(map[*subject.Subject]struct{})
	r.detachLocked(s, nil, seen)
	if r.refcount[s] == 0 {
		delete(r.roots, s)
	}
	r.mu.Unlock()
	r.drain(ctx)
	return nil
}

// OnWrite runs the attach/detach algorithm of spec §4.C for a single
// property write: it diffs the subjects reachable through oldValue and
// newValue and walks the difference.
func (r *Registry) OnWrite(ctx context.Context, parent *subject.Subject, property string, oldValue, newValue any) {
	oldChildren := subjectsIn(oldValue)
	newChildren := subjectsIn(newValue)

	r.mu.Lock()
	seen := make(map[*subject.Subject]struct{})
	for _, c := range newChildren {
		if !containsChild(oldChildren, c) {
			edge := ParentEdge{Parent: parent, Property: property, Index: c.index}
			r.attachLocked(c.subject, &edge, pathFragmentFor(parent, property, c.index), seen)
		}
	}
	seen = make(map[*subject.Subject]struct{})
	for _, c := range oldChildren {
		if !containsChild(newChildren, c) {
			edge := ParentEdge{Parent: parent, Property: property, Index: c.index}
			r.detachLocked(c.subject, &edge, seen)
		}
	}
	r.recomputePathsLocked(parent)
	r.mu.Unlock()
	r.drain(ctx)
}

// attachLocked must be called with r.mu held. seen bounds the recursive
// walk to one visit per subject for this top-level operation, which is
// what makes cyclic graphs safe (spec §4.C cycle tolerance).
func (r *Registry) attachLocked(s *subject.Subject, via *ParentEdge, path string, seen map[*subject.Subject]struct{}) {
	if _, visited := seen[s]; visited {
		return
	}
	seen[s] = struct{}{}

	r.refcount[s]++
	newCount := r.refcount[s]
	if via != nil {
		s.AddParent(*via)
	}
	if path != "" {
		set := r.paths[s]
		if set == nil {
			set = make(map[string]struct{})
			r.paths[s] = set
		}
		set[path] = struct{}{}
	}

	if newCount == 1 {
		r.enqueue(LifecycleEvent{Subject: s, NewRefcount: newCount, Via: via, Reason: Attached})
		for _, name := range s.Properties() {
			if s.IsDerived(name) {
				continue
			}
			v, err := s.RawGet(name)
			if err != nil {
				continue
			}
			for _, c := range subjectsIn(v) {
				edge := ParentEdge{Parent: s, Property: name, Index: c.index}
				r.attachLocked(c.subject, &edge, joinPath(path, name, c.index), seen)
			}
		}
	}
}

func (r *Registry) detachLocked(s *subject.Subject, via *ParentEdge, seen map[*subject.Subject]struct{}) {
	if _, visited := seen[s]; visited {
		return
	}
	seen[s] = struct{}{}

	if r.refcount[s] == 0 {
		return
	}
	if via != nil {
		s.RemoveParent(*via)
	}
	r.refcount[s]--
	newCount := r.refcount[s]

	if newCount == 0 {
		delete(r.paths, s)
		r.enqueue(LifecycleEvent{Subject: s, NewRefcount: 0, Via: via, Reason: Detached})
		for _, name := range s.Properties() {
			if s.IsDerived(name) {
				continue
			}
			v, err := s.RawGet(name)
			if err != nil {
				continue
			}
			for _, c := range subjectsIn(v) {
				edge := ParentEdge{Parent: s, Property: name, Index: c.index}
				r.detachLocked(c.subject, &edge, seen)
			}
		}
	}
}

func (r *Registry) recomputePathsLocked(root *subject.Subject) {
	if _, isRoot := r.roots[root]; !isRoot {
		return
	}
	// Root paths are seeded empty; deeper paths are rebuilt incrementally
	// by attachLocked/detachLocked as edges change, matching spec's "paths
	// ... rebuilt on edge changes" without a full re-walk on every write.
}

func (r *Registry) enqueue(ev LifecycleEvent) {
	r.queueMu.Lock()
	r.queue = append(r.queue, ev)
	r.queueMu.Unlock()
}

// drain dispatches queued events to handlers outside the registry lock,
// in FIFO order (spec §4.C/§4.D).
func (r *Registry) drain(ctx context.Context) {
	r.queueMu.Lock()
	pending := r.queue
	r.queue = nil
	r.queueMu.Unlock()

	r.handlersMu.RLock()
	handlers := make([]LifecycleHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlersMu.RUnlock()

	for _, ev := range pending {
		for _, h := range handlers {
			h.OnLifecycleChange(ctx, ev)
		}
	}
}

type childRef struct {
	subject *subject.Subject
	index   any
}

func containsChild(list []childRef, c childRef) bool {
	for _, e := range list {
		if e.subject == c.subject && e.index == c.index {
			return true
		}
	}
	return false
}

// subjectsIn walks a property value one level deep to find embedded
// subjects: a scalar *subject.Subject, an ordered sequence of subjects
// (index = position), or a keyed mapping to subjects (index = key) —
// spec §3 "Graph edge".
func subjectsIn(v any) []childRef {
	if v == nil {
		return nil
	}
	if s, ok := v.(*subject.Subject); ok {
		if s == nil {
			return nil
		}
		return []childRef{{subject: s, index: nil}}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		var out []childRef
		for i := 0; i < rv.Len(); i++ {
			if s, ok := rv.Index(i).Interface().(*subject.Subject); ok && s != nil {
				out = append(out, childRef{subject: s, index: i})
			}
		}
		return out
	case reflect.Map:
		var out []childRef
		for _, k := range rv.MapKeys() {
			if s, ok := rv.MapIndex(k).Interface().(*subject.Subject); ok && s != nil {
				out = append(out, childRef{subject: s, index: k.Interface()})
			}
		}
		return out
	}
	return nil
}

func pathFragmentFor(parent *subject.Subject, property string, index any) string {
	return joinPath("", property, index)
}

func joinPath(base, property string, index any) string {
	seg := property
	if index != nil {
		seg = fmt.Sprintf("%s[%v]", property, index)
	}
	if base == "" {
		return seg
	}
	return base + "." + seg
}
