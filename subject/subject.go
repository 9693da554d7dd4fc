package subject

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bittoy/subjectgraph/clock"
)

// Attachment is the contract a property container (an engine Context) must
// satisfy so a Subject can run its interceptor chain and report terminal
// writes without importing the orchestration layer. A Subject may carry
// several Attachments at once (spec §3: "a subject may be attached to zero
// or more contexts").
type Attachment interface {
	// ID uniquely identifies the attachment for de-duplication when a
	// subject is attached to the same context more than once, and for
	// ordering the effective chain by attachment order.
	ID() uint64
	ReadInterceptors() []ReadInterceptor
	WriteInterceptors() []WriteInterceptor
	MethodInterceptors() []MethodInterceptor
	// HandleTerminalWrite runs after a successful terminal write: graph
	// reachability, lifecycle dispatch, and change-stream publication all
	// happen here, outside the interceptor chain (spec §4.C/§4.D/§4.E).
	HandleTerminalWrite(ctx context.Context, ref PropertyRef, oldValue, newValue any)
}

// Subject is an instance of a user-defined type whose properties are
// mediated by the interceptor pipeline. See spec §3.
type Subject struct {
	id       string
	typeName string

	target reflect.Value // addressable struct value (not pointer)
	table  map[string]*propertyDef

	// intrinsic lock: serializes terminal reads/writes of this subject's
	// backing fields (spec §5).
	fieldMu sync.Mutex

	lastWriteMu sync.RWMutex
	lastWrite   map[string]time.Time

	sideMu sync.RWMutex
	side   map[sideKey]any

	attachMu    sync.RWMutex
	attachments map[uint64]Attachment
	attachOrder []uint64 // order in which attachments were added, for chain ordering

	parentMu sync.Mutex
	parents  []ParentEdge

	clk clock.Clock
}

// ParentEdge is a back-edge recorded by the graph registry (spec §3:
// "Graph edge"). Index is nil for a scalar reference, an int for a
// position in an ordered sequence, or the map key for a keyed mapping.
type ParentEdge struct {
	Parent   *Subject
	Property string
	Index    any
}

type sideKey struct {
	prop string // "" = subject-level annotation
	key  string
}

// Option configures a Subject at construction time.
type Option func(*Subject) error

// WithDerived marks property name (already declared via a
// `subject:"name,derived"` struct tag) as computed by fn. Constructing a
// Subject with a derived tag but no matching WithDerived is an error.
func WithDerived(name string, fn DerivedFunc) Option {
	return func(s *Subject) error {
		def, ok := s.table[name]
		if !ok {
			return fmt.Errorf("subject: no property %q declared on %s", name, s.typeName)
		}
		if !def.isDerived {
			return fmt.Errorf("subject: property %q is not tagged ,derived on %s", name, s.typeName)
		}
		def.derivedFn = fn
		return nil
	}
}

// WithClock overrides the clock used to stamp this subject's writes.
// Defaults to clock.Default.
func WithClock(c clock.Clock) Option {
	return func(s *Subject) error {
		s.clk = c
		return nil
	}
}

// New builds a Subject wrapping target, a pointer to a struct whose fields
// carry `subject:"Name"` tags. The property table is computed once per Go
// type and is immutable thereafter (spec §3 invariant).
func New(target any, opts ...Option) (*Subject, error) {
	cached, elem, err := reflectTable(target)
	if err != nil {
		return nil, err
	}
	table := make(map[string]*propertyDef, len(cached))
	for name, def := range cached {
		own := *def
		table[name] = &own
	}
	idv, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	s := &Subject{
		id:          idv.String(),
		typeName:    elem.Type().Name(),
		target:      elem,
		table:       table,
		lastWrite:   make(map[string]time.Time),
		side:        make(map[sideKey]any),
		attachments: make(map[uint64]Attachment),
		clk:         clock.Default,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	for name, def := range table {
		if def.isDerived && def.derivedFn == nil {
			return nil, fmt.Errorf("subject: property %q on %s tagged ,derived with no WithDerived supplied", name, s.typeName)
		}
	}
	return s, nil
}

// ID is the subject's process-unique identifier.
func (s *Subject) ID() string { return s.id }

// TypeName is the Go struct name the subject wraps.
func (s *Subject) TypeName() string { return s.typeName }

// Addressable returns the pointer to the wrapped user struct, letting
// callers type-assert it against capability interfaces such as
// lifecycle.HostedService (spec §4.D). Application code should prefer
// Read/Write/Invoke; this exists for the framework's own capability
// checks.
func (s *Subject) Addressable() any {
	return s.target.Addr().Interface()
}

// Properties lists every property name in the (immutable) table.
func (s *Subject) Properties() []string {
	names := make([]string, 0, len(s.table))
	for n := range s.table {
		names = append(names, n)
	}
	return names
}

// IsDerived reports whether name is a derived property.
func (s *Subject) IsDerived(name string) bool {
	def, ok := s.table[name]
	return ok && def.isDerived
}

// LastWriteTimestamp returns the changed_at_utc of the most recent
// terminal write to name, used by the read-after-write scheduler's
// stale-skip rule (spec §4.H).
func (s *Subject) LastWriteTimestamp(name string) (time.Time, bool) {
	s.lastWriteMu.RLock()
	defer s.lastWriteMu.RUnlock()
	t, ok := s.lastWrite[name]
	return t, ok
}

// Parents returns a snapshot of the subject's back-edge multiset.
func (s *Subject) Parents() []ParentEdge {
	s.parentMu.Lock()
	defer s.parentMu.Unlock()
	out := make([]ParentEdge, len(s.parents))
	copy(out, s.parents)
	return out
}

// AddParent records a back-edge. Exported for use by package graph only;
// application code never calls this directly.
func (s *Subject) AddParent(e ParentEdge) {
	s.parentMu.Lock()
	s.parents = append(s.parents, e)
	s.parentMu.Unlock()
}

// RemoveParent removes exactly one matching back-edge (multiset
// semantics: the same (parent, property, index) triple may appear more
// than once and only one instance is removed).
func (s *Subject) RemoveParent(e ParentEdge) {
	s.parentMu.Lock()
	defer s.parentMu.Unlock()
	for i, p := range s.parents {
		if p.Parent == e.Parent && p.Property == e.Property && p.Index == e.Index {
			s.parents = append(s.parents[:i], s.parents[i+1:]...)
			return
		}
	}
}

// SideGet reads an annotation from the side-data bag. prop == "" addresses
// a subject-level (not per-property) annotation.
func (s *Subject) SideGet(prop, key string) (any, bool) {
	s.sideMu.RLock()
	defer s.sideMu.RUnlock()
	v, ok := s.side[sideKey{prop, key}]
	return v, ok
}

// SidePut writes an annotation into the side-data bag.
func (s *Subject) SidePut(prop, key string, value any) {
	s.sideMu.Lock()
	s.side[sideKey{prop, key}] = value
	s.sideMu.Unlock()
}

// AttachTo records that the subject is now attached to a (context. Safe to
// call more than once for the same attachment ID (ref-counted elsewhere by
// package graph); here it just ensures the attachment participates in the
// effective interceptor chain.
func (s *Subject) AttachTo(a Attachment) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if _, ok := s.attachments[a.ID()]; ok {
		return
	}
	s.attachments[a.ID()] = a
	s.attachOrder = append(s.attachOrder, a.ID())
}

// DetachFrom removes an attachment from the subject's membership set.
func (s *Subject) DetachFrom(id uint64) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	delete(s.attachments, id)
	for i, existing := range s.attachOrder {
		if existing == id {
			s.attachOrder = append(s.attachOrder[:i], s.attachOrder[i+1:]...)
			break
		}
	}
}

// Attachments returns the subject's current attachment set in attachment
// order.
func (s *Subject) Attachments() []Attachment {
	s.attachMu.RLock()
	defer s.attachMu.RUnlock()
	out := make([]Attachment, 0, len(s.attachOrder))
	for _, id := range s.attachOrder {
		out = append(out, s.attachments[id])
	}
	return out
}

// RawGet reads a stored property's current value without going through
// the interceptor pipeline or recording a dependency. Used internally by
// the graph registry to walk reachable subjects (spec §4.C); exported so
// sibling packages can reuse it, not meant for application code.
func (s *Subject) RawGet(name string) (any, error) {
	def, ok := s.table[name]
	if !ok {
		return nil, fmt.Errorf("subject: unknown property %q", name)
	}
	if def.isDerived {
		return nil, fmt.Errorf("subject: %q is derived, use Read", name)
	}
	s.fieldMu.Lock()
	defer s.fieldMu.Unlock()
	return s.target.FieldByIndex(def.fieldIndex).Interface(), nil
}

func (s *Subject) terminalWrite(def *propertyDef, newValue any) (oldValue any, err error) {
	s.fieldMu.Lock()
	defer s.fieldMu.Unlock()
	field := s.target.FieldByIndex(def.fieldIndex)
	oldValue = field.Interface()
	nv := reflect.ValueOf(newValue)
	if !nv.IsValid() {
		nv = reflect.Zero(def.typ)
	} else if !nv.Type().AssignableTo(def.typ) {
		if nv.Type().ConvertibleTo(def.typ) {
			nv = nv.Convert(def.typ)
		} else {
			return oldValue, fmt.Errorf("subject: value of type %s not assignable to property %q of type %s", nv.Type(), def.name, def.typ)
		}
	}
	field.Set(nv)
	s.lastWriteMu.Lock()
	s.lastWrite[def.name] = s.clk.NowUTC()
	s.lastWriteMu.Unlock()
	return oldValue, nil
}

func (s *Subject) terminalRead(def *propertyDef) (any, error) {
	s.fieldMu.Lock()
	defer s.fieldMu.Unlock()
	return s.target.FieldByIndex(def.fieldIndex).Interface(), nil
}
