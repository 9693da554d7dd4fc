// Package source implements component F (Source Binding): the contract an
// external system implements to own a subset of a subject's properties,
// the single-owner binding table, and the SetValueFromSource entry point
// that threads a source's identity and timestamps through the normal
// write pipeline without the framework ever constructing a wire format
// itself (spec §4.F, §6: "no wire format belongs to the core").
package source

import (
	"context"
	"sync"
	"time"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/subject"
)

// WriteResult reports the outcome of a batched write to a Source (spec
// §6: "WriteResult reports (successful_changes, error_or_null,
// failed_changes)").
type WriteResult struct {
	Successful []change.Record
	Failed     []change.Record
	Err        error
}

// Source is an external system that owns the authoritative value of a
// subset of properties (spec §4.F: OPC UA server, MQTT broker, WebSocket
// peer, HTTP endpoint).
type Source interface {
	// Name identifies the source for binding, logging, and transaction
	// grouping.
	Name() string
	// WriteBatchSize bounds how many changes the transaction dispatcher
	// (component G) sends to this source per WriteChanges call.
	WriteBatchSize() int
	// WriteChanges pushes a batch of locally-originated changes out to the
	// external system.
	WriteChanges(ctx context.Context, batch []change.Record) (WriteResult, error)
	// StartListening begins delivering the source's own writes back into
	// the process via writer (typically a closure calling SetValueFromSource).
	// The returned function stops listening.
	StartListening(ctx context.Context, writer func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error) (stop func(), err error)
	// LoadInitialState seeds bound properties with the source's current
	// values before it starts listening for live updates.
	LoadInitialState(ctx context.Context) error
}

// Binding records which source owns a given property (spec §4.F:
// "single-owner; attempting to bind a second source logs a warning and
// replaces the first").
type Binding struct {
	Property string
	Source   Source
}

// Table is the per-property source binding table the transaction
// dispatcher (package txn) consults to group changes by source; its
// GroupBySource also keeps a change out of the group of the source it came
// from (spec §4.F step 3 / spec §8 property 6: source non-echo).
type Table struct {
	mu       sync.RWMutex
	bindings map[bindingKey]*Binding

	logger func(evt string, fields ...any)
}

type bindingKey struct {
	subject *subject.Subject
	name    string
}

// NewTable builds an empty binding table. log may be nil.
func NewTable(log func(evt string, fields ...any)) *Table {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Table{bindings: make(map[bindingKey]*Binding), logger: log}
}

// Bind associates property on s with src, replacing any existing binding
// and logging a warning when the replaced binding named a different
// source (spec §4.F).
func (t *Table) Bind(s *subject.Subject, property string, src Source) {
	key := bindingKey{subject: s, name: property}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.bindings[key]; ok && existing.Source.Name() != src.Name() {
		t.logger("source.rebind", "subject", s.ID(), "property", property,
			"previous", existing.Source.Name(), "next", src.Name())
	}
	t.bindings[key] = &Binding{Property: property, Source: src}
}

// Unbind removes a property's source binding, if any.
func (t *Table) Unbind(s *subject.Subject, property string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, bindingKey{subject: s, name: property})
}

// BoundSource returns the source bound to property, if any.
func (t *Table) BoundSource(s *subject.Subject, property string) (Source, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[bindingKey{subject: s, name: property}]
	if !ok {
		return nil, false
	}
	return b.Source, true
}

// GroupBySource partitions records by their property's bound source.
// Records whose property has no bound source, and records whose Source is
// the name of their property's bound source (writing them back would echo
// the source's own value), are returned separately and pass through to the
// dispatcher's successful list unchanged (spec §4.G: "Grouping... they
// never become a source write").
func (t *Table) GroupBySource(records []change.Record) (grouped map[string][]change.Record, unbound []change.Record) {
	grouped = make(map[string][]change.Record)
	for _, rec := range records {
		src, ok := t.BoundSource(rec.Property.Subject, rec.Property.Name)
		if !ok || (rec.Source != "" && rec.Source == src.Name()) {
			unbound = append(unbound, rec)
			continue
		}
		grouped[src.Name()] = append(grouped[src.Name()], rec)
	}
	return grouped, unbound
}

// SetValueFromSource installs src and the two timestamps into the write's
// context (spec §4.F step 1), then writes value into property through the
// ordinary pipeline (step 2); the resulting change record therefore
// carries source ≠ null (step 3), which the transaction dispatcher uses
// to exclude it from being echoed back to src.
func SetValueFromSource(ctx context.Context, s *subject.Subject, property, src string, changedAtUTC, receivedAtUTC time.Time, value any) error {
	ctx = change.WithSourceOverride(ctx, src, changedAtUTC, receivedAtUTC)
	return s.Write(ctx, property, value)
}
