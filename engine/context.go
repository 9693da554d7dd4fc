// Package engine is the composition root: it wires the graph registry,
// change stream, and lifecycle handlers behind the single type a Subject
// actually talks to — a Context implementing subject.Attachment — the way
// the teacher's engine.NewConfig wires a rule engine's parser, component
// registry, and built-in aspects behind one Config (engine/config.go).
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/clock"
	"github.com/bittoy/subjectgraph/errs"
	"github.com/bittoy/subjectgraph/graph"
	"github.com/bittoy/subjectgraph/lifecycle"
	"github.com/bittoy/subjectgraph/logger"
	"github.com/bittoy/subjectgraph/source"
	"github.com/bittoy/subjectgraph/subject"
)

var nextContextID uint64

// SubjectFactory materializes a locally-represented Subject for a remote
// type_id, a capability connectors that mirror remote object models
// consume (spec §6: "SubjectFactory — create(type_id, context) → Subject").
type SubjectFactory func(typeID string, ctx *Context) (*subject.Subject, error)

// builtinHandlers returns the lifecycle handlers always installed on a new
// Context in addition to any the caller supplies, the way the teacher's
// engine.BuiltinsAspects are always present alongside custom aspects
// (engine/config.go).
func builtinHandlers(log logger.Logger) []graph.LifecycleHandler {
	return []graph.LifecycleHandler{
		lifecycle.NewDerivedInitializer(log),
		lifecycle.NewHostedServiceHandler(log),
	}
}

// Context is a Context of spec §3: a named set of interceptors, a graph
// registry, a change stream, and the lifecycle handlers that react to
// attach/detach and terminal writes. A Subject may be attached to more
// than one Context at once.
type Context struct {
	id uint64

	readInterceptors   []subject.ReadInterceptor
	writeInterceptors  []subject.WriteInterceptor
	methodInterceptors []subject.MethodInterceptor

	Registry *graph.Registry
	Stream   *change.Stream
	Clock    clock.Clock
	Logger   logger.Logger
	Sources  *source.Table
}

// Option configures a Context at construction time.
type Option func(*Context) error

// WithReadInterceptors appends read interceptors, in the order given.
func WithReadInterceptors(ics ...subject.ReadInterceptor) Option {
	return func(c *Context) error { c.readInterceptors = append(c.readInterceptors, ics...); return nil }
}

// WithWriteInterceptors appends write interceptors, in the order given.
func WithWriteInterceptors(ics ...subject.WriteInterceptor) Option {
	return func(c *Context) error { c.writeInterceptors = append(c.writeInterceptors, ics...); return nil }
}

// WithMethodInterceptors appends method interceptors, in the order given.
func WithMethodInterceptors(ics ...subject.MethodInterceptor) Option {
	return func(c *Context) error { c.methodInterceptors = append(c.methodInterceptors, ics...); return nil }
}

// WithClock overrides the clock used to stamp locally-originated change
// records. Defaults to clock.Default.
func WithClock(clk clock.Clock) Option {
	return func(c *Context) error { c.Clock = clk; return nil }
}

// WithLogger overrides the Context's logger. Defaults to logger.Nop{}.
func WithLogger(log logger.Logger) Option {
	return func(c *Context) error { c.Logger = log; return nil }
}

// WithLifecycleHandlers registers additional lifecycle handlers alongside
// the built-in ones (derived-property initialization, hosted services).
func WithLifecycleHandlers(handlers ...graph.LifecycleHandler) Option {
	return func(c *Context) error {
		for _, h := range handlers {
			c.Registry.RegisterHandler(h)
		}
		return nil
	}
}

// NewContext builds a Context with its own graph registry and change
// stream, the built-in lifecycle handlers always installed, and any
// caller-supplied interceptors/handlers layered on top.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		id:       atomic.AddUint64(&nextContextID, 1),
		Registry: graph.NewRegistry(),
		Stream:   change.NewStream(),
		Clock:    clock.Default,
		Logger:   logger.Nop{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	for _, h := range builtinHandlers(c.Logger) {
		c.Registry.RegisterHandler(h)
	}
	c.Sources = source.NewTable(c.Logger.Warn)
	return c, nil
}

// ID implements subject.Attachment.
func (c *Context) ID() uint64 { return c.id }

// ReadInterceptors implements subject.Attachment.
func (c *Context) ReadInterceptors() []subject.ReadInterceptor { return c.readInterceptors }

// WriteInterceptors implements subject.Attachment.
func (c *Context) WriteInterceptors() []subject.WriteInterceptor { return c.writeInterceptors }

// MethodInterceptors implements subject.Attachment.
func (c *Context) MethodInterceptors() []subject.MethodInterceptor {
	return c.methodInterceptors
}

// Attach attaches s to the Context as a graph root and begins mediating
// its reads/writes/invokes through the Context's interceptor chains
// (spec §4.A "attach").
func (c *Context) Attach(ctx context.Context, s *subject.Subject) error {
	s.AttachTo(c)
	err := c.Registry.AttachRoot(ctx, s)
	lifecycleEventsTotal.WithLabelValues("attach").Inc()
	return err
}

// Detach undoes one Attach call.
func (c *Context) Detach(ctx context.Context, s *subject.Subject) error {
	err := c.Registry.DetachRoot(ctx, s)
	if c.Registry.Refcount(s) == 0 {
		s.DetachFrom(c.id)
	}
	lifecycleEventsTotal.WithLabelValues("detach").Inc()
	return err
}

// Walk returns every subject reachable from root, with its path from root
// (spec §6 SubjectGraph.walk).
func (c *Context) Walk(root *subject.Subject) []graph.WalkEntry { return graph.Walk(root) }

// ParentsOf returns s's recorded back-edges (spec §6 SubjectGraph.parents_of).
func (c *Context) ParentsOf(s *subject.Subject) []subject.ParentEdge { return s.Parents() }

// PathsOf returns the dotted paths currently leading to s from a root of
// this Context (spec §6 SubjectGraph.paths_of).
func (c *Context) PathsOf(s *subject.Subject) []string { return c.Registry.Paths(s) }

// PathProvider maps a property reference to the string path a named
// connector addresses it by, returning ok=false for a property that
// connector doesn't expose (spec §6 PathProvider) so the connector filters
// it out rather than erroring.
type PathProvider func(ref subject.PropertyRef) (path string, ok bool)

// RecorderScope collects every property read performed on the capturing
// goroutine while it is active (spec §6 PropertyRecorder). Unlike the
// derived-property dependency frame in package subject (which always
// runs, to track recomputation edges), a RecorderScope is opt-in
// instrumentation an application installs around a block of its own code.
type RecorderScope struct {
	take     func() []subject.PropertyRef
	disposed bool
}

// Take returns and clears the set of properties read since the scope
// began or was last taken (spec §6: "scope.take() returns and clears the
// set").
func (s *RecorderScope) Take() []subject.PropertyRef {
	if s.disposed {
		return nil
	}
	return s.take()
}

// Dispose ends the scope. Idempotent; the scope holds no external
// resources, so this only guards against Take being called afterward by
// mistake (spec §6: "scope.dispose() detaches").
func (s *RecorderScope) Dispose() { s.disposed = true }

// BeginScope starts a recorder scope; property reads performed directly
// through the returned context are collected (see subject.BeginRecorder)
// until Dispose. Take returns and clears what has been collected so far.
func (c *Context) BeginScope(ctx context.Context) (context.Context, *RecorderScope) {
	scoped, take := subject.BeginRecorder(ctx)
	return scoped, &RecorderScope{take: take}
}

// HandleTerminalWrite implements subject.Attachment: it runs after a
// successful terminal write, outside the write-interceptor chain (spec
// §4.B "terminal write protocol"). In order, it: (1) updates graph
// reachability for this property's new value, which may synchronously
// attach or detach subjects and dispatch their lifecycle events;
// (2) publishes a change record for the write itself, tagged with its
// origin (local vs. source, spec §4.F); (3) recomputes every derived
// property that transitively depends on the written property, publishing
// a change record for each one whose value actually changed (spec §4.E).
func (c *Context) HandleTerminalWrite(ctx context.Context, ref subject.PropertyRef, oldValue, newValue any) {
	c.Registry.OnWrite(ctx, ref.Subject, ref.Name, oldValue, newValue)

	rec := change.Record{
		Property:     ref,
		OldValue:     oldValue,
		NewValue:     newValue,
		ChangedAtUTC: c.Clock.NowUTC(),
	}
	if src := change.CurrentSource(ctx); src != "" {
		rec.Source = src
		rec.TimestampOrigin = change.OriginSource
		if changedAt, receivedAt, ok := change.SourceTimestamps(ctx); ok {
			rec.ChangedAtUTC = changedAt
			recv := receivedAt
			rec.ReceivedAtUTC = &recv
		}
	}
	c.Stream.Publish(rec)
	if rec.TimestampOrigin == change.OriginSource {
		writesTotal.WithLabelValues("source").Inc()
	} else {
		writesTotal.WithLabelValues("local").Inc()
	}

	recomputeStart := c.Clock.NowUTC()
	change.Recompute(ctx, c.Clock, ref, c.Stream)
	recomputeDuration.WithLabelValues().Observe(c.Clock.NowUTC().Sub(recomputeStart).Seconds())
}

// requireAttached reports NotAttachedError for an operation that needs
// this Context's services (e.g. a bound source) performed on a subject
// never attached to it (spec §4.A; a bare standalone write still succeeds
// without ever calling this).
func (c *Context) requireAttached(s *subject.Subject, property string) error {
	for _, a := range s.Attachments() {
		if a.ID() == c.id {
			return nil
		}
	}
	return &errs.NotAttachedError{Subject: s.ID(), Property: property}
}

// BindSource associates property on s with src in this Context's binding
// table (spec §4.F), requiring s be attached here first since the binding
// is meaningless without this Context mediating the write.
func (c *Context) BindSource(s *subject.Subject, property string, src source.Source) error {
	if err := c.requireAttached(s, property); err != nil {
		return err
	}
	c.Sources.Bind(s, property, src)
	return nil
}

// SetValueFromSource writes value into property on s on behalf of src,
// tagging the resulting change record with src's identity so the
// transaction dispatcher never echoes it back (spec §4.F).
func (c *Context) SetValueFromSource(ctx context.Context, s *subject.Subject, property, src string, changedAtUTC, receivedAtUTC time.Time, value any) error {
	if err := c.requireAttached(s, property); err != nil {
		return err
	}
	return source.SetValueFromSource(ctx, s, property, src, changedAtUTC, receivedAtUTC, value)
}
