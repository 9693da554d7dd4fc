package subject

import (
	"context"
	"fmt"
)

type frameKey struct{}

// frame is the thread-local (here: context-scoped — spec §9 models
// thread-static state as an explicit per-operation object threaded
// through the call) set of properties read while a derived-property
// evaluation is active. Frames nest: evaluating a derived property that
// itself reads another derived property pushes a new frame while the
// outer one keeps accumulating the inner derived property's own name.
type frame struct {
	touched map[PropertyRef]struct{}
}

func touchFrame(ctx context.Context, ref PropertyRef) {
	if f, ok := ctx.Value(frameKey{}).(*frame); ok {
		f.touched[ref] = struct{}{}
	}
}

func pushFrame(ctx context.Context) (context.Context, *frame) {
	f := &frame{touched: make(map[PropertyRef]struct{})}
	return context.WithValue(ctx, frameKey{}, f), f
}

// BeginRecorder starts an application-facing recording scope (spec §6
// PropertyRecorder.begin_scope): every property read performed directly
// through the returned context is collected until take is called (a
// derived property counts as one read of its own name; the reads its
// formula performs internally are not collected). take both returns and clears the collected set, matching
// scope.take()'s "returns and clears" contract; there is no separate
// dispose step since the scope holds no resources beyond the context
// value itself.
func BeginRecorder(ctx context.Context) (scoped context.Context, take func() []PropertyRef) {
	scoped, f := pushFrame(ctx)
	take = func() []PropertyRef {
		out := make([]PropertyRef, 0, len(f.touched))
		for r := range f.touched {
			out = append(out, r)
		}
		f.touched = make(map[PropertyRef]struct{})
		return out
	}
	return scoped, take
}

const (
	sideKeyRequired = "change.required" // PropertyRef -> map[PropertyRef]struct{}
	sideKeyUsedBy   = "change.usedBy"   // PropertyRef -> map[PropertyRef]struct{}
)

func requiredSet(p *Subject, name string) map[PropertyRef]struct{} {
	if v, ok := p.SideGet(name, sideKeyRequired); ok {
		return v.(map[PropertyRef]struct{})
	}
	return nil
}

func usedBySet(p *Subject, name string) map[PropertyRef]struct{} {
	if v, ok := p.SideGet(name, sideKeyUsedBy); ok {
		return v.(map[PropertyRef]struct{})
	}
	return make(map[PropertyRef]struct{})
}

func addUsedBy(p *Subject, name string, dependent PropertyRef) {
	set := usedBySet(p, name)
	set[dependent] = struct{}{}
	p.SidePut(name, sideKeyUsedBy, set)
}

func removeUsedBy(p *Subject, name string, dependent PropertyRef) {
	set := usedBySet(p, name)
	delete(set, dependent)
	p.SidePut(name, sideKeyUsedBy, set)
}

// UsedBy returns the set of dependent (derived) properties that last read
// name during their evaluation (spec §3: dependency edge inverse).
func (s *Subject) UsedBy(name string) []PropertyRef {
	set := usedBySet(s, name)
	out := make([]PropertyRef, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Required returns the set of upstream properties that property name last
// read during its own evaluation (spec §3: dependency edge), empty for a
// non-derived property or one never evaluated.
func (s *Subject) Required(name string) []PropertyRef {
	set := requiredSet(s, name)
	out := make([]PropertyRef, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Read executes the read pipeline for property name: the effective
// interceptor chain across every attached context, then the terminal
// accessor (spec §4.A/§4.B). Reading a derived property re-evaluates it
// and records the dependency edges it exercised (spec §4.E); reading a
// plain property, if a recorder frame is active (i.e. this read happens
// nested inside a derived-property evaluation), adds this property to
// that frame.
func (s *Subject) Read(ctx context.Context, name string) (any, error) {
	def, ok := s.table[name]
	if !ok {
		return nil, fmt.Errorf("subject: unknown property %q on %s", name, s.typeName)
	}
	ref := PropertyRef{Subject: s, Name: name}
	interceptors := s.effectiveReadInterceptors()
	call := &ReadCall{Property: ref}

	return runReadChain(ctx, interceptors, call, func(ctx context.Context) (any, error) {
		if def.isDerived {
			return s.evaluateDerived(ctx, ref, def)
		}
		touchFrame(ctx, ref)
		return s.terminalRead(def)
	})
}

func (s *Subject) evaluateDerived(ctx context.Context, ref PropertyRef, def *propertyDef) (any, error) {
	// From the perspective of any frame already active (this derivation is
	// nested inside another one), reading this property is itself a touch.
	touchFrame(ctx, ref)

	innerCtx, f := pushFrame(ctx)
	value, err := def.derivedFn(innerCtx, func(name string) (any, error) {
		return s.Read(innerCtx, name)
	})
	if err != nil {
		return nil, err
	}

	newRequired := f.touched
	oldRequired := requiredSet(s, ref.Name)
	for old := range oldRequired {
		if _, still := newRequired[old]; !still {
			removeUsedBy(old.Subject, old.Name, ref)
		}
	}
	for cur := range newRequired {
		if _, already := oldRequired[cur]; !already {
			addUsedBy(cur.Subject, cur.Name, ref)
		}
	}
	s.SidePut(ref.Name, sideKeyRequired, newRequired)
	s.SidePut(ref.Name, "change.lastValue", value)
	return value, nil
}

// LastKnownValue returns the value recorded the last time a derived
// property was evaluated, or ok=false if it has never been evaluated.
func (s *Subject) LastKnownValue(name string) (any, bool) {
	v, ok := s.SideGet(name, "change.lastValue")
	return v, ok
}

// Write executes the write pipeline for property name: the effective
// interceptor chain across every attached context, then the terminal
// write, then (on success only) notifies every attachment so graph
// reachability, lifecycle dispatch, and the change stream can react
// (spec §4.B terminal write protocol, §4.C, §4.D, §4.E). A write
// interceptor that returns without calling next vetoes the write: the
// backing field is unchanged and no attachment is notified.
func (s *Subject) Write(ctx context.Context, name string, value any) error {
	def, ok := s.table[name]
	if !ok {
		return fmt.Errorf("subject: unknown property %q on %s", name, s.typeName)
	}
	if def.isDerived {
		return fmt.Errorf("subject: property %q on %s is derived and cannot be written directly", name, s.typeName)
	}
	ref := PropertyRef{Subject: s, Name: name}
	interceptors := s.effectiveWriteInterceptors()
	current, _ := s.terminalRead(def)
	call := &WriteCall{Property: ref, OldValue: current, NewValue: value}

	var oldValue any
	var written bool
	err := runWriteChain(ctx, interceptors, call, func(ctx context.Context) error {
		var werr error
		oldValue, werr = s.terminalWrite(def, call.NewValue)
		written = werr == nil
		return werr
	})
	if err != nil {
		return err
	}
	if !written {
		// A write interceptor vetoed the write by returning without calling
		// next: the terminal accessor never ran, so no attachment is
		// notified and the change stream never sees a phantom change
		// (spec §4.B).
		return nil
	}
	for _, a := range s.Attachments() {
		a.HandleTerminalWrite(ctx, ref, oldValue, call.NewValue)
	}
	return nil
}

// Invoke executes the method pipeline for methodName (spec §4.A).
// fn is the terminal method body.
func (s *Subject) Invoke(ctx context.Context, methodName string, args []any, fn func(ctx context.Context, args []any) (any, error)) (any, error) {
	interceptors := s.effectiveMethodInterceptors()
	call := &InvokeCall{Subject: s, Method: methodName, Args: args}
	return runInvokeChain(ctx, interceptors, call, func(ctx context.Context) (any, error) {
		return fn(ctx, call.Args)
	})
}
