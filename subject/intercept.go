package subject

import "context"

// ReadInterceptor mediates a property read (spec §4.B).
type ReadInterceptor interface {
	InterceptRead(ctx context.Context, call *ReadCall, next ReadNext) (any, error)
}

// WriteInterceptor mediates a property write. It may replace call.NewValue
// before invoking next; failing to call next vetoes the write (spec §4.B).
type WriteInterceptor interface {
	InterceptWrite(ctx context.Context, call *WriteCall, next WriteNext) error
}

// MethodInterceptor mediates a subject method invocation.
type MethodInterceptor interface {
	InterceptInvoke(ctx context.Context, call *InvokeCall, next InvokeNext) (any, error)
}

// ReadNext proceeds to the next read interceptor or, at the end of the
// chain, to the terminal property accessor.
type ReadNext func(ctx context.Context) (any, error)

// WriteNext proceeds to the next write interceptor or the terminal write.
type WriteNext func(ctx context.Context) error

// InvokeNext proceeds to the next method interceptor or the method body.
type InvokeNext func(ctx context.Context) (any, error)

// ReadCall is the mutable state threaded through a read chain.
type ReadCall struct {
	Property PropertyRef
}

// WriteCall is the mutable state threaded through a write chain. A write
// interceptor may replace NewValue before calling next (spec §4.B).
type WriteCall struct {
	Property PropertyRef
	OldValue any
	NewValue any
}

// InvokeCall is the mutable state threaded through a method chain.
type InvokeCall struct {
	Subject *Subject
	Method  string
	Args    []any
}

// readRunner executes an ordered, precomputed list of read interceptors
// followed by a terminal accessor. It is built once per effective chain
// and reused across calls; only the per-call index and the terminal
// closure are call-scoped, matching spec §4.B's "stable handle" cache
// contract for the interceptor membership and ordering.
type readRunner struct {
	interceptors []ReadInterceptor
	idx          int
	call         *ReadCall
	terminal     ReadNext
}

func (r *readRunner) Next(ctx context.Context) (any, error) {
	if r.idx >= len(r.interceptors) {
		return r.terminal(ctx)
	}
	ic := r.interceptors[r.idx]
	r.idx++
	return ic.InterceptRead(ctx, r.call, r.Next)
}

func runReadChain(ctx context.Context, interceptors []ReadInterceptor, call *ReadCall, terminal ReadNext) (any, error) {
	r := &readRunner{interceptors: interceptors, call: call, terminal: terminal}
	return r.Next(ctx)
}

type writeRunner struct {
	interceptors []WriteInterceptor
	idx          int
	call         *WriteCall
	terminal     WriteNext
}

func (r *writeRunner) Next(ctx context.Context) error {
	if r.idx >= len(r.interceptors) {
		return r.terminal(ctx)
	}
	ic := r.interceptors[r.idx]
	r.idx++
	return ic.InterceptWrite(ctx, r.call, r.Next)
}

func runWriteChain(ctx context.Context, interceptors []WriteInterceptor, call *WriteCall, terminal WriteNext) error {
	r := &writeRunner{interceptors: interceptors, call: call, terminal: terminal}
	return r.Next(ctx)
}

type invokeRunner struct {
	interceptors []MethodInterceptor
	idx          int
	call         *InvokeCall
	terminal     InvokeNext
}

func (r *invokeRunner) Next(ctx context.Context) (any, error) {
	if r.idx >= len(r.interceptors) {
		return r.terminal(ctx)
	}
	ic := r.interceptors[r.idx]
	r.idx++
	return ic.InterceptInvoke(ctx, r.call, r.Next)
}

func runInvokeChain(ctx context.Context, interceptors []MethodInterceptor, call *InvokeCall, terminal InvokeNext) (any, error) {
	r := &invokeRunner{interceptors: interceptors, call: call, terminal: terminal}
	return r.Next(ctx)
}

// effectiveReadInterceptors concatenates the read interceptors of every
// attached context in attachment order, de-duplicated by identity (spec
// §4.B: "the effective chain is the concatenation of their interceptor
// lists in attachment order, de-duplicated by identity").
func (s *Subject) effectiveReadInterceptors() []ReadInterceptor {
	var out []ReadInterceptor
	seen := make(map[ReadInterceptor]struct{})
	for _, a := range s.Attachments() {
		for _, ic := range a.ReadInterceptors() {
			if _, dup := seen[ic]; dup {
				continue
			}
			seen[ic] = struct{}{}
			out = append(out, ic)
		}
	}
	return out
}

func (s *Subject) effectiveWriteInterceptors() []WriteInterceptor {
	var out []WriteInterceptor
	seen := make(map[WriteInterceptor]struct{})
	for _, a := range s.Attachments() {
		for _, ic := range a.WriteInterceptors() {
			if _, dup := seen[ic]; dup {
				continue
			}
			seen[ic] = struct{}{}
			out = append(out, ic)
		}
	}
	return out
}

func (s *Subject) effectiveMethodInterceptors() []MethodInterceptor {
	var out []MethodInterceptor
	seen := make(map[MethodInterceptor]struct{})
	for _, a := range s.Attachments() {
		for _, ic := range a.MethodInterceptors() {
			if _, dup := seen[ic]; dup {
				continue
			}
			seen[ic] = struct{}{}
			out = append(out, ic)
		}
	}
	return out
}
