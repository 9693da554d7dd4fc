// Package validate implements write-time validation as a
// subject.WriteInterceptor, the way the teacher's builtin/aspect package
// implements cross-cutting checks as aspects run before the guarded
// operation (builtin/aspect/chain_validator_aspect.go): this interceptor
// runs a JavaScript predicate against the candidate new value and vetoes
// the write — by not calling next — when it returns false (spec §4.B,
// §7.2: ValidationFailure).
package validate

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/bittoy/subjectgraph/errs"
	"github.com/bittoy/subjectgraph/subject"
)

// ScriptValidator vetoes a write when script, evaluated against the
// candidate value, returns false or throws.
//
// script's body receives the proposed value as "value" and the previous
// value as "oldValue", e.g. `return value >= 0 && value !== oldValue;`.
type ScriptValidator struct {
	Property string
	pool     *sync.Pool
}

// NewScriptValidator compiles script once and pools goja runtimes across
// concurrent writes, matching the teacher's js node pooling pattern
// (components/transform/js_filter_node.go).
func NewScriptValidator(property, script string) (*ScriptValidator, error) {
	src := fmt.Sprintf("(function(value, oldValue) { %s })", script)
	program, err := goja.Compile("validate.js", src, true)
	if err != nil {
		return nil, fmt.Errorf("validate: compiling predicate: %w", err)
	}
	pool := &sync.Pool{
		New: func() any {
			vm := goja.New()
			v, err := vm.RunProgram(program)
			if err != nil {
				panic(fmt.Sprintf("validate: predicate failed to load in new vm: %v", err))
			}
			fn, ok := goja.AssertFunction(v)
			if !ok {
				panic("validate: compiled predicate did not evaluate to a function")
			}
			return vmFunc{vm: vm, fn: fn}
		},
	}
	return &ScriptValidator{Property: property, pool: pool}, nil
}

type vmFunc struct {
	vm *goja.Runtime
	fn goja.Callable
}

// InterceptWrite implements subject.WriteInterceptor.
func (v *ScriptValidator) InterceptWrite(ctx context.Context, call *subject.WriteCall, next subject.WriteNext) error {
	if call.Property.Name != v.Property {
		return next(ctx)
	}

	vf := v.pool.Get().(vmFunc)
	defer v.pool.Put(vf)

	res, err := vf.fn(goja.Undefined(), vf.vm.ToValue(call.NewValue), vf.vm.ToValue(call.OldValue))
	if err != nil {
		return &errs.ValidationFailure{Property: v.Property, Reason: err.Error()}
	}
	ok, isBool := res.Export().(bool)
	if !isBool {
		return &errs.ValidationFailure{Property: v.Property, Reason: "predicate did not return a boolean"}
	}
	if !ok {
		return &errs.ValidationFailure{Property: v.Property, Reason: "predicate rejected value"}
	}
	return next(ctx)
}
