package derive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/bittoy/subjectgraph/subject"
)

// ScriptProperty compiles a JavaScript function body once (grounded on the
// teacher's components/transform/js_filter_node.go: a goja.Program compiled
// from a function template and pooled across VMs, since a goja.Runtime is
// not safe for concurrent use) and returns a subject.DerivedFunc that
// builds a fresh property bag from reads and invokes the function with it.
//
// script's body receives a single "props" object whose keys are the names
// in reads, e.g. `return props.firstName + " " + props.lastName;`.
func ScriptProperty(script string, reads []string) (subject.DerivedFunc, error) {
	src := fmt.Sprintf("(function(props) { %s })", script)
	program, err := goja.Compile("derived.js", src, true)
	if err != nil {
		return nil, fmt.Errorf("derive: compiling script formula: %w", err)
	}

	pool := &sync.Pool{
		New: func() any {
			vm := goja.New()
			v, err := vm.RunProgram(program)
			if err != nil {
				panic(fmt.Sprintf("derive: script formula failed to load in new vm: %v", err))
			}
			fn, ok := goja.AssertFunction(v)
			if !ok {
				panic("derive: compiled script did not evaluate to a function")
			}
			return vmFunc{vm: vm, fn: fn}
		},
	}

	return func(ctx context.Context, read func(name string) (any, error)) (any, error) {
		props := make(map[string]any, len(reads))
		for _, name := range reads {
			v, err := read(name)
			if err != nil {
				return nil, fmt.Errorf("derive: reading %q for script formula: %w", name, err)
			}
			props[name] = v
		}

		vf := pool.Get().(vmFunc)
		defer pool.Put(vf)

		res, err := vf.fn(goja.Undefined(), vf.vm.ToValue(props))
		if err != nil {
			var jsErr *goja.Exception
			if errors.As(err, &jsErr) {
				return nil, fmt.Errorf("derive: script formula threw: %s", jsErr.Value().String())
			}
			return nil, err
		}
		return res.Export(), nil
	}, nil
}

type vmFunc struct {
	vm *goja.Runtime
	fn goja.Callable
}
