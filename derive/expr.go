// Package derive adapts the scripting libraries the pack depends on into
// subject.DerivedFunc formulas, so a derived property's computation can be
// authored as data (an expr-lang expression or a JavaScript function)
// instead of a Go closure (spec §4.A: derived properties; §3: "formula").
package derive

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bittoy/subjectgraph/subject"
)

// ExprEnv is the variable environment exposed to a compiled expression: a
// map of property name to its current value, populated via the formula's
// declared Reads list before every evaluation.
type ExprEnv map[string]any

// ExprProperty compiles script once (grounded on the teacher's
// components/transform/expr_assign_node.go use of expr.Compile +
// vm.Run) and returns a subject.DerivedFunc that reads every property
// named in reads through the pipeline's read callback — so reads nested
// in the formula are captured by the dependency tracker exactly as a
// hand-written closure's reads would be — then evaluates the compiled
// program against that environment.
func ExprProperty(script string, reads []string) (subject.DerivedFunc, error) {
	program, err := expr.Compile(script, expr.Env(ExprEnv{}))
	if err != nil {
		return nil, fmt.Errorf("derive: compiling expr formula: %w", err)
	}
	return func(ctx context.Context, read func(name string) (any, error)) (any, error) {
		env := make(ExprEnv, len(reads))
		for _, name := range reads {
			v, err := read(name)
			if err != nil {
				return nil, fmt.Errorf("derive: reading %q for expr formula: %w", name, err)
			}
			env[name] = v
		}
		return vm.Run(program, env)
	}, nil
}
