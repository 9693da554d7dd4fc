package lifecycle

import (
	"context"

	"github.com/bittoy/subjectgraph/graph"
	"github.com/bittoy/subjectgraph/logger"
)

// DerivedInitializer evaluates every derived property of a newly-attached
// subject once, so its dependency edges are recorded before any consumer
// observes the change stream (spec §4.D: "Derived-property initializer").
type DerivedInitializer struct {
	Logger logger.Logger
}

// NewDerivedInitializer builds the handler.
func NewDerivedInitializer(log logger.Logger) *DerivedInitializer {
	if log == nil {
		log = logger.Nop{}
	}
	return &DerivedInitializer{Logger: log}
}

func (d *DerivedInitializer) OnLifecycleChange(ctx context.Context, ev graph.LifecycleEvent) {
	if ev.Reason != graph.Attached {
		return
	}
	for _, name := range ev.Subject.Properties() {
		if !ev.Subject.IsDerived(name) {
			continue
		}
		if _, err := ev.Subject.Read(ctx, name); err != nil {
			d.Logger.Warn("lifecycle.derived_init_failed", "subject", ev.Subject.ID(), "property", name, "error", err)
		}
	}
}
