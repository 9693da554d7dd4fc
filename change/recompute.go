package change

import (
	"context"
	"reflect"

	"github.com/bittoy/subjectgraph/clock"
	"github.com/bittoy/subjectgraph/subject"
)

// Recompute re-evaluates every derived property that directly or
// transitively depends on property (spec §4.E step 3: "recomputation
// cascade"). For each dependent whose recomputed value differs from its
// last-known value, it publishes a Record with TimestampOrigin OriginDerived
// to stream and recurses into that dependent's own UsedBy set, so a chain
// of derived-on-derived properties settles in a single call.
//
// visited guards against revisiting a property already recomputed in this
// cascade, which both bounds the work to one pass per property and tolerates
// a dependency cycle between derived properties (spec §4.C's cycle tolerance
// extends to derived dependency edges, not just graph containment edges).
func Recompute(ctx context.Context, clk clock.Clock, property subject.PropertyRef, stream *Stream) {
	recompute(ctx, clk, property, stream, make(map[subject.PropertyRef]struct{}))
}

func recompute(ctx context.Context, clk clock.Clock, property subject.PropertyRef, stream *Stream, visited map[subject.PropertyRef]struct{}) {
	for _, dependent := range property.Subject.UsedBy(property.Name) {
		if _, seen := visited[dependent]; seen {
			continue
		}
		visited[dependent] = struct{}{}

		oldValue, hadOld := dependent.Subject.LastKnownValue(dependent.Name)
		newValue, err := dependent.Subject.Read(ctx, dependent.Name)
		if err != nil {
			// A failing recomputation leaves the last-known value in place;
			// the next successful write to any of its dependencies will
			// retry it.
			continue
		}
		if hadOld && valuesEqual(oldValue, newValue) {
			continue
		}

		if stream != nil {
			stream.Publish(Record{
				Property:        dependent,
				OldValue:        oldValue,
				NewValue:        newValue,
				ChangedAtUTC:    clk.NowUTC(),
				TimestampOrigin: OriginDerived,
			})
		}

		recompute(ctx, clk, dependent, stream, visited)
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
