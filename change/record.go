// Package change implements component E: it captures every write,
// distinguishes local from remote origin, computes derived-property
// recomputation cascades, and publishes the resulting change stream
// (spec §4.E).
package change

import (
	"context"
	"time"

	"github.com/bittoy/subjectgraph/subject"
)

// TimestampOrigin distinguishes how ChangedAtUTC was obtained.
type TimestampOrigin int

const (
	// OriginLocal means the framework's own clock stamped the change at
	// the moment of the terminal write.
	OriginLocal TimestampOrigin = iota
	// OriginSource means an external source supplied the timestamp via
	// SetValueFromSource (spec §4.F).
	OriginSource
	// OriginDerived means this record was produced by a derived-property
	// recomputation cascade (spec §4.E step 3), not a direct write.
	OriginDerived
)

// Record is an immutable description of a single property's value
// transition (spec §3: "Change record").
type Record struct {
	Property        subject.PropertyRef
	OldValue        any
	NewValue        any
	Source          string // "" = local origin (spec §3: "source == null")
	ChangedAtUTC    time.Time
	ReceivedAtUTC   *time.Time
	TimestampOrigin TimestampOrigin
}

type overrideKey struct{}

// sourceOverride is the thread-local "change_context" of spec §4.F,
// modeled as an explicit context.Context value per the design note in
// spec §9 rather than a goroutine-local.
type sourceOverride struct {
	source        string
	changedAtUTC  time.Time
	receivedAtUTC time.Time
}

// WithSourceOverride installs the source identity and timestamps a
// SetValueFromSource call supplies, for the duration of ctx's subtree
// (spec §4.F step 1).
func WithSourceOverride(ctx context.Context, source string, changedAtUTC, receivedAtUTC time.Time) context.Context {
	return context.WithValue(ctx, overrideKey{}, sourceOverride{
		source:        source,
		changedAtUTC:  changedAtUTC,
		receivedAtUTC: receivedAtUTC,
	})
}

// overrideFromContext retrieves an installed source override, if any.
func overrideFromContext(ctx context.Context) (sourceOverride, bool) {
	ov, ok := ctx.Value(overrideKey{}).(sourceOverride)
	return ov, ok
}

// CurrentSource reports the source installed on ctx by
// WithSourceOverride, or "" if the write is of local origin.
func CurrentSource(ctx context.Context) string {
	ov, ok := overrideFromContext(ctx)
	if !ok {
		return ""
	}
	return ov.source
}

// SourceTimestamps reports the changed/received timestamps installed on
// ctx by WithSourceOverride. ok is false for a locally-originated write.
func SourceTimestamps(ctx context.Context) (changedAtUTC, receivedAtUTC time.Time, ok bool) {
	ov, ok := overrideFromContext(ctx)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return ov.changedAtUTC, ov.receivedAtUTC, true
}
