package change_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/clock"
	"github.com/bittoy/subjectgraph/subject"
)

type greeter struct {
	FirstName string `subject:"FirstName"`
	LastName  string `subject:"LastName"`
	FullName  string `subject:"FullName,derived"`
	Greeting  string `subject:"Greeting,derived"`
}

func newGreeter(t *testing.T) *subject.Subject {
	t.Helper()
	target := &greeter{}
	s, err := subject.New(target,
		subject.WithDerived("FullName", func(ctx context.Context, read func(string) (any, error)) (any, error) {
			first, err := read("FirstName")
			if err != nil {
				return nil, err
			}
			last, err := read("LastName")
			if err != nil {
				return nil, err
			}
			return first.(string) + " " + last.(string), nil
		}),
		subject.WithDerived("Greeting", func(ctx context.Context, read func(string) (any, error)) (any, error) {
			full, err := read("FullName")
			if err != nil {
				return nil, err
			}
			return "Hello, " + full.(string), nil
		}),
	)
	require.NoError(t, err)
	return s
}

// TestRecomputeCascades reproduces spec §8's derived-dependency cascade
// property across two levels of derivation (FullName depends on the written
// properties; Greeting depends on FullName), asserting both change records
// publish in dependency order.
func TestRecomputeCascades(t *testing.T) {
	ctx := context.Background()
	s := newGreeter(t)

	// Prime dependency edges the way a lifecycle.DerivedInitializer would
	// on attach.
	_, err := s.Read(ctx, "FullName")
	require.NoError(t, err)
	_, err = s.Read(ctx, "Greeting")
	require.NoError(t, err)

	stream := change.NewStream()
	var got []change.Record
	sub := stream.Subscribe(func(r change.Record) { got = append(got, r) })
	defer sub.Dispose()

	require.NoError(t, s.Write(ctx, "FirstName", "Ada"))
	ref := subject.PropertyRef{Subject: s, Name: "FirstName"}
	change.Recompute(ctx, clock.Default, ref, stream)

	require.NoError(t, s.Write(ctx, "LastName", "Lovelace"))
	ref2 := subject.PropertyRef{Subject: s, Name: "LastName"}
	change.Recompute(ctx, clock.Default, ref2, stream)

	require.Len(t, got, 4)
	assert.Equal(t, "FullName", got[0].Property.Name)
	assert.Equal(t, "Ada ", got[0].NewValue)
	assert.Equal(t, "Greeting", got[1].Property.Name)
	assert.Equal(t, "Hello, Ada ", got[1].NewValue)
	assert.Equal(t, "FullName", got[2].Property.Name)
	assert.Equal(t, "Ada Lovelace", got[2].NewValue)
	assert.Equal(t, "Greeting", got[3].Property.Name)
	assert.Equal(t, "Hello, Ada Lovelace", got[3].NewValue)

	full, ok := s.LastKnownValue("FullName")
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", full)
}

func TestRecomputeSkipsUnchangedValues(t *testing.T) {
	ctx := context.Background()
	s := newGreeter(t)
	require.NoError(t, s.Write(ctx, "FirstName", "Ada"))
	require.NoError(t, s.Write(ctx, "LastName", "Lovelace"))
	_, err := s.Read(ctx, "FullName")
	require.NoError(t, err)

	stream := change.NewStream()
	var got []change.Record
	sub := stream.Subscribe(func(r change.Record) { got = append(got, r) })
	defer sub.Dispose()

	// Re-writing FirstName to the same value doesn't change FullName's
	// recomputed output, so no record should publish.
	require.NoError(t, s.Write(ctx, "FirstName", "Ada"))
	ref := subject.PropertyRef{Subject: s, Name: "FirstName"}
	change.Recompute(ctx, clock.Default, ref, stream)

	assert.Empty(t, got)
}
