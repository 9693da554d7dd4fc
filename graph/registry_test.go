package graph_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/graph"
	"github.com/bittoy/subjectgraph/subject"
)

type person struct {
	Name   string          `subject:"Name"`
	Father *subject.Subject `subject:"Father"`
	Mother *subject.Subject `subject:"Mother"`
}

func newPerson(t *testing.T, name string) *subject.Subject {
	t.Helper()
	s, err := subject.New(&person{Name: name})
	require.NoError(t, err)
	return s
}

type countingHandler struct {
	mu       sync.Mutex
	attaches map[*subject.Subject]int
	detaches map[*subject.Subject]int
}

func newCountingHandler() *countingHandler {
	return &countingHandler{attaches: map[*subject.Subject]int{}, detaches: map[*subject.Subject]int{}}
}

func (h *countingHandler) OnLifecycleChange(ctx context.Context, ev graph.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Reason == graph.Attached {
		h.attaches[ev.Subject]++
	} else {
		h.detaches[ev.Subject]++
	}
}

// TestAttachOnceSemantics is spec §8 testable property 3 / scenario C's
// sibling case: a subject reachable from three different property writes
// attaches exactly once and detaches exactly once after the third write
// clears it.
func TestAttachOnceSemantics(t *testing.T) {
	r := graph.NewRegistry()
	h := newCountingHandler()
	r.RegisterHandler(h)
	ctx := context.Background()

	a := newPerson(t, "a")
	b := newPerson(t, "b")
	s := newPerson(t, "s")

	require.NoError(t, r.AttachRoot(ctx, a))
	require.NoError(t, r.AttachRoot(ctx, b))

	r.OnWrite(ctx, a, "Father", nil, s)
	r.OnWrite(ctx, a, "Mother", nil, s)
	r.OnWrite(ctx, b, "Mother", nil, s)

	assert.Equal(t, 1, h.attaches[s])
	assert.Equal(t, uint(3), r.Refcount(s))

	r.OnWrite(ctx, a, "Father", s, nil)
	r.OnWrite(ctx, a, "Mother", s, nil)
	assert.Equal(t, 0, h.detaches[s])

	r.OnWrite(ctx, b, "Mother", s, nil)
	assert.Equal(t, 1, h.detaches[s])
}

// TestCycleHandling is spec §8 testable property 4 / scenario C: a cycle
// A->B->C->A where only A is externally held self-detaches once the
// external reference is dropped.
func TestCycleHandling(t *testing.T) {
	r := graph.NewRegistry()
	h := newCountingHandler()
	r.RegisterHandler(h)
	ctx := context.Background()

	p1 := newPerson(t, "p1")
	p2 := newPerson(t, "p2")
	p3 := newPerson(t, "p3")

	// Wire the cycle before attaching anything, then attach p1 as root.
	require.NoError(t, p1.Write(ctx, "Mother", p2))
	require.NoError(t, p2.Write(ctx, "Mother", p3))
	require.NoError(t, p3.Write(ctx, "Mother", p1))

	require.NoError(t, r.AttachRoot(ctx, p1))
	// The edges were written while nothing was attached, so the registry
	// picks them up through AttachRoot's recursive walk: p1.Mother -> p2,
	// p2.Mother -> p3, and p3.Mother -> p1 stops at p1 (already seen), so
	// each subject is attached exactly once.

	assert.Equal(t, uint(1), r.Refcount(p1))
	assert.Equal(t, uint(1), r.Refcount(p2))
	assert.Equal(t, uint(1), r.Refcount(p3))
	assert.Equal(t, 1, h.attaches[p1])
	assert.Equal(t, 1, h.attaches[p2])
	assert.Equal(t, 1, h.attaches[p3])

	require.NoError(t, r.DetachRoot(ctx, p1))

	assert.Equal(t, uint(0), r.Refcount(p1))
	assert.Equal(t, uint(0), r.Refcount(p2))
	assert.Equal(t, uint(0), r.Refcount(p3))
	assert.Equal(t, 1, h.detaches[p1])
	assert.Equal(t, 1, h.detaches[p2])
	assert.Equal(t, 1, h.detaches[p3])
}
