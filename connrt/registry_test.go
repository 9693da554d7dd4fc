package connrt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/connrt"
	"github.com/bittoy/subjectgraph/subject"
)

type node struct {
	Value int `subject:"Value"`
}

func newNode(t *testing.T) *subject.Subject {
	t.Helper()
	s, err := subject.New(&node{})
	require.NoError(t, err)
	return s
}

func TestRegistryFirstAndLastRef(t *testing.T) {
	r := connrt.NewRegistry(time.Second)
	s := newNode(t)

	first, payload := r.Register("monitored-items", s, func() any { return []int{1, 2, 3} })
	assert.True(t, first)
	assert.Equal(t, []int{1, 2, 3}, payload)

	first2, _ := r.Register("monitored-items", s, func() any { return []int{9}})
	assert.False(t, first2)

	last, _ := r.Unregister("monitored-items", s)
	assert.False(t, last)

	last2, payload2 := r.Unregister("monitored-items", s)
	assert.True(t, last2)
	assert.Equal(t, []int{1, 2, 3}, payload2)
}

func TestRegistryWasRecentlyDeleted(t *testing.T) {
	r := connrt.NewRegistry(50 * time.Millisecond)
	s := newNode(t)

	r.Register("k", s, func() any { return nil })
	r.Unregister("k", s)

	assert.True(t, r.WasRecentlyDeleted("k", s))
	time.Sleep(60 * time.Millisecond)
	assert.False(t, r.WasRecentlyDeleted("k", s))
}
