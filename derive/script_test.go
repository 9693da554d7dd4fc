package derive_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/derive"
	"github.com/bittoy/subjectgraph/subject"
)

type person struct {
	FirstName string `subject:"FirstName"`
	LastName  string `subject:"LastName"`
	FullName  string `subject:"FullName,derived"`
}

func TestScriptPropertyComputesFromReads(t *testing.T) {
	fn, err := derive.ScriptProperty(
		`return props.FirstName + " " + props.LastName;`,
		[]string{"FirstName", "LastName"},
	)
	require.NoError(t, err)

	target := &person{}
	s, err := subject.New(target, subject.WithDerived("FullName", fn))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "FirstName", "Ada"))
	require.NoError(t, s.Write(ctx, "LastName", "Lovelace"))

	full, err := s.Read(ctx, "FullName")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", full)
}

func TestScriptPropertyConcurrentEvaluation(t *testing.T) {
	fn, err := derive.ScriptProperty(`return props.FirstName + props.LastName;`, []string{"FirstName", "LastName"})
	require.NoError(t, err)

	target := &person{FirstName: "A", LastName: "B"}
	s, err := subject.New(target, subject.WithDerived("FullName", fn))
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = s.Read(ctx, "FullName")
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
