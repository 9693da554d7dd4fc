package derive_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/derive"
	"github.com/bittoy/subjectgraph/subject"
)

type invoice struct {
	Quantity int     `subject:"Quantity"`
	Price    float64 `subject:"Price"`
	Total    float64 `subject:"Total,derived"`
}

func TestExprPropertyComputesFromReads(t *testing.T) {
	fn, err := derive.ExprProperty("Quantity * Price", []string{"Quantity", "Price"})
	require.NoError(t, err)

	target := &invoice{}
	s, err := subject.New(target, subject.WithDerived("Total", fn))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "Quantity", 3))
	require.NoError(t, s.Write(ctx, "Price", 2.5))

	total, err := s.Read(ctx, "Total")
	require.NoError(t, err)
	assert.InDelta(t, 7.5, total, 0.0001)

	assert.Len(t, s.Required("Total"), 2)
}

func TestExprPropertyCompileError(t *testing.T) {
	_, err := derive.ExprProperty("this is not valid expr !!!", nil)
	assert.Error(t, err)
}
