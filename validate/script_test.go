package validate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/errs"
	"github.com/bittoy/subjectgraph/subject"
	"github.com/bittoy/subjectgraph/validate"
)

type account struct {
	Balance int `subject:"Balance"`
}

type fakeAttachment struct {
	write subject.WriteInterceptor
}

func (f *fakeAttachment) ID() uint64                                     { return 1 }
func (f *fakeAttachment) ReadInterceptors() []subject.ReadInterceptor     { return nil }
func (f *fakeAttachment) WriteInterceptors() []subject.WriteInterceptor  { return []subject.WriteInterceptor{f.write} }
func (f *fakeAttachment) MethodInterceptors() []subject.MethodInterceptor { return nil }
func (f *fakeAttachment) HandleTerminalWrite(ctx context.Context, ref subject.PropertyRef, oldValue, newValue any) {
}

func TestScriptValidatorRejectsNegativeBalance(t *testing.T) {
	v, err := validate.NewScriptValidator("Balance", "return value >= 0;")
	require.NoError(t, err)

	target := &account{}
	s, err := subject.New(target)
	require.NoError(t, err)
	s.AttachTo(&fakeAttachment{write: v})

	ctx := context.Background()
	err = s.Write(ctx, "Balance", -5)
	require.Error(t, err)
	var vf *errs.ValidationFailure
	require.ErrorAs(t, err, &vf)
	assert.Equal(t, "Balance", vf.Property)

	bal, err := s.RawGet("Balance")
	require.NoError(t, err)
	assert.Equal(t, 0, bal)
}

func TestScriptValidatorAllowsValidWrite(t *testing.T) {
	v, err := validate.NewScriptValidator("Balance", "return value >= 0;")
	require.NoError(t, err)

	target := &account{}
	s, err := subject.New(target)
	require.NoError(t, err)
	s.AttachTo(&fakeAttachment{write: v})

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "Balance", 42))

	bal, err := s.RawGet("Balance")
	require.NoError(t, err)
	assert.Equal(t, 42, bal)
}
