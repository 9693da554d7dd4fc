package subject_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/subject"
)

type person struct {
	FirstName string `subject:"FirstName"`
	LastName  string `subject:"LastName"`
	FullName  string `subject:"FullName,derived"`
	Age       int    `subject:"Age"`
}

func newPerson(t *testing.T) *subject.Subject {
	t.Helper()
	p := &person{}
	s, err := subject.New(p, subject.WithDerived("FullName", func(ctx context.Context, read func(string) (any, error)) (any, error) {
		first, err := read("FirstName")
		if err != nil {
			return nil, err
		}
		last, err := read("LastName")
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(first.(string) + " " + last.(string)), nil
	}))
	require.NoError(t, err)
	return s
}

// fakeAttachment is a minimal Attachment used to drive the interceptor
// chain in isolation from the rest of the engine.
type fakeAttachment struct {
	id    uint64
	reads []subject.ReadInterceptor
	wr    []subject.WriteInterceptor
	meth  []subject.MethodInterceptor

	written []subject.WriteCall
}

func (f *fakeAttachment) ID() uint64                                     { return f.id }
func (f *fakeAttachment) ReadInterceptors() []subject.ReadInterceptor     { return f.reads }
func (f *fakeAttachment) WriteInterceptors() []subject.WriteInterceptor   { return f.wr }
func (f *fakeAttachment) MethodInterceptors() []subject.MethodInterceptor { return f.meth }
func (f *fakeAttachment) HandleTerminalWrite(ctx context.Context, ref subject.PropertyRef, old, new any) {
	f.written = append(f.written, subject.WriteCall{Property: ref, OldValue: old, NewValue: new})
}

type recordingWrite struct {
	label string
	log   *[]string
}

func (r recordingWrite) InterceptWrite(ctx context.Context, call *subject.WriteCall, next subject.WriteNext) error {
	*r.log = append(*r.log, r.label+"b"+asString(call.NewValue))
	err := next(ctx)
	*r.log = append(*r.log, r.label+"a")
	return err
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TestInterceptionOrder is spec §8 testable property 1.
func TestInterceptionOrder(t *testing.T) {
	s := newPerson(t)
	var log []string
	a := &fakeAttachment{
		id: 1,
		wr: []subject.WriteInterceptor{
			recordingWrite{label: "1", log: &log},
			recordingWrite{label: "2", log: &log},
			recordingWrite{label: "3", log: &log},
		},
	}
	s.AttachTo(a)

	err := s.Write(context.Background(), "FirstName", "Rico")
	require.NoError(t, err)
	log = append([]string{}, log...)
	// No terminal marker is logged; the terminal write runs between the
	// "3b" and "3a" entries.
	joined := strings.Join(log, "")
	assert.Equal(t, "1bRico2bRico3bRico3a2a1a", joined)

	v, err := s.Read(context.Background(), "FirstName")
	require.NoError(t, err)
	assert.Equal(t, "Rico", v)
}

type vetoingWrite struct{}

func (vetoingWrite) InterceptWrite(ctx context.Context, call *subject.WriteCall, next subject.WriteNext) error {
	return nil // never calls next: veto
}

// TestVeto is spec §8 testable property 2.
func TestVeto(t *testing.T) {
	s := newPerson(t)
	a := &fakeAttachment{id: 1, wr: []subject.WriteInterceptor{vetoingWrite{}}}
	s.AttachTo(a)

	err := s.Write(context.Background(), "Age", 42)
	require.NoError(t, err)

	v, err := s.Read(context.Background(), "Age")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Empty(t, a.written)
}

func TestDerivedDependencyDiscovery(t *testing.T) {
	s := newPerson(t)
	require.NoError(t, s.Write(context.Background(), "FirstName", "A"))
	require.NoError(t, s.Write(context.Background(), "LastName", "B"))

	v, err := s.Read(context.Background(), "FullName")
	require.NoError(t, err)
	assert.Equal(t, "A B", v)

	required := s.Required("FullName")
	assert.Len(t, required, 2)

	usedByFirst := s.UsedBy("FirstName")
	require.Len(t, usedByFirst, 1)
	assert.Equal(t, "FullName", usedByFirst[0].Name)
}

func TestStandaloneWriteSucceedsWithoutAttachment(t *testing.T) {
	s := newPerson(t)
	require.NoError(t, s.Write(context.Background(), "FirstName", "Solo"))
	_, ok := s.LastWriteTimestamp("FirstName")
	assert.True(t, ok)
}
