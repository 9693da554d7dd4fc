package txn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/source"
	"github.com/bittoy/subjectgraph/subject"
	"github.com/bittoy/subjectgraph/txn"
)

type fakeSource struct {
	mu        sync.Mutex
	name      string
	batchSize int
	batches   [][]change.Record
	failAt    int // batch index (0-based) to fail, -1 = never
}

func (f *fakeSource) Name() string        { return f.name }
func (f *fakeSource) WriteBatchSize() int { return f.batchSize }
func (f *fakeSource) LoadInitialState(ctx context.Context) error { return nil }
func (f *fakeSource) StartListening(ctx context.Context, writer func(ctx context.Context, property string, changedAtUTC, receivedAtUTC time.Time, value any) error) (func(), error) {
	return func() {}, nil
}

func (f *fakeSource) WriteChanges(ctx context.Context, batch []change.Record) (source.WriteResult, error) {
	f.mu.Lock()
	idx := len(f.batches)
	f.batches = append(f.batches, batch)
	f.mu.Unlock()

	if f.failAt == idx {
		return source.WriteResult{Failed: batch}, errors.New("simulated write failure")
	}
	return source.WriteResult{Successful: batch}, nil
}

type dummySink struct{ Value int `subject:"Value"` }

func newSubject(t *testing.T) *subject.Subject {
	t.Helper()
	s, err := subject.New(&dummySink{})
	require.NoError(t, err)
	return s
}

func recordsFor(s *subject.Subject, n int) []change.Record {
	out := make([]change.Record, n)
	for i := range out {
		out[i] = change.Record{Property: subject.PropertyRef{Subject: s, Name: "Value"}, NewValue: i}
	}
	return out
}

func TestDispatchSlicesIntoWriteBatchSize(t *testing.T) {
	s := newSubject(t)
	tbl := source.NewTable(nil)
	src := &fakeSource{name: "plc", batchSize: 2, failAt: -1}
	tbl.Bind(s, "Value", src)

	d := txn.New(tbl, nil)
	recs := recordsFor(s, 5)
	result, err := d.Dispatch(context.Background(), recs)
	require.NoError(t, err)

	assert.Len(t, src.batches, 3) // 2,2,1
	assert.Len(t, result.Succeeded, 5)
	assert.Empty(t, result.Failed)
}

func TestDispatchStopsAtFirstFailingBatch(t *testing.T) {
	s := newSubject(t)
	tbl := source.NewTable(nil)
	src := &fakeSource{name: "plc", batchSize: 2, failAt: 1}
	tbl.Bind(s, "Value", src)

	d := txn.New(tbl, nil)
	recs := recordsFor(s, 6) // batches: [0,1] ok, [2,3] fail, [4,5] never attempted
	result, err := d.Dispatch(context.Background(), recs)
	require.NoError(t, err)

	assert.Len(t, result.Succeeded, 2)
	assert.Len(t, result.Failed, 2)
	assert.Len(t, result.NeverAttempted, 2)
}

func TestDispatchUnboundPropertyPassesThrough(t *testing.T) {
	s := newSubject(t)
	tbl := source.NewTable(nil)
	d := txn.New(tbl, nil)

	recs := recordsFor(s, 3)
	result, err := d.Dispatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 3)
}

func TestDispatchSingleWriteRejectsMultipleSources(t *testing.T) {
	s1 := newSubject(t)
	s2 := newSubject(t)
	tbl := source.NewTable(nil)
	src1 := &fakeSource{name: "a", batchSize: 10, failAt: -1}
	src2 := &fakeSource{name: "b", batchSize: 10, failAt: -1}
	tbl.Bind(s1, "Value", src1)
	tbl.Bind(s2, "Value", src2)

	d := txn.New(tbl, nil)
	d.Mode = txn.SingleWrite

	recs := append(recordsFor(s1, 1), recordsFor(s2, 1)...)
	_, err := d.Dispatch(context.Background(), recs)
	assert.Error(t, err)
}
