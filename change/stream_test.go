package change_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/change"
)

func ref(t *testing.T, name string) change.Record {
	return change.Record{NewValue: name}
}

func TestSubscribePushDelivery(t *testing.T) {
	s := change.NewStream()
	var got []change.Record
	sub := s.Subscribe(func(r change.Record) { got = append(got, r) })
	defer sub.Dispose()

	s.Publish(ref(t, "a"))
	s.Publish(ref(t, "b"))

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].NewValue)
	assert.Equal(t, "b", got[1].NewValue)
}

func TestSubscribeDisposeStopsDelivery(t *testing.T) {
	s := change.NewStream()
	var got []change.Record
	sub := s.Subscribe(func(r change.Record) { got = append(got, r) })
	sub.Dispose()

	s.Publish(ref(t, "a"))
	assert.Empty(t, got)
}

func TestQueueSubscriptionOrdering(t *testing.T) {
	s := change.NewStream()
	q, sub := s.QueueSubscription(16)
	defer sub.Dispose()

	for i := 0; i < 10; i++ {
		s.Publish(change.Record{NewValue: i})
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		rec, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, rec.NewValue)
	}
}

func TestQueueDequeueRespectsContextCancellation(t *testing.T) {
	s := change.NewStream()
	q, sub := s.QueueSubscription(1)
	defer sub.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClosedAfterDisposeReturnsErrStreamClosed(t *testing.T) {
	s := change.NewStream()
	q, sub := s.QueueSubscription(1)
	sub.Dispose()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, change.ErrStreamClosed)
}
