package change

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Queue.Dequeue once the stream (or the
// specific queue subscription) has been disposed.
var ErrStreamClosed = errors.New("change: stream closed")

// Observer receives change records synchronously on the publishing
// goroutine (spec §9: "applies callback synchronously on the producer
// thread"). An Observer must not block for long; slow consumers should
// use a Queue subscription instead.
type Observer func(Record)

// Subscription disposes a push or pull subscription.
type Subscription struct {
	dispose func()
	once    sync.Once
}

// Dispose detaches the subscription. Safe to call more than once.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
	})
}

// Stream is the process's change-publication stream (spec §6:
// ChangeStream). Changes are published in the order their terminal
// writes committed (spec §4.E); it is multi-producer (any write-chain
// thread may publish) and supports any number of push subscribers plus
// any number of independent pull (Queue) subscriptions.
type Stream struct {
	mu          sync.RWMutex
	observers   map[uint64]Observer
	queues      map[uint64]*Queue
	nextID      uint64
}

// NewStream constructs an empty change stream.
func NewStream() *Stream {
	return &Stream{observers: make(map[uint64]Observer), queues: make(map[uint64]*Queue)}
}

// Subscribe registers a push observer, matching spec §6's
// `subscribe(observer) → disposable`.
func (s *Stream) Subscribe(obs Observer) *Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = obs
	s.mu.Unlock()

	return &Subscription{dispose: func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}}
}

// QueueSubscription opens a bounded, multi-producer/single-consumer pull
// subscription (spec §4.E: "Transaction queue subscription"). capacity
// bounds memory; the queue never drops a record — a full queue makes
// Publish block until the consumer (or another producer racing it)
// drains space, matching spec §5's "the queue subscription bounds
// memory" back-pressure contract.
func (s *Stream) QueueSubscription(capacity int) (*Queue, *Subscription) {
	if capacity <= 0 {
		capacity = 1
	}
	q := newQueue(capacity)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.queues[id] = q
	s.mu.Unlock()

	return q, &Subscription{dispose: func() {
		s.mu.Lock()
		delete(s.queues, id)
		s.mu.Unlock()
		q.Close()
	}}
}

// Publish delivers rec to every current subscriber, in the order their
// terminal writes committed relative to one another (the caller is
// responsible for calling Publish under the same per-subject intrinsic
// lock ordering the terminal write used, so concurrent writers to
// different subjects may interleave but each subject's own writes stay
// ordered — spec §4.E).
func (s *Stream) Publish(rec Record) {
	s.mu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	for _, o := range observers {
		o(rec)
	}
	for _, q := range queues {
		q.push(rec)
	}
}

// Queue is a bounded multi-producer/single-consumer drainable queue
// (spec §6: `queue_subscription() → drainable-queue + disposable`).
type Queue struct {
	ch       chan Record
	closed   chan struct{}
	closeDo  sync.Once
}

func newQueue(capacity int) *Queue {
	return &Queue{ch: make(chan Record, capacity), closed: make(chan struct{})}
}

func (q *Queue) push(rec Record) {
	select {
	case q.ch <- rec:
	case <-q.closed:
	}
}

// Dequeue blocks until a record is available, ctx is cancelled, or the
// queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (Record, error) {
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-q.closed:
		select {
		case rec := <-q.ch:
			return rec, nil
		default:
			return Record{}, ErrStreamClosed
		}
	}
}

// Close disposes the queue; safe to call more than once.
func (q *Queue) Close() {
	q.closeDo.Do(func() { close(q.closed) })
}
