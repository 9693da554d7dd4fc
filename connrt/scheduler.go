package connrt

import (
	"context"
	"sync"
	"time"

	"github.com/bittoy/subjectgraph/subject"
)

// pending tracks one property's scheduled read-after-write and how many
// writes have coalesced into it since it was scheduled.
type pending struct {
	at         time.Time
	coalesced  int
	lastWritAt time.Time
}

// ReadAfterWriteScheduler implements spec §4.H's scheduler: after a write
// to a property whose server revised an "exception-based" sampling
// interval up from 0, it schedules a single read at
// now + revised_interval + buffer; further writes before that time
// coalesce into the same scheduled read rather than each scheduling their
// own.
type ReadAfterWriteScheduler struct {
	mu      sync.Mutex
	buffer  time.Duration
	timers  map[subject.PropertyRef]*time.Timer
	pending map[subject.PropertyRef]*pending

	read func(ctx context.Context, due []subject.PropertyRef)
}

// NewReadAfterWriteScheduler builds a scheduler that calls read with the
// batch of properties due at each firing (spec §4.H: "perform one batched
// read for all due properties").
func NewReadAfterWriteScheduler(buffer time.Duration, read func(ctx context.Context, due []subject.PropertyRef)) *ReadAfterWriteScheduler {
	return &ReadAfterWriteScheduler{
		buffer:  buffer,
		timers:  make(map[subject.PropertyRef]*time.Timer),
		pending: make(map[subject.PropertyRef]*pending),
		read:    read,
	}
}

// OnWrite records a write to ref whose revised sampling interval is
// revisedInterval, scheduling (or coalescing into) a read-after-write at
// now + revisedInterval + buffer.
func (s *ReadAfterWriteScheduler) OnWrite(ctx context.Context, ref subject.PropertyRef, revisedInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[ref]; ok {
		p.coalesced++
		p.lastWritAt = time.Now().UTC()
		return
	}

	fireAt := time.Now().Add(revisedInterval + s.buffer)
	s.pending[ref] = &pending{at: fireAt, lastWritAt: time.Now().UTC()}
	s.timers[ref] = time.AfterFunc(revisedInterval+s.buffer, func() {
		s.fire(ctx, ref)
	})
}

// Coalesced reports how many writes coalesced into ref's currently
// scheduled read, for observability.
func (s *ReadAfterWriteScheduler) Coalesced(ref subject.PropertyRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[ref]; ok {
		return p.coalesced
	}
	return 0
}

func (s *ReadAfterWriteScheduler) fire(ctx context.Context, ref subject.PropertyRef) {
	s.mu.Lock()
	now := time.Now()
	var due []subject.PropertyRef
	for r, p := range s.pending {
		if p.at.After(now) {
			continue
		}
		if t, ok := s.timers[r]; ok {
			t.Stop()
		}
		due = append(due, r)
		delete(s.pending, r)
		delete(s.timers, r)
	}
	s.mu.Unlock()

	// ref itself may already have been read as part of an earlier firing's
	// batch, in which case nothing is due here.
	if len(due) > 0 {
		s.read(ctx, due)
	}
}

// StaleSkip reports whether a read response timestamped responseSourceUTC
// for ref should be discarded because the property was already rewritten
// locally after that timestamp (spec §4.H stale-skip rule), to be called
// by a connector's read-after-write completion handler with the actual
// source timestamp from the wire.
func StaleSkip(ref subject.PropertyRef, responseSourceUTC time.Time) bool {
	lastWrite, ok := ref.Subject.LastWriteTimestamp(ref.Name)
	if !ok {
		return false
	}
	return lastWrite.After(responseSourceUTC)
}
