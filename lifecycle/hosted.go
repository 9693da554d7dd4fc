// Package lifecycle implements component D: it turns graph registry edge
// changes into ordered notifications to lifecycle handlers, and ships the
// two built-in handlers the core always installs — the hosted-service
// handler and the derived-property initializer (spec §4.D).
package lifecycle

import (
	"context"
	"sync"

	"github.com/bittoy/subjectgraph/errs"
	"github.com/bittoy/subjectgraph/graph"
	"github.com/bittoy/subjectgraph/logger"
	"github.com/bittoy/subjectgraph/subject"
)

// HostedService is the capability a subject may implement to be started
// on its 0→1 attach and stopped on its 1→0 detach (spec §4.D).
type HostedService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// action is one unit of work processed by the single-consumer queue, so a
// slow Start cannot block an unrelated attach elsewhere in the graph
// (spec §4.D).
type action struct {
	run func(ctx context.Context)
}

// ActionQueue is a single-consumer FIFO that serializes hosted-service
// Start/Stop calls (and any explicitly registered service's lifecycle
// hooks) so their relative order matches the order attach/detach events
// were produced, without blocking the registry's own dispatch.
type ActionQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []action
	closed  bool
}

// NewActionQueue starts the queue's single consumer goroutine.
func NewActionQueue() *ActionQueue {
	q := &ActionQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *ActionQueue) enqueue(ctx context.Context, run func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, action{run: func(context.Context) { run(ctx) }})
	q.cond.Signal()
}

func (q *ActionQueue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		next.run(context.Background())
	}
}

// Close stops accepting new actions. Actions already enqueued still run.
func (q *ActionQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// HostedServiceHandler starts/stops subjects implementing HostedService as
// they attach and detach (spec §4.D). A Start failure is a LifecycleFailure:
// logged, and the subject stays attached (ref-count unchanged).
type HostedServiceHandler struct {
	Queue  *ActionQueue
	Logger logger.Logger
}

// NewHostedServiceHandler builds a handler with its own action queue.
func NewHostedServiceHandler(log logger.Logger) *HostedServiceHandler {
	if log == nil {
		log = logger.Nop{}
	}
	return &HostedServiceHandler{Queue: NewActionQueue(), Logger: log}
}

func (h *HostedServiceHandler) OnLifecycleChange(ctx context.Context, ev graph.LifecycleEvent) {
	svc, ok := ev.Subject.Addressable().(HostedService)
	if !ok {
		return
	}
	switch ev.Reason {
	case graph.Attached:
		h.Queue.enqueue(ctx, func(ctx context.Context) {
			if err := svc.Start(ctx); err != nil {
				lf := &errs.LifecycleFailure{Subject: ev.Subject.ID(), Err: err}
				h.Logger.Error("lifecycle.start_failed", "error", lf)
			}
		})
	case graph.Detached:
		h.Queue.enqueue(ctx, func(ctx context.Context) {
			if err := svc.Stop(ctx); err != nil {
				h.Logger.Warn("lifecycle.stop_failed", "subject", ev.Subject.ID(), "error", err)
			}
		})
	}
}
