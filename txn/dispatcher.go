// Package txn implements component G (Transaction Dispatcher): batches a
// transaction's change records by bound source and pushes each source's
// batch out in arrival order, honoring per-source write-batch-size limits
// and the dispatcher's configured failure-handling mode (spec §4.G).
package txn

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bittoy/subjectgraph/change"
	"github.com/bittoy/subjectgraph/errs"
	"github.com/bittoy/subjectgraph/logger"
	"github.com/bittoy/subjectgraph/source"
)

// Mode selects the dispatcher's failure-handling contract (spec §4.G).
type Mode int

const (
	// Default dispatches each source's batches in arrival order; a failure
	// on one source never affects another.
	Default Mode = iota
	// Rollback additionally replays, best-effort, the inverse of the
	// changes written to every source that reported no failure, when any
	// source reports failure; earlier successful batches of a failing
	// source are not rolled back.
	Rollback
	// SingleWrite requires the whole transaction touch exactly one source
	// and fit within that source's WriteBatchSize, or is rejected wholesale
	// with no side effects.
	SingleWrite
)

// Result summarizes a Dispatch call across every source touched.
type Result struct {
	Succeeded []change.Record
	Failed    []change.Record
	// NeverAttempted holds changes skipped because an earlier batch to the
	// same source already failed (spec §4.G: "subsequent batches to that
	// source are skipped and reported as never-attempted failures").
	NeverAttempted []change.Record
	RolledBack     []change.Record
}

// Dispatcher groups and dispatches a transaction's change records (spec
// §4.G).
type Dispatcher struct {
	Mode    Mode
	Sources *source.Table
	Logger  logger.Logger
}

// New builds a Dispatcher in Default mode. Use the Mode field to select
// Rollback or SingleWrite.
func New(sources *source.Table, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop{}
	}
	return &Dispatcher{Mode: Default, Sources: sources, Logger: log}
}

// Dispatch groups records by bound source and writes each source's
// changes out, per the dispatcher's configured Mode.
func (d *Dispatcher) Dispatch(ctx context.Context, records []change.Record) (Result, error) {
	grouped, unbound := d.Sources.GroupBySource(records)
	result := Result{Succeeded: append([]change.Record{}, unbound...)}

	if d.Mode == SingleWrite {
		return d.dispatchSingleWrite(ctx, grouped, result)
	}

	bySource := d.resolveSources(grouped)

	var g errgroup.Group
	var mu sync.Mutex
	resultsBySource := make(map[string]sourceOutcome, len(grouped))
	for name, recs := range grouped {
		name, recs := name, recs
		src := bySource[name]
		g.Go(func() error {
			outcome := dispatchToSource(ctx, src, recs)
			mu.Lock()
			resultsBySource[name] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // dispatchToSource never returns an error itself; failures live in outcome

	for name, outcome := range resultsBySource {
		result.Succeeded = append(result.Succeeded, outcome.succeeded...)
		result.Failed = append(result.Failed, outcome.failed...)
		result.NeverAttempted = append(result.NeverAttempted, outcome.neverAttempted...)
		if len(outcome.failed) > 0 {
			d.Logger.Warn("txn.source_write_failed", "source", name, "failed", len(outcome.failed))
		}
	}

	if d.Mode == Rollback && anyFailed(resultsBySource) {
		d.rollback(ctx, resultsBySource, bySource, &result)
	}

	return result, nil
}

func (d *Dispatcher) dispatchSingleWrite(ctx context.Context, grouped map[string][]change.Record, result Result) (Result, error) {
	if len(grouped) != 1 {
		return Result{}, &errs.ConfigurationFailure{Field: "mode", Reason: fmt.Sprintf("SingleWrite mode requires exactly one source in the batch, got %d", len(grouped))}
	}
	for _, recs := range grouped {
		src, ok := d.Sources.BoundSource(recs[0].Property.Subject, recs[0].Property.Name)
		if !ok {
			return Result{}, fmt.Errorf("txn: source binding vanished mid-dispatch")
		}
		if len(recs) > src.WriteBatchSize() {
			return Result{}, &errs.ConfigurationFailure{Field: "mode", Reason: fmt.Sprintf("SingleWrite mode requires batch size <= %d, got %d", src.WriteBatchSize(), len(recs))}
		}
		outcome := dispatchToSource(ctx, src, recs)
		result.Succeeded = append(result.Succeeded, outcome.succeeded...)
		result.Failed = append(result.Failed, outcome.failed...)
		result.NeverAttempted = append(result.NeverAttempted, outcome.neverAttempted...)
	}
	return result, nil
}

func (d *Dispatcher) resolveSources(grouped map[string][]change.Record) map[string]source.Source {
	out := make(map[string]source.Source, len(grouped))
	for name, recs := range grouped {
		if len(recs) == 0 {
			continue
		}
		if src, ok := d.Sources.BoundSource(recs[0].Property.Subject, recs[0].Property.Name); ok {
			out[name] = src
		}
	}
	return out
}

type sourceOutcome struct {
	succeeded      []change.Record
	failed         []change.Record
	neverAttempted []change.Record
}

// dispatchToSource slices recs into batches of at most src.WriteBatchSize,
// calling WriteChanges sequentially and stopping at the first failing
// batch (spec §4.G: "Per-source ordering").
func dispatchToSource(ctx context.Context, src source.Source, recs []change.Record) sourceOutcome {
	var out sourceOutcome
	batchSize := src.WriteBatchSize()
	if batchSize <= 0 {
		batchSize = len(recs)
	}

	stopped := false
	for start := 0; start < len(recs); start += batchSize {
		end := start + batchSize
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]

		if stopped {
			out.neverAttempted = append(out.neverAttempted, batch...)
			continue
		}

		res, err := src.WriteChanges(ctx, batch)
		if err != nil {
			out.failed = append(out.failed, batch...)
			stopped = true
			continue
		}
		out.succeeded = append(out.succeeded, res.Successful...)
		out.failed = append(out.failed, res.Failed...)
		if len(res.Failed) > 0 {
			stopped = true
		}
	}
	return out
}

func anyFailed(bySource map[string]sourceOutcome) bool {
	for _, o := range bySource {
		if len(o.failed) > 0 {
			return true
		}
	}
	return false
}

// rollback replays the inverse of every change that succeeded on a source
// other than the one(s) that failed, best-effort (spec §4.G Rollback
// mode): it gives up on the first replay failure rather than retrying,
// since a dispatcher already handling a failure has no stronger recovery
// path available.
func (d *Dispatcher) rollback(ctx context.Context, bySource map[string]sourceOutcome, sources map[string]source.Source, result *Result) {
	for name, outcome := range bySource {
		if len(outcome.failed) > 0 || len(outcome.succeeded) == 0 {
			continue
		}
		src := sources[name]
		inverse := make([]change.Record, len(outcome.succeeded))
		for i, rec := range outcome.succeeded {
			inverse[i] = change.Record{
				Property:        rec.Property,
				OldValue:        rec.NewValue,
				NewValue:        rec.OldValue,
				Source:          rec.Source,
				ChangedAtUTC:    rec.ChangedAtUTC,
				TimestampOrigin: rec.TimestampOrigin,
			}
		}
		if _, err := src.WriteChanges(ctx, inverse); err != nil {
			d.Logger.Error("txn.rollback_failed", "source", name, "error", err)
			return
		}
		result.RolledBack = append(result.RolledBack, inverse...)
	}
}
