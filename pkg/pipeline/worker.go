package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/catalog"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

type jobKind string

const (
	jobLocation  jobKind = "location"
	jobChronicle jobKind = "chronicle"
	jobComplete  jobKind = "complete"
)

type job struct {
	id       string
	kind     jobKind
	module   string
	location string
	marker   int
	upTo     int // log length when a location exit was requested
	done     chan Outcome
}

// prefix limits a log to the turns that existed when a job was requested.
type prefix struct {
	*turnlog.Log
	n int
}

func (p prefix) Len() int {
	return p.n
}

func (p prefix) Turn(i int) (types.Turn, bool) {
	if i >= p.n {
		return types.Turn{}, false
	}
	return p.Log.Turn(i)
}

func (j *job) tier() types.Tier {
	switch j.kind {
	case jobChronicle:
		return types.TierChronicle
	case jobComplete:
		return types.TierModule
	default:
		return types.TierLocation
	}
}

// worker runs every job of one module in order.
type worker struct {
	p       *Pipeline
	module  string
	queue   chan *job
	pending sync.WaitGroup

	// halted is set once an invariant violation stops the module.
	halted error
}

func newWorker(p *Pipeline, module string, size int) *worker {
	return &worker{p: p, module: module, queue: make(chan *job, size)}
}

func (w *worker) run(ctx context.Context) {
	debugLog.Debugf("worker for %s started", w.module)
	defer debugLog.Debugf("worker for %s stopped", w.module)
	for {
		select {
		case <-ctx.Done():
			w.abandon(ctx.Err())
			return
		case j, ok := <-w.queue:
			if !ok {
				return
			}
			j.done <- w.handle(ctx, j)
		}
	}
}

// abandon fails the jobs still queued when the pipeline is cancelled.
func (w *worker) abandon(err error) {
	for {
		select {
		case j, ok := <-w.queue:
			if !ok {
				return
			}
			j.done <- w.fail(j, nil, 0, err)
		default:
			return
		}
	}
}

func (w *worker) handle(ctx context.Context, j *job) Outcome {
	if w.halted != nil {
		return w.fail(j, nil, 0, fmt.Errorf("%w: %w", ErrModuleHalted, w.halted))
	}
	if err := ctx.Err(); err != nil {
		return w.fail(j, nil, 0, err)
	}

	var o Outcome
	switch j.kind {
	case jobComplete:
		o = w.complete(ctx, j)
	default:
		o = w.compact(ctx, j)
	}

	if w.halted == nil && o.Kind == OutcomeFailed && violatesInvariant(o.Err) {
		w.halted = o.Err
		debugLog.Errorf("halting %s: %v", w.module, o.Err)
		w.p.emit(types.NewInvariantViolationEvent(w.module, o.Err))
	}
	return o
}

func (w *worker) complete(ctx context.Context, j *job) Outcome {
	summary, err := w.p.archive.CompleteModule(ctx, j.module)
	if err != nil {
		return w.fail(j, nil, 1, err)
	}
	w.p.emit(types.NewModuleCompletedEvent(summary))
	return Outcome{Kind: OutcomeCompleted, JobID: j.id, ModuleID: j.module, Tier: types.TierModule, ModuleSummary: summary, Attempts: 1}
}

// attempt is the state one compaction try leaves behind for the next.
type attempt struct {
	n         int
	span      *types.CompactionSpan
	directive oracle.Directive
	announced bool
}

func (w *worker) compact(ctx context.Context, j *job) Outcome {
	log, err := w.p.logs.Get(j.module)
	if err != nil {
		return w.fail(j, nil, 0, err)
	}

	st := &attempt{}
	operation := func() (Outcome, error) {
		st.n++
		o, err := w.try(ctx, j, log, st)
		if err == nil {
			o.Attempts = st.n
			w.p.recordAttempt(ctx, w.attemptRecord(j, st, string(o.Kind), nil))
			return o, nil
		}

		kind := Classify(err)
		w.p.recordAttempt(ctx, w.attemptRecord(j, st, "failed", err))
		if st.span != nil {
			w.p.emit(types.NewCompactionFailedEvent(j.id, j.tier(), *st.span, err, st.n, kind == FailureTransient && st.n < w.p.cfg.MaxAttempts))
		}
		debugLog.Warnf("%s job %s for %s failed on attempt %d (%s): %v", j.kind, j.id, j.module, st.n, kind, err)
		if kind == FailureFatal {
			return Outcome{}, backoff.Permanent(err)
		}
		return Outcome{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.p.cfg.InitialBackoff
	policy.MaxInterval = w.p.cfg.MaxBackoff

	o, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(w.p.cfg.MaxAttempts)),
	)
	if err == nil {
		return o
	}

	if w.p.cfg.VerbatimFallback && st.span != nil && isOracleFailure(err) {
		fo, ferr := w.fallback(ctx, j, log, st)
		if ferr == nil {
			return fo
		}
		debugLog.Errorf("verbatim fallback for %s failed: %v", st.span, ferr)
	}
	return w.fail(j, st.span, st.n, err)
}

// try runs one detect, summarize, validate and commit cycle. The boundary is recomputed
// on every try so a retry sees whatever was committed since.
func (w *worker) try(ctx context.Context, j *job, log *turnlog.Log, st *attempt) (Outcome, error) {
	end, err := w.p.archive.LastCommittedEnd(j.module)
	if err != nil {
		return Outcome{}, err
	}
	complete, err := w.p.archive.IsComplete(j.module)
	if err != nil {
		return Outcome{}, err
	}
	if complete {
		return w.skip(j, nil, "module already completed"), nil
	}

	var b *boundary.Boundary
	switch j.kind {
	case jobChronicle:
		if j.marker < end {
			return w.skip(j, nil, fmt.Sprintf("marker %d already inside committed history (end %d)", j.marker, end)), nil
		}
		b, err = boundary.DetectTransition(log, j.marker, end)
	default:
		if j.upTo < end {
			return w.skip(j, nil, fmt.Sprintf("location %s already inside committed history (end %d)", j.location, end)), nil
		}
		b, err = boundary.DetectLocationExit(prefix{Log: log, n: j.upTo}, j.location, end)
	}
	if err != nil {
		return Outcome{}, err
	}
	if b == nil {
		return w.skip(j, nil, "empty span"), nil
	}

	span := b.Span
	st.span = &span
	if !st.announced {
		st.announced = true
		w.p.emit(types.NewBoundaryDetectedEvent(j.id, b.Tier, span).
			WithMetadata("condition", string(b.Condition)).
			WithMetadata("anchor", b.Anchor).
			WithMetadata("absorbed", b.Absorbed))
	}

	d, err := w.directive(j, b)
	if err != nil {
		return Outcome{}, err
	}
	st.directive = d

	artifact, err := w.p.compactor.Compact(ctx, log, span, d)
	if err != nil {
		return Outcome{}, err
	}
	return w.commit(ctx, j, log, b, artifact)
}

// commit re-validates the captured span against the log and the archive, then commits.
func (w *worker) commit(ctx context.Context, j *job, log *turnlog.Log, b *boundary.Boundary, artifact *types.SummaryArtifact) (Outcome, error) {
	span := b.Span
	turns, err := log.Slice(span.Start, span.End)
	if err != nil {
		return Outcome{}, err
	}
	if turnlog.Fingerprint(turns) != artifact.Fingerprint {
		return Outcome{}, fmt.Errorf("%w: %s changed while it was summarized", archive.ErrFingerprintMismatch, span)
	}
	end, err := w.p.archive.LastCommittedEnd(j.module)
	if err != nil {
		return Outcome{}, err
	}
	if end != span.Start {
		// Something committed meanwhile; the next try recomputes the boundary.
		return Outcome{}, fmt.Errorf("%w: %s captured at end %d, now %d", archive.ErrSpanNotContiguous, span, span.Start, end)
	}

	if artifact.Chronicle != nil && b.Transition != nil {
		marker, ok := log.Turn(j.marker)
		if ok {
			artifact.Chronicle.TransitionAt = marker.Timestamp
		}
	}

	res, err := w.p.archive.Commit(ctx, artifact, turns)
	if errors.Is(err, archive.ErrModuleAlreadyCompleted) {
		return w.skip(j, &span, "module already completed"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	w.p.emit(types.NewCompactionCommittedEvent(j.id, res).WithMetadata("verbatim", artifact.Verbatim))
	return Outcome{Kind: OutcomeCommitted, JobID: j.id, ModuleID: j.module, Tier: res.Tier, Span: &span, Commit: res}, nil
}

// directive builds the oracle instructions for a boundary. Chronicles carry the closing
// paragraph of the module's previous chronicle and the location summaries committed
// since the boundary's anchor.
func (w *worker) directive(j *job, b *boundary.Boundary) (oracle.Directive, error) {
	d := oracle.Directive{
		Granularity: oracle.GranularityLocation,
		ModuleID:    j.module,
		LocationID:  b.Span.Location,
	}
	if b.Tier != types.TierChronicle {
		return d, nil
	}

	d.Granularity = oracle.GranularityChronicle
	if b.Transition != nil {
		d.FromModule = b.Transition.FromModule
		d.ToModule = b.Transition.ToModule
	}
	chronicles, err := w.p.archive.Chronicles(j.module)
	if err != nil {
		return d, err
	}
	if n := len(chronicles); n > 0 {
		d.ContinuityHint = oracle.ClosingText(chronicles[n-1].Text, w.p.cfg.HintChars)
	}
	if b.Anchor < b.Span.Start {
		summaries, err := w.p.archive.LocationSummaries(j.module)
		if err != nil {
			return d, err
		}
		for _, s := range summaries {
			if s.SourceSpan.Start >= b.Anchor && s.SourceSpan.End <= b.Span.Start {
				d.PriorSummaries = append(d.PriorSummaries, s.Text)
			}
		}
	}
	return d, nil
}

func (w *worker) fallback(ctx context.Context, j *job, log *turnlog.Log, st *attempt) (Outcome, error) {
	artifact, err := w.p.compactor.Fallback(log, *st.span, st.directive)
	if err != nil {
		return Outcome{}, err
	}
	b := &boundary.Boundary{Span: *st.span, Tier: artifact.Tier}
	if j.kind == jobChronicle {
		b.Transition = &types.Transition{FromModule: st.directive.FromModule, ToModule: st.directive.ToModule}
	}
	st.n++
	o, err := w.commit(ctx, j, log, b, artifact)
	if err != nil {
		w.p.recordAttempt(ctx, w.attemptRecord(j, st, "failed", err))
		return Outcome{}, err
	}
	w.p.recordAttempt(ctx, w.attemptRecord(j, st, "verbatim", nil))
	debugLog.Warnf("committed verbatim fallback for %s", st.span)
	o.Attempts = st.n
	return o, nil
}

func (w *worker) skip(j *job, span *types.CompactionSpan, reason string) Outcome {
	w.p.emit(types.NewCompactionSkippedEvent(j.id, j.module, j.tier(), reason))
	debugLog.Infof("skipped %s job %s for %s: %s", j.kind, j.id, j.module, reason)
	return Outcome{Kind: OutcomeSkipped, JobID: j.id, ModuleID: j.module, Tier: j.tier(), Span: span, Reason: reason}
}

func (w *worker) fail(j *job, span *types.CompactionSpan, attempts int, err error) Outcome {
	f := &Failure{JobID: j.id, Tier: j.tier(), Kind: Classify(err), Attempts: attempts, Err: err}
	if span != nil {
		f.Span = *span
	} else {
		f.Span = types.CompactionSpan{Module: j.module}
	}
	return Outcome{Kind: OutcomeFailed, JobID: j.id, ModuleID: j.module, Tier: j.tier(), Span: span, Err: f, Attempts: attempts}
}

func (w *worker) attemptRecord(j *job, st *attempt, outcome string, err error) catalog.Attempt {
	a := catalog.Attempt{
		JobID:    j.id,
		ModuleID: j.module,
		Tier:     j.tier(),
		Attempt:  st.n,
		Outcome:  outcome,
	}
	if st.span != nil {
		a.Span = *st.span
	}
	if err != nil {
		a.LastError = err.Error()
	}
	return a
}
