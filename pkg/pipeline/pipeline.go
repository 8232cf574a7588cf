// Package pipeline dispatches compaction work. Each module gets one worker goroutine fed
// by a job queue, so at most one compaction per module is in flight while modules proceed
// independently. Every job ends in an explicit Outcome and the matching events are sent on
// the caller's event channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/catalog"
	"github.com/entrhq/saga/pkg/compactor"
	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("pipeline")
}

var (
	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("pipeline: closed")

	// ErrModuleHalted is returned for jobs of a module whose worker stopped on a fatal
	// invariant violation.
	ErrModuleHalted = errors.New("pipeline: module halted")
)

// OutcomeKind is the result of one job.
type OutcomeKind string

const (
	OutcomeCommitted OutcomeKind = "committed"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCompleted OutcomeKind = "completed"
)

// Outcome reports how a job ended.
type Outcome struct {
	Kind     OutcomeKind
	JobID    string
	ModuleID string
	Tier     types.Tier

	// Span is the span the job worked on, when a boundary was found.
	Span *types.CompactionSpan

	// Commit is set for committed outcomes.
	Commit *types.CommitResult

	// ModuleSummary is set for completed outcomes.
	ModuleSummary *types.ModuleSummary

	// Reason explains skips.
	Reason string

	// Err is a *Failure for failed outcomes.
	Err error

	Attempts int
}

// Ticket tracks a queued job.
type Ticket struct {
	JobID string
	done  chan Outcome
}

// Wait blocks until the job finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-t.done:
		t.done <- o
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// AttemptLedger records every compaction attempt for operators.
type AttemptLedger interface {
	RecordAttempt(ctx context.Context, a catalog.Attempt) error
}

// Config tunes retries and fallbacks.
type Config struct {
	// MaxAttempts bounds tries per job, including the first.
	MaxAttempts int
	// InitialBackoff and MaxBackoff bound the exponential delay between tries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VerbatimFallback commits a truncated transcript when the oracle keeps failing.
	VerbatimFallback bool
	// HintChars bounds the continuity hint taken from the previous chronicle.
	HintChars int
	// QueueSize is the per-module job buffer.
	QueueSize int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		HintChars:      600,
		QueueSize:      32,
	}
}

// Pipeline owns the module workers.
type Pipeline struct {
	logs      *turnlog.Set
	archive   *archive.Manager
	compactor *compactor.Compressor
	ledger    AttemptLedger
	events    chan<- *types.PipelineEvent
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig replaces the retry and fallback settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		def := DefaultConfig()
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = def.MaxAttempts
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = def.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = def.MaxBackoff
		}
		if cfg.HintChars <= 0 {
			cfg.HintChars = def.HintChars
		}
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = def.QueueSize
		}
		p.cfg = cfg
	}
}

// WithEventChannel makes the pipeline send its events on ch. Sends block until received
// or the pipeline is closed.
func WithEventChannel(ch chan<- *types.PipelineEvent) Option {
	return func(p *Pipeline) {
		p.events = ch
	}
}

// WithAttemptLedger records every attempt in l.
func WithAttemptLedger(l AttemptLedger) Option {
	return func(p *Pipeline) {
		p.ledger = l
	}
}

// New creates a pipeline over the given logs, archive and compressor.
func New(logs *turnlog.Set, am *archive.Manager, c *compactor.Compressor, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		logs:      logs,
		archive:   am,
		compactor: c,
		cfg:       DefaultConfig(),
		ctx:       ctx,
		cancel:    cancel,
		group:     &errgroup.Group{},
		workers:   make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Logs returns the turn logs the pipeline reads.
func (p *Pipeline) Logs() *turnlog.Set {
	return p.logs
}

// Archive returns the archive the pipeline commits to.
func (p *Pipeline) Archive() *archive.Manager {
	return p.archive
}

// AppendTurn records a turn in the module's log. It never waits on compaction.
func (p *Pipeline) AppendTurn(moduleID string, turn types.Turn) (types.Turn, error) {
	if turn.Kind == types.TurnKindTransitionMarker {
		return types.Turn{}, fmt.Errorf("pipeline: use Transition to record module changes")
	}
	l, err := p.logs.Get(moduleID)
	if err != nil {
		return types.Turn{}, err
	}
	return l.Append(turn)
}

// Transition records a module change and queues the chronicle of the module left behind.
func (p *Pipeline) Transition(fromModule, toModule, locationID string) (types.Turn, *Ticket, error) {
	if err := p.checkOpen(); err != nil {
		return types.Turn{}, nil, err
	}
	marker, err := p.logs.Transition(fromModule, toModule, locationID)
	if err != nil {
		return types.Turn{}, nil, err
	}
	t, err := p.RequestChronicle(fromModule, marker.Index)
	return marker, t, err
}

// LeaveLocation queues the location summary of the turns spent in locationID.
func (p *Pipeline) LeaveLocation(moduleID, locationID string) (*Ticket, error) {
	if locationID == "" {
		return nil, fmt.Errorf("pipeline: empty location id")
	}
	l, err := p.logs.Get(moduleID)
	if err != nil {
		return nil, err
	}
	return p.enqueue(&job{kind: jobLocation, module: moduleID, location: locationID, upTo: l.Len()})
}

// RequestChronicle queues the chronicle closed by the exit marker at markerIndex.
func (p *Pipeline) RequestChronicle(moduleID string, markerIndex int) (*Ticket, error) {
	return p.enqueue(&job{kind: jobChronicle, module: moduleID, marker: markerIndex})
}

// Complete queues module completion behind any compaction already queued for the module
// and waits for the module summary.
func (p *Pipeline) Complete(ctx context.Context, moduleID string) (*types.ModuleSummary, error) {
	t, err := p.enqueue(&job{kind: jobComplete, module: moduleID})
	if err != nil {
		return nil, err
	}
	o, err := t.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if o.Kind != OutcomeCompleted {
		return nil, o.Err
	}
	return o.ModuleSummary, nil
}

func (p *Pipeline) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Pipeline) enqueue(j *job) (*Ticket, error) {
	if j.module == "" {
		return nil, fmt.Errorf("pipeline: empty module id")
	}
	j.id = uuid.NewString()
	j.done = make(chan Outcome, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := p.workers[j.module]
	if !ok {
		w = newWorker(p, j.module, p.cfg.QueueSize)
		p.workers[j.module] = w
		p.group.Go(func() error {
			w.run(p.ctx)
			return nil
		})
	}
	// Held under p.mu so Close cannot close the queue between the check and the send.
	w.pending.Add(1)
	p.mu.Unlock()

	select {
	case w.queue <- j:
		w.pending.Done()
	case <-p.ctx.Done():
		w.pending.Done()
		return nil, ErrClosed
	}
	debugLog.Debugf("queued %s job %s for %s", j.kind, j.id, j.module)
	return &Ticket{JobID: j.id, done: j.done}, nil
}

// Close stops accepting jobs and drains the queues. If ctx ends first, in-flight work is
// abandoned through cancellation; nothing partial is ever committed.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	// Let enqueues that already passed the closed check finish before closing queues.
	for _, w := range workers {
		go func(w *worker) {
			w.pending.Wait()
			close(w.queue)
		}(w)
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// emit sends an event unless the pipeline is shutting down.
func (p *Pipeline) emit(e *types.PipelineEvent) {
	if p.events == nil || e == nil {
		return
	}
	select {
	case p.events <- e:
	case <-p.ctx.Done():
		debugLog.Debugf("dropped %s event for %s during shutdown", e.Type, e.ModuleID)
	}
}

func (p *Pipeline) recordAttempt(ctx context.Context, a catalog.Attempt) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		debugLog.Warnf("failed to record attempt %d of %s: %v", a.Attempt, a.JobID, err)
	}
}
