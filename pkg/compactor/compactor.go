// Package compactor turns a span of a module's turn log into an uncommitted summary artifact.
//
// The same Compressor serves location summaries and chronicles; only the span and the
// directive differ. A Compressor never writes anything: on failure the span simply stays
// uncompacted and the call can be repeated with the same arguments.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("compactor")
}

// DefaultTimeout bounds each oracle call when no timeout is configured.
const DefaultTimeout = 60 * time.Second

var (
	// ErrEmptySpan is returned for spans covering no turns.
	ErrEmptySpan = errors.New("compactor: empty span")

	// ErrShortRead is returned when the log does not hold exactly the span's turns.
	ErrShortRead = errors.New("compactor: span and turns disagree")
)

// Source is the read access the compressor needs to a turn log.
type Source interface {
	ModuleID() string
	Slice(start, end int) ([]types.Turn, error)
}

// Failure reports a compaction that produced no artifact.
type Failure struct {
	Span types.CompactionSpan
	Tier types.Tier
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("compactor: %s compaction of %s failed: %v", f.Tier, f.Span, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Compressor calls the oracle for one span at a time.
type Compressor struct {
	oracle        oracle.Oracle
	renderer      *oracle.Renderer
	timeout       time.Duration
	maxChars      int
	fallbackChars int
	now           func() time.Time
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithTimeout bounds each oracle call.
func WithTimeout(d time.Duration) Option {
	return func(c *Compressor) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxSummaryChars rejects oracle output longer than n characters as malformed.
func WithMaxSummaryChars(n int) Option {
	return func(c *Compressor) {
		c.maxChars = n
	}
}

// WithFallbackChars bounds the length of verbatim fallback summaries.
func WithFallbackChars(n int) Option {
	return func(c *Compressor) {
		if n > 0 {
			c.fallbackChars = n
		}
	}
}

// WithRenderer sets the transcript renderer used for verbatim fallbacks.
func WithRenderer(r *oracle.Renderer) Option {
	return func(c *Compressor) {
		if r != nil {
			c.renderer = r
		}
	}
}

// WithClock overrides the artifact timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Compressor) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Compressor around an oracle.
func New(o oracle.Oracle, opts ...Option) *Compressor {
	renderer, _ := oracle.NewRenderer(oracle.DefaultExcludePatterns)
	c := &Compressor{
		oracle:        o,
		renderer:      renderer,
		timeout:       DefaultTimeout,
		fallbackChars: 4000,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact reads exactly the turns of span from src, asks the oracle to summarize them
// under the directive and returns the uncommitted artifact.
func (c *Compressor) Compact(ctx context.Context, src Source, span types.CompactionSpan, d oracle.Directive) (*types.SummaryArtifact, error) {
	tier := tierFor(d.Granularity)
	turns, err := c.read(src, span)
	if err != nil {
		return nil, &Failure{Span: span, Tier: tier, Err: err}
	}

	if d.ModuleID == "" {
		d.ModuleID = span.Module
	}
	if d.LocationID == "" {
		d.LocationID = span.Location
	}

	start := time.Now()
	text, err := c.summarize(ctx, turns, d)
	if err != nil {
		debugLog.Warnf("%s compaction of %s failed after %s: %v", tier, span, time.Since(start), err)
		return nil, &Failure{Span: span, Tier: tier, Err: err}
	}
	text, err = oracle.CheckOutput(text, c.maxChars)
	if err != nil {
		return nil, &Failure{Span: span, Tier: tier, Err: err}
	}

	debugLog.Infof("%s compaction of %s produced %d characters in %s", tier, span, len(text), time.Since(start))
	return c.artifact(span, tier, d, turns, text, false), nil
}

// Fallback builds a verbatim, truncated representation of span without calling the oracle.
// Callers use it when the policy prefers a coarse summary over an uncompacted span.
func (c *Compressor) Fallback(src Source, span types.CompactionSpan, d oracle.Directive) (*types.SummaryArtifact, error) {
	tier := tierFor(d.Granularity)
	turns, err := c.read(src, span)
	if err != nil {
		return nil, &Failure{Span: span, Tier: tier, Err: err}
	}
	if d.ModuleID == "" {
		d.ModuleID = span.Module
	}
	if d.LocationID == "" {
		d.LocationID = span.Location
	}

	text := c.renderer.Render(turns)
	if runes := []rune(text); len(runes) > c.fallbackChars {
		text = string(runes[:c.fallbackChars]) + "\n[truncated]"
	}
	if text == "" {
		text = fmt.Sprintf("[%d turns without narrative content]", len(turns))
	}
	return c.artifact(span, tier, d, turns, text, true), nil
}

func (c *Compressor) read(src Source, span types.CompactionSpan) ([]types.Turn, error) {
	if span.IsEmpty() {
		return nil, ErrEmptySpan
	}
	if span.Module != src.ModuleID() {
		return nil, fmt.Errorf("compactor: span of %s read from log of %s", span.Module, src.ModuleID())
	}
	turns, err := src.Slice(span.Start, span.End)
	if err != nil {
		return nil, err
	}
	if len(turns) != span.Len() || turns[0].Index != span.Start || turns[len(turns)-1].Index != span.End-1 {
		return nil, fmt.Errorf("%w: %s", ErrShortRead, span)
	}
	return turns, nil
}

// summarize calls the oracle under the timeout. An oracle that ignores its context is
// abandoned when the deadline passes.
func (c *Compressor) summarize(ctx context.Context, turns []types.Turn, d oracle.Directive) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.oracle.Summarize(cctx, turns, d)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, oracle.ErrTimeout) {
			return "", fmt.Errorf("%w: %v", oracle.ErrTimeout, r.err)
		}
		return r.text, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w after %s", oracle.ErrTimeout, c.timeout)
	}
}

func (c *Compressor) artifact(span types.CompactionSpan, tier types.Tier, d oracle.Directive, turns []types.Turn, text string, verbatim bool) *types.SummaryArtifact {
	a := &types.SummaryArtifact{
		Tier:        tier,
		Span:        span,
		Fingerprint: turnlog.Fingerprint(turns),
		Verbatim:    verbatim,
	}
	now := c.now()
	switch tier {
	case types.TierChronicle:
		a.Chronicle = &types.Chronicle{
			ModuleID:   span.Module,
			FromModule: d.FromModule,
			ToModule:   d.ToModule,
			Text:       text,
			SourceSpan: span,
			CreatedAt:  now,
		}
	default:
		a.Location = &types.LocationSummary{
			ModuleID:   span.Module,
			LocationID: d.LocationID,
			Text:       text,
			SourceSpan: span,
			CreatedAt:  now,
		}
	}
	return a
}

func tierFor(g oracle.Granularity) types.Tier {
	if g == oracle.GranularityChronicle {
		return types.TierChronicle
	}
	return types.TierLocation
}
