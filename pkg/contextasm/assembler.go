// Package contextasm builds the bounded active context for a module: committed summaries in
// place of the turns they cover, followed by the turns not yet compacted.
package contextasm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("contextasm")
}

// Source identifies where an item of the context came from.
type Source string

const (
	SourceModuleSummary   Source = "module_summary"
	SourceLocationSummary Source = "location_summary"
	SourceChronicle       Source = "chronicle"
	SourceRawTurn         Source = "raw_turn"
)

// Item is one entry of the active context.
type Item struct {
	Source     Source
	ModuleID   string
	LocationID string
	// Sequence is the archive sequence of a summary; zero for module summaries and turns.
	Sequence int
	// Span is the log range a location summary or chronicle replaces.
	Span *types.CompactionSpan
	// Turn is set for raw turns.
	Turn   *types.Turn
	Text   string
	Tokens int
}

// Context is the assembled, chronologically ordered active context.
type Context struct {
	ModuleID   string
	LocationID string
	Items      []Item
	// Tokens is the total of the kept items.
	Tokens int
	// Budget is the limit applied; zero means unlimited.
	Budget int
	// Dropped counts items removed to fit the budget.
	Dropped int
	// OverBudget is set when the protected tail alone exceeds the budget.
	OverBudget bool
	// TailStart is the log index the raw turns start at.
	TailStart int
}

// Render formats the context as prompt text.
func (c *Context) Render() string {
	var b strings.Builder
	for i, it := range c.Items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch it.Source {
		case SourceModuleSummary:
			fmt.Fprintf(&b, "[Completed module %s]\n%s", it.ModuleID, it.Text)
		case SourceLocationSummary:
			fmt.Fprintf(&b, "[Location %s, turns %d-%d]\n%s", it.LocationID, it.Span.Start, it.Span.End-1, it.Text)
		case SourceChronicle:
			fmt.Fprintf(&b, "[Chronicle of %s, turns %d-%d]\n%s", it.ModuleID, it.Span.Start, it.Span.End-1, it.Text)
		default:
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

// Options tune assembly.
type Options struct {
	// Budget is the token limit; zero disables trimming.
	Budget int
	// IncludeCompletedModules prepends the summaries of other completed modules.
	IncludeCompletedModules bool
	// MinTailTurns is how many of the newest raw turns are never trimmed.
	MinTailTurns int
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		Budget:                  8000,
		IncludeCompletedModules: true,
		MinTailTurns:            4,
	}
}

// Assembler reads the archive and turn logs to build contexts. It never writes.
type Assembler struct {
	logs    *turnlog.Set
	archive *archive.Manager
	counter TokenCounter
	opts    Options
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithOptions replaces the assembly options.
func WithOptions(o Options) Option {
	return func(a *Assembler) {
		if o.MinTailTurns < 0 {
			o.MinTailTurns = 0
		}
		a.opts = o
	}
}

// WithCounter sets the token counter.
func WithCounter(c TokenCounter) Option {
	return func(a *Assembler) {
		a.counter = c
	}
}

// New creates an assembler. Without WithCounter it loads the default tiktoken encoding and
// falls back to a byte estimate when the encoding is unavailable.
func New(logs *turnlog.Set, am *archive.Manager, opts ...Option) *Assembler {
	a := &Assembler{logs: logs, archive: am, opts: DefaultOptions()}
	for _, opt := range opts {
		opt(a)
	}
	if a.counter == nil {
		tok, err := NewTokenizer()
		if err != nil {
			debugLog.Warnf("tokenizer unavailable, estimating token counts: %v", err)
			tok = nil
		}
		a.counter = tok
	}
	return a
}

// Assemble returns the active context for moduleID while the player is in locationID.
// Items run oldest first: other completed modules, then the module's committed summaries
// in log order, then the uncompacted tail of its log.
func (a *Assembler) Assemble(ctx context.Context, moduleID, locationID string) (*Context, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("contextasm: empty module id")
	}

	var items []Item
	if a.opts.IncludeCompletedModules {
		others, err := a.completedModules(ctx, moduleID)
		if err != nil {
			return nil, err
		}
		items = append(items, others...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	own, err := a.summaries(moduleID)
	if err != nil {
		return nil, err
	}
	items = append(items, own...)

	tailStart, tail, err := a.tail(moduleID)
	if err != nil {
		return nil, err
	}
	items = append(items, tail...)

	for i := range items {
		items[i].Tokens = a.counter.CountTokens(items[i].Text)
	}

	out := &Context{
		ModuleID:   moduleID,
		LocationID: locationID,
		Budget:     a.opts.Budget,
		TailStart:  tailStart,
	}
	out.Items, out.Dropped, out.OverBudget = a.fit(items, locationID)
	for _, it := range out.Items {
		out.Tokens += it.Tokens
	}
	debugLog.Debugf("assembled %s/%s: %d items, %d tokens, %d dropped", moduleID, locationID, len(out.Items), out.Tokens, out.Dropped)
	return out, nil
}

func (a *Assembler) completedModules(ctx context.Context, moduleID string) ([]Item, error) {
	modules, err := a.archive.Modules()
	if err != nil {
		return nil, err
	}

	var summaries []*types.ModuleSummary
	for _, id := range modules {
		if id == moduleID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		complete, err := a.archive.IsComplete(id)
		if err != nil {
			return nil, err
		}
		if !complete {
			continue
		}
		ms, err := a.archive.ModuleSummary(id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, ms)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].ArchivedAt.Equal(summaries[j].ArchivedAt) {
			return summaries[i].ArchivedAt.Before(summaries[j].ArchivedAt)
		}
		return summaries[i].ModuleID < summaries[j].ModuleID
	})

	items := make([]Item, len(summaries))
	for i, ms := range summaries {
		items[i] = Item{Source: SourceModuleSummary, ModuleID: ms.ModuleID, Text: ms.FinalNarrative}
	}
	return items, nil
}

// summaries returns the module's committed tier-2 and tier-3 summaries. Committed spans
// tile the log, so sequence order is log order.
func (a *Assembler) summaries(moduleID string) ([]Item, error) {
	files, err := a.archive.Summaries(moduleID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(files))
	for _, f := range files {
		switch f.Meta.Tier {
		case types.TierLocation:
			ls := f.LocationSummary()
			span := ls.SourceSpan
			items = append(items, Item{
				Source:     SourceLocationSummary,
				ModuleID:   moduleID,
				LocationID: ls.LocationID,
				Sequence:   ls.Sequence,
				Span:       &span,
				Text:       ls.Text,
			})
		case types.TierChronicle:
			c := f.Chronicle()
			span := c.SourceSpan
			items = append(items, Item{
				Source:   SourceChronicle,
				ModuleID: moduleID,
				Sequence: c.Sequence,
				Span:     &span,
				Text:     c.Text,
			})
		}
	}
	return items, nil
}

func (a *Assembler) tail(moduleID string) (int, []Item, error) {
	end, err := a.archive.LastCommittedEnd(moduleID)
	if err != nil {
		return 0, nil, err
	}
	log, err := a.logs.Get(moduleID)
	if err != nil {
		return 0, nil, err
	}
	turns := log.Snapshot()
	if end > len(turns) {
		return 0, nil, fmt.Errorf("contextasm: %s committed end %d is past log length %d", moduleID, end, len(turns))
	}

	items := make([]Item, 0, len(turns)-end)
	for i := end; i < len(turns); i++ {
		t := turns[i]
		items = append(items, Item{
			Source:     SourceRawTurn,
			ModuleID:   moduleID,
			LocationID: t.LocationID,
			Turn:       &t,
			Text:       renderTurn(t),
		})
	}
	return end, items, nil
}

func renderTurn(t types.Turn) string {
	if t.IsTransitionMarker() {
		return fmt.Sprintf("[Travelled from %s to %s]", t.Transition.FromModule, t.Transition.ToModule)
	}
	return fmt.Sprintf("%s: %s", t.Role, t.Content)
}

// fit trims items until they fit the budget. Other modules go first, then the module's
// summaries of other locations, then those of the current location, then the oldest raw
// turns. The newest MinTailTurns raw turns are always kept.
func (a *Assembler) fit(items []Item, locationID string) ([]Item, int, bool) {
	total := 0
	for _, it := range items {
		total += it.Tokens
	}
	if a.opts.Budget <= 0 || total <= a.opts.Budget {
		return items, 0, false
	}

	raw := 0
	for _, it := range items {
		if it.Source == SourceRawTurn {
			raw++
		}
	}
	protectedFrom := raw - a.opts.MinTailTurns

	type candidate struct{ rank, pos int }
	var cands []candidate
	rawSeen := 0
	for i, it := range items {
		rank := 0
		switch it.Source {
		case SourceModuleSummary:
			rank = 0
		case SourceChronicle:
			rank = 1
		case SourceLocationSummary:
			rank = 1
			if it.LocationID == locationID {
				rank = 2
			}
		case SourceRawTurn:
			rank = 3
			rawSeen++
			if rawSeen > protectedFrom {
				continue
			}
		}
		cands = append(cands, candidate{rank: rank, pos: i})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].rank < cands[j].rank })

	drop := make(map[int]bool)
	for _, c := range cands {
		if total <= a.opts.Budget {
			break
		}
		drop[c.pos] = true
		total -= items[c.pos].Tokens
	}

	kept := make([]Item, 0, len(items)-len(drop))
	for i, it := range items {
		if !drop[i] {
			kept = append(kept, it)
		}
	}
	return kept, len(drop), total > a.opts.Budget
}
