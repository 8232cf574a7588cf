// Package archive durably stores compacted spans and their summaries under gap-free,
// per-module sequence numbers, and assembles module summaries when a module completes.
//
// Layout under the storage root:
//
//	archives/<module>/segment_NNNN.json    raw turns of a committed span
//	summaries/<module>/summary_NNNN.md     location summary or chronicle (YAML front-matter + text)
//	summaries/<module>/module_summary.md   module summary, written once
//	summaries/<module>/sequence.json       sequence counter
//
// Every file is written through atomicstore. Entry files are write-once.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/sequence"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("archive")
}

const (
	archivesDir       = "archives"
	summariesDir      = "summaries"
	moduleSummaryFile = "module_summary.md"
	segmentPrefix     = "segment_"
	summaryPrefix     = "summary_"
)

var (
	// ErrNotFound is returned when a requested archive file does not exist.
	ErrNotFound = errors.New("archive: not found")

	// ErrModuleAlreadyCompleted is returned when a span is committed to a module whose
	// summary already exists. Completed modules are sealed; the commit is dropped.
	ErrModuleAlreadyCompleted = errors.New("archive: module already completed")

	// ErrSpanNotContiguous is returned when a span starts after the module's committed end:
	// an earlier span has not been committed yet.
	ErrSpanNotContiguous = errors.New("archive: span does not follow committed history")

	// ErrFingerprintMismatch is returned when the turns handed to Commit are not the ones
	// the summary was produced from.
	ErrFingerprintMismatch = errors.New("archive: turns do not match summary fingerprint")

	// ErrEntryExists is returned when a write-once entry file is already on disk.
	ErrEntryExists = errors.New("archive: entry already exists")

	// ErrInvalidArtifact is returned for artifacts that cannot be committed.
	ErrInvalidArtifact = errors.New("archive: invalid artifact")
)

// Indexer receives every committed entry. It is a derived view: failures are logged and
// never fail a commit.
type Indexer interface {
	Record(ctx context.Context, entries ...types.ArchiveEntry) error
}

// Manager commits artifacts and reads the archive back.
type Manager struct {
	root     string
	store    *atomicstore.Store
	registry *sequence.Registry
	narrator oracle.Oracle
	timeout  time.Duration
	indexer  Indexer
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithNarrator makes CompleteModule run one oracle pass over the chronicles to write the
// final narrative instead of concatenating them.
func WithNarrator(o oracle.Oracle, timeout time.Duration) Option {
	return func(m *Manager) {
		m.narrator = o
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithIndexer registers a derived index of committed entries.
func WithIndexer(ix Indexer) Option {
	return func(m *Manager) {
		m.indexer = ix
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager rooted at root, persisting through store.
func NewManager(root string, store *atomicstore.Store, opts ...Option) *Manager {
	m := &Manager{
		root:     root,
		store:    store,
		registry: sequence.NewRegistry(filepath.Join(root, summariesDir), store),
		timeout:  60 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the sequence registry backing the manager.
func (m *Manager) Registry() *sequence.Registry {
	return m.registry
}

// Root returns the storage root.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) lock(moduleID string) func() {
	m.mu.Lock()
	l, ok := m.locks[moduleID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[moduleID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// SegmentPath returns the segment file of a sequence.
func (m *Manager) SegmentPath(moduleID string, seq int) string {
	return filepath.Join(m.root, archivesDir, moduleID, fmt.Sprintf("%s%04d.json", segmentPrefix, seq))
}

// SummaryPath returns the summary file of a sequence.
func (m *Manager) SummaryPath(moduleID string, seq int) string {
	return filepath.Join(m.root, summariesDir, moduleID, fmt.Sprintf("%s%04d.md", summaryPrefix, seq))
}

// ModuleSummaryPath returns the module summary file.
func (m *Manager) ModuleSummaryPath(moduleID string) string {
	return filepath.Join(m.root, summariesDir, moduleID, moduleSummaryFile)
}

// LastCommittedEnd returns the end of the module's last committed span (0 when none).
func (m *Manager) LastCommittedEnd(moduleID string) (int, error) {
	st, err := m.registry.Current(moduleID)
	if err != nil {
		return 0, err
	}
	return st.LastSpanEnd, nil
}

// IsComplete reports whether the module summary exists.
func (m *Manager) IsComplete(moduleID string) (bool, error) {
	return m.store.Exists(m.ModuleSummaryPath(moduleID))
}

// Commit archives the turns of artifact's span and the summary under the module's next
// sequence number. The segment file, the summary file and the counter advance become
// visible together or not at all.
func (m *Manager) Commit(ctx context.Context, artifact *types.SummaryArtifact, turns []types.Turn) (*types.CommitResult, error) {
	if err := validateArtifact(artifact, turns); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	span := artifact.Span
	module := span.Module
	unlock := m.lock(module)
	defer unlock()

	complete, err := m.IsComplete(module)
	if err != nil {
		return nil, err
	}
	if complete {
		return nil, fmt.Errorf("%w: %s", ErrModuleAlreadyCompleted, module)
	}

	st, err := m.registry.Current(module)
	if err != nil {
		return nil, err
	}
	switch {
	case span.Start < st.LastSpanEnd:
		return nil, fmt.Errorf("%w: %s starts before committed end %d", boundary.ErrSpanOverlap, span, st.LastSpanEnd)
	case span.Start > st.LastSpanEnd:
		return nil, fmt.Errorf("%w: %s starts after committed end %d", ErrSpanNotContiguous, span, st.LastSpanEnd)
	}

	seq, err := m.registry.Next(module)
	if err != nil {
		return nil, err
	}

	now := m.now()
	segment, err := json.MarshalIndent(Segment{
		ModuleID:    module,
		Sequence:    seq,
		Tier:        artifact.Tier,
		Span:        span,
		Fingerprint: artifact.Fingerprint,
		ArchivedAt:  now,
		Turns:       turns,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode segment: %w", err)
	}
	summary, err := SerializeSummary(summaryFileFor(artifact, seq))
	if err != nil {
		return nil, err
	}

	segPath := m.SegmentPath(module, seq)
	sumPath := m.SummaryPath(module, seq)

	tx := m.store.Begin()
	defer func() { _ = tx.Rollback() }()

	if err := tx.StageNew(segPath, segment, segmentValidator(module, seq, len(turns))); err != nil {
		return nil, m.stageError(err, segPath)
	}
	if err := tx.StageNew(sumPath, summary, summaryValidator(module, types.EntryKindSummary, seq)); err != nil {
		return nil, m.stageError(err, sumPath)
	}
	if _, err := m.registry.StageAdvance(tx, module, seq, span.End); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive: commit %s/%d: %w", module, seq, err)
	}

	switch {
	case artifact.Location != nil:
		artifact.Location.Sequence = seq
	case artifact.Chronicle != nil:
		artifact.Chronicle.Sequence = seq
	}

	result := &types.CommitResult{
		Sequence: seq,
		Tier:     artifact.Tier,
		Span:     span,
		Segment:  types.ArchiveEntry{Sequence: seq, ModuleID: module, Kind: types.EntryKindConversationSegment, Path: segPath},
		Summary:  types.ArchiveEntry{Sequence: seq, ModuleID: module, Kind: types.EntryKindSummary, Path: sumPath},
	}
	if c := artifact.Chronicle; c != nil {
		result.SealedPeer = m.sealedPeer(module, c)
	}
	debugLog.Infof("committed %s %s as sequence %d", artifact.Tier, span, seq)
	m.index(ctx, result.Entries()...)
	return result, nil
}

// sealedPeer returns the chronicle's other module when it is already complete.
func (m *Manager) sealedPeer(module string, c *types.Chronicle) string {
	peer := c.ToModule
	if peer == module {
		peer = c.FromModule
	}
	if peer == "" || peer == module {
		return ""
	}
	complete, err := m.IsComplete(peer)
	if err != nil || !complete {
		return ""
	}
	debugLog.Warnf("chronicle %s/%s -> %s committed after %s was completed; its module summary omits it", module, c.FromModule, c.ToModule, peer)
	return peer
}

// stageError maps a write-once collision to a sequence gap: a file for a number the
// registry has not bound must never exist outside recovery.
func (m *Manager) stageError(err error, path string) error {
	if errors.Is(err, atomicstore.ErrTargetExists) {
		return fmt.Errorf("%w: %w: unbound %s (run recovery)", ErrEntryExists, sequence.ErrSequenceGap, path)
	}
	return err
}

func (m *Manager) index(ctx context.Context, entries ...types.ArchiveEntry) {
	if m.indexer == nil {
		return
	}
	if err := m.indexer.Record(ctx, entries...); err != nil {
		debugLog.Warnf("failed to index %d entries: %v", len(entries), err)
	}
}

func validateArtifact(a *types.SummaryArtifact, turns []types.Turn) error {
	if a == nil {
		return fmt.Errorf("%w: nil artifact", ErrInvalidArtifact)
	}
	switch a.Tier {
	case types.TierLocation:
		if a.Location == nil || a.Chronicle != nil {
			return fmt.Errorf("%w: location artifact without location summary", ErrInvalidArtifact)
		}
	case types.TierChronicle:
		if a.Chronicle == nil || a.Location != nil {
			return fmt.Errorf("%w: chronicle artifact without chronicle", ErrInvalidArtifact)
		}
	default:
		return fmt.Errorf("%w: tier %q cannot be committed", ErrInvalidArtifact, a.Tier)
	}
	if a.Span.IsEmpty() || a.Span.Module == "" {
		return fmt.Errorf("%w: empty span %s", ErrInvalidArtifact, a.Span)
	}
	if strings.TrimSpace(a.Text()) == "" {
		return fmt.Errorf("%w: empty summary text", ErrInvalidArtifact)
	}
	if len(turns) != a.Span.Len() {
		return fmt.Errorf("%w: %d turns for %s", ErrFingerprintMismatch, len(turns), a.Span)
	}
	for i, t := range turns {
		if t.Index != a.Span.Start+i || t.ModuleID != a.Span.Module {
			return fmt.Errorf("%w: turn %d is %s[%d]", ErrFingerprintMismatch, i, t.ModuleID, t.Index)
		}
	}
	if turnlog.Fingerprint(turns) != a.Fingerprint {
		return fmt.Errorf("%w: %s", ErrFingerprintMismatch, a.Span)
	}
	return nil
}

func summaryFileFor(a *types.SummaryArtifact, seq int) *SummaryFile {
	span := a.Span
	meta := SummaryMeta{
		ModuleID:    span.Module,
		Kind:        types.EntryKindSummary,
		Tier:        a.Tier,
		Sequence:    seq,
		Span:        &span,
		Fingerprint: a.Fingerprint,
		Verbatim:    a.Verbatim,
	}
	switch {
	case a.Location != nil:
		meta.LocationID = a.Location.LocationID
		meta.CreatedAt = a.Location.CreatedAt
	case a.Chronicle != nil:
		meta.FromModule = a.Chronicle.FromModule
		meta.ToModule = a.Chronicle.ToModule
		meta.CreatedAt = a.Chronicle.CreatedAt
		if !a.Chronicle.TransitionAt.IsZero() {
			at := a.Chronicle.TransitionAt
			meta.TransitionAt = &at
		}
	}
	return &SummaryFile{Meta: meta, Text: a.Text()}
}

// sequences lists the sequence numbers of files named <prefix>NNNN<ext> in dir.
func sequences(dir, prefix, ext string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: list %s: %w", dir, err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || atomicstore.IsScratchFile(name) || !strings.HasPrefix(name, prefix) || filepath.Ext(name) != ext {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func (m *Manager) summarySequences(moduleID string) ([]int, error) {
	return sequences(filepath.Join(m.root, summariesDir, moduleID), summaryPrefix, ".md")
}

func (m *Manager) segmentSequences(moduleID string) ([]int, error) {
	return sequences(filepath.Join(m.root, archivesDir, moduleID), segmentPrefix, ".json")
}
