package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/oracle/oracletest"
	"github.com/entrhq/saga/pkg/sequence"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func turnsFor(module string, start, end int) []types.Turn {
	turns := make([]types.Turn, 0, end-start)
	for i := start; i < end; i++ {
		turns = append(turns, types.Turn{
			Index:     i,
			Role:      types.RoleUser,
			Content:   "turn",
			ModuleID:  module,
			Kind:      types.TurnKindNormal,
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
		})
	}
	return turns
}

func locationArtifact(module, location string, turns []types.Turn) *types.SummaryArtifact {
	span := types.CompactionSpan{Module: module, Location: location, Start: turns[0].Index, End: turns[len(turns)-1].Index + 1}
	return &types.SummaryArtifact{
		Tier:        types.TierLocation,
		Span:        span,
		Fingerprint: turnlog.Fingerprint(turns),
		Location: &types.LocationSummary{
			ModuleID:   module,
			LocationID: location,
			Text:       "The party explored " + location + ".",
			SourceSpan: span,
			CreatedAt:  epoch,
		},
	}
}

func chronicleArtifact(from, to string, turns []types.Turn, at time.Time) *types.SummaryArtifact {
	span := types.CompactionSpan{Module: from, Start: turns[0].Index, End: turns[len(turns)-1].Index + 1}
	return &types.SummaryArtifact{
		Tier:        types.TierChronicle,
		Span:        span,
		Fingerprint: turnlog.Fingerprint(turns),
		Chronicle: &types.Chronicle{
			ModuleID:     from,
			FromModule:   from,
			ToModule:     to,
			Text:         "The party left " + from + " for " + to + ".",
			SourceSpan:   span,
			CreatedAt:    epoch,
			TransitionAt: at,
		},
	}
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	return NewManager(t.TempDir(), atomicstore.New(atomicstore.WithSync(false)), opts...)
}

func TestCommit_LocationSummary(t *testing.T) {
	m := newManager(t)
	turns := turnsFor("M", 0, 5)
	a := locationArtifact("M", "A", turns)

	res, err := m.Commit(context.Background(), a, turns)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sequence)
	assert.Equal(t, types.TierLocation, res.Tier)
	assert.Equal(t, 1, a.Location.Sequence)
	assert.Equal(t, m.SegmentPath("M", 1), res.Segment.Path)
	assert.Equal(t, m.SummaryPath("M", 1), res.Summary.Path)

	end, err := m.LastCommittedEnd("M")
	require.NoError(t, err)
	assert.Equal(t, 5, end)

	seg, err := m.Segment("M", 1)
	require.NoError(t, err)
	assert.Len(t, seg.Turns, 5)
	assert.Equal(t, a.Fingerprint, seg.Fingerprint)

	summaries, err := m.LocationSummaries("M")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "A", summaries[0].LocationID)
	assert.Equal(t, "The party explored A.", summaries[0].Text)
	assert.Equal(t, a.Span, summaries[0].SourceSpan)

	entries, err := m.Entries("M")
	require.NoError(t, err)
	assert.Equal(t, res.Entries(), entries)
	require.NoError(t, m.Audit("M"))
}

func TestCommit_SequencesAreGapFreeAndTileTheLog(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	bounds := [][2]int{{0, 3}, {3, 10}, {10, 11}, {11, 25}}
	for i, b := range bounds {
		turns := turnsFor("M", b[0], b[1])
		res, err := m.Commit(ctx, locationArtifact("M", "A", turns), turns)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Sequence)
	}

	files, err := m.Summaries("M")
	require.NoError(t, err)
	require.Len(t, files, len(bounds))
	for i, f := range files {
		assert.Equal(t, i+1, f.Meta.Sequence)
		assert.Equal(t, bounds[i][0], f.Meta.Span.Start)
		assert.Equal(t, bounds[i][1], f.Meta.Span.End)
	}
	require.NoError(t, m.Audit("M"))
}

func TestCommit_RejectsSpansThatDoNotFollowHistory(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	turns := turnsFor("M", 0, 5)
	_, err := m.Commit(ctx, locationArtifact("M", "A", turns), turns)
	require.NoError(t, err)

	overlap := turnsFor("M", 3, 8)
	_, err = m.Commit(ctx, locationArtifact("M", "A", overlap), overlap)
	assert.ErrorIs(t, err, boundary.ErrSpanOverlap)

	gap := turnsFor("M", 6, 8)
	_, err = m.Commit(ctx, locationArtifact("M", "A", gap), gap)
	assert.ErrorIs(t, err, ErrSpanNotContiguous)

	st, err := m.Registry().Current("M")
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastSequence)
	assert.Equal(t, 5, st.LastSpanEnd)
}

func TestCommit_RejectsMismatchedTurns(t *testing.T) {
	m := newManager(t)
	turns := turnsFor("M", 0, 5)
	a := locationArtifact("M", "A", turns)

	changed := turnsFor("M", 0, 5)
	changed[2].Content = "edited"
	_, err := m.Commit(context.Background(), a, changed)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	_, err = m.Commit(context.Background(), a, turns[:4])
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	_, err = os.Stat(m.SegmentPath("M", 1))
	assert.True(t, os.IsNotExist(err))
}

func TestCommit_RejectsInvalidArtifacts(t *testing.T) {
	m := newManager(t)
	turns := turnsFor("M", 0, 2)

	a := locationArtifact("M", "A", turns)
	a.Location.Text = "  "
	_, err := m.Commit(context.Background(), a, turns)
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	a = locationArtifact("M", "A", turns)
	a.Tier = types.TierModule
	_, err = m.Commit(context.Background(), a, turns)
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	_, err = m.Commit(context.Background(), nil, turns)
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestCommit_FailureConsumesNoSequence(t *testing.T) {
	var fail bool
	hook := func(s atomicstore.Stage, path string) error {
		if fail && s == atomicstore.StageRename && strings.HasSuffix(path, ".md") {
			return errors.New("disk full")
		}
		return nil
	}
	m := NewManager(t.TempDir(), atomicstore.New(atomicstore.WithFaultHook(hook), atomicstore.WithSync(false)), WithClock(fixedClock))
	turns := turnsFor("M", 0, 5)

	fail = true
	_, err := m.Commit(context.Background(), locationArtifact("M", "A", turns), turns)
	require.Error(t, err)

	st, err := m.Registry().Current("M")
	require.NoError(t, err)
	assert.Equal(t, 0, st.LastSequence)
	assert.Equal(t, 0, st.LastSpanEnd)
	_, err = os.Stat(m.SegmentPath("M", 1))
	assert.True(t, os.IsNotExist(err), "segment of a failed commit must not be visible")

	fail = false
	res, err := m.Commit(context.Background(), locationArtifact("M", "A", turns), turns)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sequence)
	require.NoError(t, m.Audit("M"))
}

func TestCommit_UnboundEntryReportsSequenceGap(t *testing.T) {
	m := newManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.SegmentPath("M", 1)), 0o750))
	require.NoError(t, os.WriteFile(m.SegmentPath("M", 1), []byte(`{}`), 0o600))

	turns := turnsFor("M", 0, 2)
	_, err := m.Commit(context.Background(), locationArtifact("M", "A", turns), turns)
	assert.ErrorIs(t, err, sequence.ErrSequenceGap)
}

func TestCommit_ConcurrentModulesStayIndependent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, module := range []string{"M1", "M2", "M3"} {
		wg.Add(1)
		go func(module string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				turns := turnsFor(module, i*2, i*2+2)
				_, err := m.Commit(ctx, locationArtifact(module, "A", turns), turns)
				assert.NoError(t, err)
			}
		}(module)
	}
	wg.Wait()

	for _, module := range []string{"M1", "M2", "M3"} {
		st, err := m.Registry().Current(module)
		require.NoError(t, err)
		assert.Equal(t, 5, st.LastSequence)
		assert.Equal(t, 10, st.LastSpanEnd)
		assert.NoError(t, m.Audit(module))
	}
}

type recordingIndexer struct {
	mu      sync.Mutex
	entries []types.ArchiveEntry
	err     error
}

func (r *recordingIndexer) Record(_ context.Context, entries ...types.ArchiveEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	return r.err
}

func TestCommit_IndexerFailureDoesNotFailCommit(t *testing.T) {
	ix := &recordingIndexer{err: errors.New("index offline")}
	m := newManager(t, WithIndexer(ix))
	turns := turnsFor("M", 0, 3)

	res, err := m.Commit(context.Background(), locationArtifact("M", "A", turns), turns)
	require.NoError(t, err)
	assert.Equal(t, res.Entries(), ix.entries)
}

func TestCompleteModule_OrdersChroniclesByTransition(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, chronicleArtifact("M", "N", first, epoch.Add(time.Hour)), first)
	require.NoError(t, err)

	// N hands the party back to M between M's two departures.
	back := turnsFor("N", 0, 3)
	_, err = m.Commit(ctx, chronicleArtifact("N", "M", back, epoch.Add(2*time.Hour)), back)
	require.NoError(t, err)

	second := turnsFor("M", 4, 9)
	_, err = m.Commit(ctx, chronicleArtifact("M", "O", second, epoch.Add(3*time.Hour)), second)
	require.NoError(t, err)

	summary, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)
	require.Len(t, summary.Chronicles, 3)
	assert.Equal(t, [][2]string{{"M", "N"}, {"N", "M"}, {"M", "O"}}, [][2]string{
		{summary.Chronicles[0].FromModule, summary.Chronicles[0].ToModule},
		{summary.Chronicles[1].FromModule, summary.Chronicles[1].ToModule},
		{summary.Chronicles[2].FromModule, summary.Chronicles[2].ToModule},
	})
	assert.Equal(t,
		"The party left M for N.\n\nThe party left N for M.\n\nThe party left M for O.",
		summary.FinalNarrative)
	assert.True(t, epoch.Equal(summary.ArchivedAt))

	complete, err := m.IsComplete("M")
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestCompleteModule_IsIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	turns := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, chronicleArtifact("M", "N", turns, epoch), turns)
	require.NoError(t, err)

	first, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)
	before, err := os.ReadFile(m.ModuleSummaryPath("M"))
	require.NoError(t, err)
	stBefore, err := m.Registry().Current("M")
	require.NoError(t, err)

	second, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := os.ReadFile(m.ModuleSummaryPath("M"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	stAfter, err := m.Registry().Current("M")
	require.NoError(t, err)
	assert.Equal(t, stBefore.LastSequence, stAfter.LastSequence)
}

func TestCompleteModule_WithoutChronicles(t *testing.T) {
	m := newManager(t)
	summary, err := m.CompleteModule(context.Background(), "M")
	require.NoError(t, err)
	assert.Empty(t, summary.Chronicles)
	assert.Equal(t, "No chronicles were recorded for M.", summary.FinalNarrative)
}

func TestCompleteModule_SealsModule(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)

	turns := turnsFor("M", 0, 2)
	_, err = m.Commit(ctx, locationArtifact("M", "A", turns), turns)
	assert.ErrorIs(t, err, ErrModuleAlreadyCompleted)
}

func TestCommit_ReportsChronicleIntoCompletedModule(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	sealed, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)

	turns := turnsFor("N", 0, 3)
	result, err := m.Commit(ctx, chronicleArtifact("N", "M", turns, epoch), turns)
	require.NoError(t, err)
	assert.Equal(t, "M", result.SealedPeer)

	again, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, sealed, again)
	assert.Empty(t, again.Chronicles)

	more := turnsFor("N", 3, 5)
	result, err = m.Commit(ctx, chronicleArtifact("N", "P", more, epoch), more)
	require.NoError(t, err)
	assert.Empty(t, result.SealedPeer)
}

func TestCompleteModule_NarratorPass(t *testing.T) {
	o := new(oracletest.MockOracle)
	o.On("Summarize", mock.Anything, mock.Anything, mock.MatchedBy(func(d oracle.Directive) bool {
		return d.Granularity == oracle.GranularityModule && d.ModuleID == "M" && len(d.PriorSummaries) == 1
	})).Return("The tale of M.", nil).Once()

	m := newManager(t, WithNarrator(o, time.Second))
	ctx := context.Background()
	turns := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, chronicleArtifact("M", "N", turns, epoch), turns)
	require.NoError(t, err)

	summary, err := m.CompleteModule(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, "The tale of M.", summary.FinalNarrative)
	o.AssertExpectations(t)
}

func TestCompleteModule_NarratorFailureWritesNothing(t *testing.T) {
	o := new(oracletest.MockOracle)
	o.On("Summarize", mock.Anything, mock.Anything, mock.Anything).Return("", oracle.ErrUnavailable).Once()

	m := newManager(t, WithNarrator(o, time.Second))
	ctx := context.Background()
	turns := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, chronicleArtifact("M", "N", turns, epoch), turns)
	require.NoError(t, err)

	_, err = m.CompleteModule(ctx, "M")
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
	complete, err := m.IsComplete("M")
	require.NoError(t, err)
	assert.False(t, complete)
}
