package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/sequence"
)

type crashPoint struct {
	stage atomicstore.Stage
	path  string
}

func assertNoScratch(t *testing.T, dir string) {
	t.Helper()
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			assert.False(t, atomicstore.IsScratchFile(d.Name()), "unexpected scratch file %s", path)
		}
		return nil
	})
}

// Entries are renamed in order segment, summary, counter. A commit survives a crash once
// both entry files are in place.
func survivesCrash(stage atomicstore.Stage, file string) bool {
	switch stage {
	case atomicstore.StageTempWrite, atomicstore.StageVerifyTemp:
		return false
	case atomicstore.StageRename:
		return file == "counter"
	case atomicstore.StageVerifyTarget:
		return file != "segment"
	default:
		return true
	}
}

func TestRecover_CrashAtEveryStage(t *testing.T) {
	for _, file := range []string{"segment", "summary", "counter"} {
		for _, stage := range atomicstore.Stages {
			t.Run(fmt.Sprintf("%s/%s", file, stage), func(t *testing.T) {
				root := t.TempDir()
				var armed *crashPoint
				fired := false
				hook := func(s atomicstore.Stage, path string) error {
					if armed != nil && s == armed.stage && path == armed.path {
						fired = true
						return atomicstore.ErrSimulatedCrash
					}
					return nil
				}
				m := NewManager(root, atomicstore.New(atomicstore.WithFaultHook(hook), atomicstore.WithSync(false)), WithClock(fixedClock))
				ctx := context.Background()

				// Reserve up front so the commit itself writes the counter exactly once.
				seq, err := m.Registry().Next("M")
				require.NoError(t, err)
				require.Equal(t, 1, seq)

				paths := map[string]string{
					"segment": m.SegmentPath("M", 1),
					"summary": m.SummaryPath("M", 1),
					"counter": m.Registry().Path("M"),
				}
				armed = &crashPoint{stage: stage, path: paths[file]}

				turns := turnsFor("M", 0, 5)
				_, err = m.Commit(ctx, locationArtifact("M", "A", turns), turns)
				armed = nil
				if fired {
					require.ErrorIs(t, err, atomicstore.ErrSimulatedCrash)
				} else {
					// Write-once entries have no backup stage.
					require.NoError(t, err)
				}

				report, err := m.Recover(ctx, "M")
				require.NoError(t, err)
				assertNoScratch(t, root)
				require.NoError(t, m.Audit("M"))

				st, err := m.Registry().Current("M")
				require.NoError(t, err)
				if !fired || survivesCrash(stage, file) {
					assert.Equal(t, 1, st.LastSequence)
					assert.Equal(t, 5, st.LastSpanEnd)
					_, err = m.Commit(ctx, locationArtifact("M", "A", turns), turns)
					assert.ErrorIs(t, err, boundary.ErrSpanOverlap)
				} else {
					assert.Equal(t, 0, st.LastSequence)
					assert.Empty(t, report.Bound)
					res, err := m.Commit(ctx, locationArtifact("M", "A", turns), turns)
					require.NoError(t, err)
					assert.Equal(t, 1, res.Sequence)
				}

				summaries, err := m.LocationSummaries("M")
				require.NoError(t, err)
				require.Len(t, summaries, 1)
				assert.Equal(t, 1, summaries[0].Sequence)
				require.NoError(t, m.Audit("M"))
			})
		}
	}
}

func TestRecover_BindsCompleteEntry(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	turns := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, locationArtifact("M", "A", turns), turns)
	require.NoError(t, err)

	more := turnsFor("M", 4, 6)
	_, err = m.Commit(ctx, locationArtifact("M", "B", more), more)
	require.NoError(t, err)
	// Roll the counter back as if the process died before the counter rename.
	require.NoError(t, os.WriteFile(m.Registry().Path("M"),
		[]byte(`{"module_id":"M","last_sequence":1,"last_span_end":4,"reserved":2}`), 0o600))

	report, err := m.Recover(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, report.Bound)
	assert.Empty(t, report.Orphans)

	end, err := m.LastCommittedEnd("M")
	require.NoError(t, err)
	assert.Equal(t, 6, end)
}

func TestRecover_RemovesOrphans(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	turns := turnsFor("M", 0, 4)
	_, err := m.Commit(ctx, locationArtifact("M", "A", turns), turns)
	require.NoError(t, err)

	orphan := m.SegmentPath("M", 2)
	require.NoError(t, os.WriteFile(orphan, []byte(`{"module_id":"M","sequence":2}`), 0o600))
	require.ErrorIs(t, m.Audit("M"), sequence.ErrSequenceGap)

	report, err := m.Recover(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, report.Orphans)
	assert.Empty(t, report.Bound)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	more := turnsFor("M", 4, 6)
	res, err := m.Commit(ctx, locationArtifact("M", "B", more), more)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sequence)
}

func TestRecover_CleanArchiveIsUntouched(t *testing.T) {
	m := newManager(t)
	report, err := m.Recover(context.Background(), "M")
	require.NoError(t, err)
	assert.Zero(t, report.Repaired())
}
