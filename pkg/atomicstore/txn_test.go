package atomicstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxn_CommitMakesAllWritesVisible(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a", "segment.json")
	b := filepath.Join(dir, "b", "summary.md")
	s := New()

	tx := s.Begin()
	require.NoError(t, tx.StageNew(a, []byte(`[]`), ValidateJSON))
	require.NoError(t, tx.StageNew(b, []byte("summary"), ValidateNonEmpty))
	assert.Equal(t, []string{a, b}, tx.Paths())

	// Nothing is visible before commit.
	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, tx.Commit())
	for _, p := range []string{a, b} {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
	assert.ErrorIs(t, tx.Commit(), ErrTxnClosed)
}

func TestTxn_StageRejectsDuplicatesAndExistingTargets(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.json")
	s := New()
	require.NoError(t, s.Write(p, []byte(`{}`), ValidateJSON))

	tx := s.Begin()
	assert.ErrorIs(t, tx.StageNew(p, []byte(`{}`), ValidateJSON), ErrTargetExists)

	q := filepath.Join(dir, "y.json")
	require.NoError(t, tx.Stage(q, []byte(`{}`), ValidateJSON))
	assert.Error(t, tx.Stage(q, []byte(`{}`), ValidateJSON))
	require.NoError(t, tx.Rollback())
	noScratchFiles(t, dir)
}

func TestTxn_StageValidationFailure(t *testing.T) {
	dir := t.TempDir()
	tx := New().Begin()

	err := tx.Stage(filepath.Join(dir, "bad.json"), []byte("{"), ValidateJSON)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	require.NoError(t, tx.Rollback())
	noScratchFiles(t, dir)
}

// A failure on the last file restores every file the transaction already replaced.
func TestTxn_FailureRollsBackEarlierRenames(t *testing.T) {
	injected := errors.New("injected")

	for _, stage := range []Stage{StageBackup, StageRename, StageVerifyTarget} {
		t.Run(string(stage), func(t *testing.T) {
			dir := t.TempDir()
			fresh := filepath.Join(dir, "fresh.json")
			counter := filepath.Join(dir, "counter.json")
			require.NoError(t, New().Write(counter, []byte(`{"n":1}`), ValidateJSON))

			hook := func(s Stage, path string) error {
				if s == stage && path == counter {
					return injected
				}
				return nil
			}
			tx := New(WithFaultHook(hook)).Begin()
			require.NoError(t, tx.StageNew(fresh, []byte(`[1]`), ValidateJSON))
			require.NoError(t, tx.Stage(counter, []byte(`{"n":2}`), ValidateJSON))
			require.Error(t, tx.Commit())

			_, err := os.Stat(fresh)
			assert.True(t, os.IsNotExist(err), "fresh file should be removed")
			got, err := os.ReadFile(counter)
			require.NoError(t, err)
			assert.Equal(t, `{"n":1}`, string(got))
			noScratchFiles(t, dir)
		})
	}
}

func TestTxn_CrashThenRecoverLeavesNoScratch(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")

	hook := func(s Stage, path string) error {
		if s == StageRename && path == second {
			return ErrSimulatedCrash
		}
		return nil
	}
	tx := New(WithFaultHook(hook)).Begin()
	require.NoError(t, tx.StageNew(first, []byte(`1`), ValidateJSON))
	require.NoError(t, tx.StageNew(second, []byte(`2`), ValidateJSON))
	assert.ErrorIs(t, tx.Commit(), ErrSimulatedCrash)

	// The first rename happened before the crash; the second file was never renamed.
	_, err := os.Stat(first)
	assert.NoError(t, err)
	_, err = os.Stat(second + tempSuffix)
	assert.NoError(t, err)

	_, err = New().Recover(dir)
	require.NoError(t, err)
	noScratchFiles(t, dir)
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))
}

func TestTxn_RollbackAfterCommitIsNoop(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "p.json")
	tx := New().Begin()
	require.NoError(t, tx.Stage(p, []byte(`{}`), ValidateJSON))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	_, err := os.Stat(p)
	assert.NoError(t, err)
}
