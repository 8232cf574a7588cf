package turnlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_AssignsMonotonicIndices(t *testing.T) {
	dir := t.TempDir()
	store := atomicstore.New()
	l, err := Open(store, filepath.Join(dir, FileName), "keep")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		turn, err := l.Append(types.NewTurn(types.RoleUser, "look", "gate"))
		require.NoError(t, err)
		assert.Equal(t, i, turn.Index)
		assert.Equal(t, "keep", turn.ModuleID)
		assert.False(t, turn.Timestamp.IsZero())
	}
	assert.Equal(t, 3, l.Len())

	// Reopening restores the same turns.
	reopened, err := Open(store, filepath.Join(dir, FileName), "keep")
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), reopened.Snapshot())
}

func TestAppend_PersistFailureLeavesLogUnchanged(t *testing.T) {
	dir := t.TempDir()
	injected := errors.New("disk full")
	var fail bool
	store := atomicstore.New(atomicstore.WithFaultHook(func(stage atomicstore.Stage, _ string) error {
		if fail && stage == atomicstore.StageTempWrite {
			return injected
		}
		return nil
	}))

	l, err := Open(store, filepath.Join(dir, FileName), "keep")
	require.NoError(t, err)
	_, err = l.Append(types.NewTurn(types.RoleUser, "one", "gate"))
	require.NoError(t, err)

	fail = true
	_, err = l.Append(types.NewTurn(types.RoleUser, "two", "gate"))
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())

	fail = false
	turn, err := l.Append(types.NewTurn(types.RoleUser, "two", "gate"))
	require.NoError(t, err)
	assert.Equal(t, 1, turn.Index, "failed appends must not consume indices")
}

func TestSlice(t *testing.T) {
	l, err := Open(atomicstore.New(), filepath.Join(t.TempDir(), FileName), "keep")
	require.NoError(t, err)
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := l.Append(types.NewTurn(types.RoleUser, c, "gate"))
		require.NoError(t, err)
	}

	got, err := l.Slice(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Content)
	assert.Equal(t, "c", got[1].Content)

	empty, err := l.Slice(4, 4)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = l.Slice(2, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = l.Slice(3, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// Mutating the copy does not touch the log.
	got[0].Content = "changed"
	again, _ := l.Slice(1, 2)
	assert.Equal(t, "b", again[0].Content)
}

func TestOpen_RejectsCorruptIndices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"module_id":"keep","turns":[{"index":0},{"index":2}]}`), 0o600))

	_, err := Open(atomicstore.New(), path, "keep")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_RejectsForeignModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"module_id":"marsh","turns":[]}`), 0o600))

	_, err := Open(atomicstore.New(), path, "keep")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFingerprint(t *testing.T) {
	a := []types.Turn{{Index: 0, Role: types.RoleUser, Content: "x"}, {Index: 1, Role: types.RoleAssistant, Content: "y"}}
	b := []types.Turn{{Index: 0, Role: types.RoleUser, Content: "x"}, {Index: 1, Role: types.RoleAssistant, Content: "y"}}
	c := []types.Turn{{Index: 0, Role: types.RoleUser, Content: "x"}, {Index: 1, Role: types.RoleAssistant, Content: "z"}}
	shifted := []types.Turn{{Index: 1, Role: types.RoleUser, Content: "x"}, {Index: 2, Role: types.RoleAssistant, Content: "y"}}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(shifted))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(a[:1]))
}
