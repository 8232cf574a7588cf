package sequence

import (
	"errors"
	"testing"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, *atomicstore.Store) {
	t.Helper()
	store := atomicstore.New()
	return NewRegistry(t.TempDir(), store), store
}

func TestNext_ReissuesUntilCommitted(t *testing.T) {
	r, _ := newRegistry(t)

	n, err := r.Next("keep")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Without a commit the same number is reissued.
	n, err = r.Next("keep")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := r.Current("keep")
	require.NoError(t, err)
	assert.Equal(t, 0, st.LastSequence)
	assert.Equal(t, 1, st.Reserved)
}

func TestStageAdvance_CommitsWithTransaction(t *testing.T) {
	r, store := newRegistry(t)

	n, err := r.Next("keep")
	require.NoError(t, err)

	tx := store.Begin()
	st, err := r.StageAdvance(tx, "keep", n, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastSequence)

	// Staged but not committed: the counter has not moved.
	cur, err := r.Current("keep")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.LastSequence)

	require.NoError(t, tx.Commit())
	cur, err = r.Current("keep")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.LastSequence)
	assert.Equal(t, 10, cur.LastSpanEnd)
	assert.Zero(t, cur.Reserved)

	n, err = r.Next("keep")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStageAdvance_RollbackLeavesCounter(t *testing.T) {
	r, store := newRegistry(t)

	tx := store.Begin()
	_, err := r.StageAdvance(tx, "keep", 1, 5)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	cur, err := r.Current("keep")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.LastSequence)
}

func TestAdvance_RejectsGapsAndRepeats(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Advance("keep", 2, 5)
	assert.True(t, errors.Is(err, ErrSequenceGap))

	_, err = r.Advance("keep", 1, 5)
	require.NoError(t, err)

	_, err = r.Advance("keep", 1, 9)
	assert.True(t, errors.Is(err, ErrSequenceGap))

	_, err = r.Advance("keep", 2, 4)
	assert.True(t, errors.Is(err, ErrSequenceGap), "span end must not move backwards")
}

func TestModulesAreIndependent(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Advance("keep", 1, 3)
	require.NoError(t, err)

	n, err := r.Next("marsh")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckContiguous(t *testing.T) {
	tests := []struct {
		name    string
		present []int
		last    int
		wantErr bool
	}{
		{name: "empty", present: nil, last: 0},
		{name: "ordered", present: []int{1, 2, 3}, last: 3},
		{name: "unordered", present: []int{3, 1, 2}, last: 3},
		{name: "gap", present: []int{1, 3}, last: 3, wantErr: true},
		{name: "duplicate", present: []int{1, 1, 2}, last: 3, wantErr: true},
		{name: "counter ahead", present: []int{1, 2}, last: 3, wantErr: true},
		{name: "counter behind", present: []int{1, 2, 3}, last: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckContiguous("keep", tt.present, tt.last)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrSequenceGap))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
