// Package sequence assigns the per-module, gap-free sequence numbers used to name archive entries.
package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("sequence")
}

// FileName is the per-module counter file, stored beside the module's summaries.
const FileName = "sequence.json"

// ErrSequenceGap indicates the registry and the committed entries disagree, or an advance
// would skip or repeat a number. It is unrecoverable without manual repair.
var ErrSequenceGap = errors.New("sequence: gap in sequence numbers")

// State is the persisted counter of one module.
type State struct {
	ModuleID     string    `json:"module_id"`
	LastSequence int       `json:"last_sequence"`
	LastSpanEnd  int       `json:"last_span_end"`
	Reserved     int       `json:"reserved,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry reads and writes module counters through an atomic store.
type Registry struct {
	dir   string
	store *atomicstore.Store
	mu    sync.Mutex
}

// NewRegistry creates a registry whose counters live in <summariesDir>/<module>/sequence.json.
func NewRegistry(summariesDir string, store *atomicstore.Store) *Registry {
	return &Registry{dir: summariesDir, store: store}
}

// Path returns the counter file of moduleID.
func (r *Registry) Path(moduleID string) string {
	return filepath.Join(r.dir, moduleID, FileName)
}

// Current returns the persisted counter. A module with no counter file is at sequence 0.
func (r *Registry) Current(moduleID string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(moduleID)
}

func (r *Registry) load(moduleID string) (State, error) {
	data, err := r.store.Read(r.Path(moduleID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{ModuleID: moduleID}, nil
		}
		return State{}, fmt.Errorf("sequence: load %s: %w", moduleID, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("sequence: decode %s: %w", moduleID, err)
	}
	if st.ModuleID != moduleID {
		return State{}, fmt.Errorf("sequence: counter for %s names module %q", moduleID, st.ModuleID)
	}
	return st, nil
}

func encode(st State) ([]byte, error) {
	return json.MarshalIndent(st, "", "  ")
}

// Next returns the number the next commit of moduleID will bind, and records it as
// reserved. The last committed sequence is not advanced: a crash before the commit
// leaves the number unused and Next issues it again.
func (r *Registry) Next(moduleID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(moduleID)
	if err != nil {
		return 0, err
	}
	next := st.LastSequence + 1
	if st.Reserved == next {
		return next, nil
	}

	st.Reserved = next
	st.UpdatedAt = time.Now().UTC()
	data, err := encode(st)
	if err != nil {
		return 0, err
	}
	if err := r.store.Write(r.Path(moduleID), data, atomicstore.ValidateJSON); err != nil {
		return 0, fmt.Errorf("sequence: reserve %s/%d: %w", moduleID, next, err)
	}
	return next, nil
}

// StageAdvance stages the counter update binding seq (covering turns up to spanEnd)
// into tx. The counter only moves when tx commits.
func (r *Registry) StageAdvance(tx *atomicstore.Txn, moduleID string, seq, spanEnd int) (State, error) {
	st, data, err := r.advanced(moduleID, seq, spanEnd)
	if err != nil {
		return State{}, err
	}
	if err := tx.Stage(r.Path(moduleID), data, atomicstore.ValidateJSON); err != nil {
		return State{}, fmt.Errorf("sequence: stage %s/%d: %w", moduleID, seq, err)
	}
	return st, nil
}

// Advance binds seq directly. Used by recovery when the entries of seq are already on disk.
func (r *Registry) Advance(moduleID string, seq, spanEnd int) (State, error) {
	st, data, err := r.advanced(moduleID, seq, spanEnd)
	if err != nil {
		return State{}, err
	}
	if err := r.store.Write(r.Path(moduleID), data, atomicstore.ValidateJSON); err != nil {
		return State{}, fmt.Errorf("sequence: advance %s/%d: %w", moduleID, seq, err)
	}
	debugLog.Infof("advanced %s to sequence %d (span end %d)", moduleID, seq, spanEnd)
	return st, nil
}

func (r *Registry) advanced(moduleID string, seq, spanEnd int) (State, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(moduleID)
	if err != nil {
		return State{}, nil, err
	}
	if seq != st.LastSequence+1 {
		return State{}, nil, fmt.Errorf("%w: %s at %d cannot bind %d", ErrSequenceGap, moduleID, st.LastSequence, seq)
	}
	if spanEnd < st.LastSpanEnd {
		return State{}, nil, fmt.Errorf("%w: %s span end %d behind %d", ErrSequenceGap, moduleID, spanEnd, st.LastSpanEnd)
	}

	st.LastSequence = seq
	st.LastSpanEnd = spanEnd
	st.Reserved = 0
	st.UpdatedAt = time.Now().UTC()
	data, err := encode(st)
	if err != nil {
		return State{}, nil, err
	}
	return st, data, nil
}

// Audit checks that the committed sequence numbers present on disk are exactly {1..K}
// where K is the registry's last sequence.
func (r *Registry) Audit(moduleID string, present []int) error {
	st, err := r.Current(moduleID)
	if err != nil {
		return err
	}
	return CheckContiguous(moduleID, present, st.LastSequence)
}

// CheckContiguous reports ErrSequenceGap unless present is a permutation of {1..last}.
func CheckContiguous(moduleID string, present []int, last int) error {
	sorted := append([]int(nil), present...)
	sort.Ints(sorted)
	for i, seq := range sorted {
		if seq != i+1 {
			return fmt.Errorf("%w: %s expected sequence %d, found %d", ErrSequenceGap, moduleID, i+1, seq)
		}
	}
	if len(sorted) != last {
		return fmt.Errorf("%w: %s has %d entries but counter is at %d", ErrSequenceGap, moduleID, len(sorted), last)
	}
	return nil
}
