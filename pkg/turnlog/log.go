// Package turnlog holds the append-only, per-module record of narrative turns.
package turnlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("turnlog")
}

var (
	// ErrOutOfRange is returned when a requested slice lies outside the log.
	ErrOutOfRange = errors.New("turnlog: range out of bounds")
	// ErrCorrupt is returned when a persisted log breaks index monotonicity.
	ErrCorrupt = errors.New("turnlog: corrupt log")
)

// document is the persisted form of a log.
type document struct {
	ModuleID string       `json:"module_id"`
	Turns    []types.Turn `json:"turns"`
}

// Log is the ordered turn record of one module. It has a single writer: Append calls
// are serialized, and readers always see a consistent prefix.
type Log struct {
	moduleID string
	path     string
	store    *atomicstore.Store

	mu    sync.RWMutex
	turns []types.Turn
}

// Open loads the log at path, or starts an empty one if the file does not exist.
func Open(store *atomicstore.Store, path, moduleID string) (*Log, error) {
	l := &Log{moduleID: moduleID, path: path, store: store}

	data, err := store.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("turnlog: open %s: %w", moduleID, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, moduleID, err)
	}
	if doc.ModuleID != moduleID {
		return nil, fmt.Errorf("%w: %s holds module %q", ErrCorrupt, path, doc.ModuleID)
	}
	for i, t := range doc.Turns {
		if t.Index != i {
			return nil, fmt.Errorf("%w: %s turn %d has index %d", ErrCorrupt, moduleID, i, t.Index)
		}
	}
	l.turns = doc.Turns
	debugLog.Debugf("opened %s with %d turns", moduleID, len(l.turns))
	return l, nil
}

// ModuleID returns the module the log belongs to.
func (l *Log) ModuleID() string {
	return l.moduleID
}

// Append assigns the next index to turn, stamps it with the module and persists it.
// On a persistence failure the log is unchanged.
func (l *Log) Append(turn types.Turn) (types.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	turn.Index = len(l.turns)
	turn.ModuleID = l.moduleID
	if turn.Kind == "" {
		turn.Kind = types.TurnKindNormal
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	next := append(l.turns[:len(l.turns):len(l.turns)], turn)
	if err := l.persist(next); err != nil {
		return types.Turn{}, err
	}
	l.turns = next
	return turn, nil
}

func (l *Log) persist(turns []types.Turn) error {
	data, err := json.Marshal(document{ModuleID: l.moduleID, Turns: turns})
	if err != nil {
		return fmt.Errorf("turnlog: encode %s: %w", l.moduleID, err)
	}
	if err := l.store.Write(l.path, data, atomicstore.ValidateJSON); err != nil {
		return fmt.Errorf("turnlog: persist %s: %w", l.moduleID, err)
	}
	return nil
}

// Len returns the number of turns in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Turn returns the turn at index i.
func (l *Log) Turn(i int) (types.Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.turns) {
		return types.Turn{}, false
	}
	return l.turns[i], true
}

// Slice returns a copy of the turns in [start, end).
func (l *Log) Slice(start, end int) ([]types.Turn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < 0 || end < start || end > len(l.turns) {
		return nil, fmt.Errorf("%w: [%d,%d) of %d turns in %s", ErrOutOfRange, start, end, len(l.turns), l.moduleID)
	}
	out := make([]types.Turn, end-start)
	copy(out, l.turns[start:end])
	return out, nil
}

// Snapshot returns a copy of every turn in the log.
func (l *Log) Snapshot() []types.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// ExitMarkers returns the indices of every marker that leaves this log's module, in order.
func (l *Log) ExitMarkers() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []int
	for _, t := range l.turns {
		if t.LeavesModule(l.moduleID) {
			out = append(out, t.Index)
		}
	}
	return out
}

// Fingerprint identifies the exact content of a run of turns. Two slices share a
// fingerprint only if they hold the same turns at the same indices.
func Fingerprint(turns []types.Turn) string {
	h := sha256.New()
	for _, t := range turns {
		h.Write([]byte(strconv.Itoa(t.Index)))
		h.Write([]byte{0})
		h.Write([]byte(t.ModuleID))
		h.Write([]byte{0})
		h.Write([]byte(t.Role))
		h.Write([]byte{0})
		h.Write([]byte(t.Kind))
		h.Write([]byte{0})
		h.Write([]byte(t.LocationID))
		h.Write([]byte{0})
		h.Write([]byte(t.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
