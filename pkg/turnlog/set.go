package turnlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/types"
)

const (
	// DirName is the directory under the storage root that holds the logs.
	DirName = "conversation"
	// FileName is the name of each module's persisted log.
	FileName = "turn_log.json"
)

// Set opens and caches the logs of every module under one directory
// (<dir>/<module>/turn_log.json).
type Set struct {
	dir   string
	store *atomicstore.Store

	mu   sync.Mutex
	logs map[string]*Log
}

// NewSet creates a set rooted at dir.
func NewSet(dir string, store *atomicstore.Store) *Set {
	return &Set{dir: dir, store: store, logs: make(map[string]*Log)}
}

// Get returns the log of moduleID, opening it on first use.
func (s *Set) Get(moduleID string) (*Log, error) {
	if moduleID == "" {
		return nil, errors.New("turnlog: empty module id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[moduleID]; ok {
		return l, nil
	}
	l, err := Open(s.store, filepath.Join(s.dir, moduleID, FileName), moduleID)
	if err != nil {
		return nil, err
	}
	s.logs[moduleID] = l
	return l, nil
}

// Modules lists every module with a persisted or open log, sorted.
func (s *Set) Modules() ([]string, error) {
	seen := make(map[string]bool)

	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("turnlog: list modules: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), FileName)); err == nil {
			seen[e.Name()] = true
		}
	}

	s.mu.Lock()
	for id := range s.logs {
		seen[id] = true
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Transition records a module change: an exit marker is appended to the log being left
// and an entry marker to the log being entered. It returns the exit marker, whose index
// is the boundary for the module left behind.
func (s *Set) Transition(fromModule, toModule, locationID string) (types.Turn, error) {
	if fromModule == toModule {
		return types.Turn{}, fmt.Errorf("turnlog: transition from %s to itself", fromModule)
	}
	from, err := s.Get(fromModule)
	if err != nil {
		return types.Turn{}, err
	}
	to, err := s.Get(toModule)
	if err != nil {
		return types.Turn{}, err
	}

	exit, err := from.Append(types.NewTransitionMarker(fromModule, toModule, locationID))
	if err != nil {
		return types.Turn{}, err
	}
	if _, err := to.Append(types.NewTransitionMarker(fromModule, toModule, locationID)); err != nil {
		// The exit marker is already durable; the entry marker is informational for the
		// destination and does not affect its spans.
		debugLog.Warnf("failed to record entry marker in %s: %v", toModule, err)
	}
	return exit, nil
}
