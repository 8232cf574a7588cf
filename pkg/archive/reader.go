package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/entrhq/saga/pkg/types"
)

// Summary reads the summary file of one sequence.
func (m *Manager) Summary(moduleID string, seq int) (*SummaryFile, error) {
	return m.readSummary(m.SummaryPath(moduleID, seq))
}

func (m *Manager) readSummary(path string) (*SummaryFile, error) {
	data, err := m.store.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	f, err := ParseSummary(data)
	if err != nil {
		return nil, fmt.Errorf("archive: %s: %w", path, err)
	}
	return f, nil
}

// Summaries returns every committed summary of the module in sequence order.
// Only sequences bound by the registry are returned.
func (m *Manager) Summaries(moduleID string) ([]*SummaryFile, error) {
	st, err := m.registry.Current(moduleID)
	if err != nil {
		return nil, err
	}
	seqs, err := m.summarySequences(moduleID)
	if err != nil {
		return nil, err
	}

	out := make([]*SummaryFile, 0, len(seqs))
	for _, seq := range seqs {
		if seq > st.LastSequence {
			continue
		}
		f, err := m.Summary(moduleID, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// LocationSummaries returns the module's committed location summaries in sequence order.
func (m *Manager) LocationSummaries(moduleID string) ([]types.LocationSummary, error) {
	files, err := m.Summaries(moduleID)
	if err != nil {
		return nil, err
	}
	var out []types.LocationSummary
	for _, f := range files {
		if f.Meta.Tier == types.TierLocation {
			out = append(out, f.LocationSummary())
		}
	}
	return out, nil
}

// Chronicles returns the module's committed chronicles in sequence order.
func (m *Manager) Chronicles(moduleID string) ([]types.Chronicle, error) {
	files, err := m.Summaries(moduleID)
	if err != nil {
		return nil, err
	}
	var out []types.Chronicle
	for _, f := range files {
		if f.Meta.Tier == types.TierChronicle {
			out = append(out, f.Chronicle())
		}
	}
	return out, nil
}

// Segment reads the archived turns of one sequence.
func (m *Manager) Segment(moduleID string, seq int) (*Segment, error) {
	path := m.SegmentPath(moduleID, seq)
	data, err := m.store.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", path, err)
	}
	return &seg, nil
}

// Entries lists the module's committed archive entries: segment and summary of each
// sequence in order, then the module summary when present.
func (m *Manager) Entries(moduleID string) ([]types.ArchiveEntry, error) {
	st, err := m.registry.Current(moduleID)
	if err != nil {
		return nil, err
	}

	var out []types.ArchiveEntry
	for seq := 1; seq <= st.LastSequence; seq++ {
		out = append(out,
			types.ArchiveEntry{Sequence: seq, ModuleID: moduleID, Kind: types.EntryKindConversationSegment, Path: m.SegmentPath(moduleID, seq)},
			types.ArchiveEntry{Sequence: seq, ModuleID: moduleID, Kind: types.EntryKindSummary, Path: m.SummaryPath(moduleID, seq)},
		)
	}
	complete, err := m.IsComplete(moduleID)
	if err != nil {
		return nil, err
	}
	if complete {
		out = append(out, moduleSummaryEntry(moduleID, m.ModuleSummaryPath(moduleID)))
	}
	return out, nil
}

func moduleSummaryEntry(moduleID, path string) types.ArchiveEntry {
	return types.ArchiveEntry{ModuleID: moduleID, Kind: types.EntryKindModuleSummary, Path: path}
}

// Modules lists every module with archive or summary files, sorted.
func (m *Manager) Modules() ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range []string{archivesDir, summariesDir} {
		entries, err := os.ReadDir(filepath.Join(m.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("archive: list modules: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
