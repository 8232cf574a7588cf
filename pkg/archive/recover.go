package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/entrhq/saga/pkg/sequence"
)

// RecoveryReport describes what Recover repaired for one module.
type RecoveryReport struct {
	ModuleID string
	// ScratchFiles counts temporary and backup files cleaned up.
	ScratchFiles int
	// Bound lists sequences whose files were complete on disk and were bound to the counter.
	Bound []int
	// Orphans lists entry files of uncommitted sequences that were removed.
	Orphans []string
}

// Repaired counts every change recovery made.
func (r *RecoveryReport) Repaired() int {
	return r.ScratchFiles + len(r.Bound) + len(r.Orphans)
}

// Recover brings a module's archive back to a committed state after a crash.
//
// Scratch files are cleaned up first. If both entry files of the next sequence exist and
// parse, the commit reached its last step and the sequence is bound. Any other entry file
// beyond the counter belongs to an interrupted commit and is removed. Finally the
// committed sequences are audited.
func (m *Manager) Recover(ctx context.Context, moduleID string) (*RecoveryReport, error) {
	unlock := m.lock(moduleID)
	defer unlock()

	report := &RecoveryReport{ModuleID: moduleID}
	for _, dir := range []string{
		filepath.Join(m.root, archivesDir, moduleID),
		filepath.Join(m.root, summariesDir, moduleID),
	} {
		n, err := m.store.Recover(dir)
		if err != nil {
			return report, err
		}
		report.ScratchFiles += n
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	st, err := m.registry.Current(moduleID)
	if err != nil {
		return report, err
	}

	next := st.LastSequence + 1
	if seg, sum, ok := m.completeEntry(moduleID, next); ok {
		if sum.Meta.Span == nil || seg.Span != *sum.Meta.Span || sum.Meta.Span.Start != st.LastSpanEnd {
			return report, fmt.Errorf("%w: %s/%d entries disagree with committed history", sequence.ErrSequenceGap, moduleID, next)
		}
		if _, err := m.registry.Advance(moduleID, next, seg.Span.End); err != nil {
			return report, err
		}
		report.Bound = append(report.Bound, next)
		st.LastSequence = next
		debugLog.Warnf("recover: bound %s/%d left unbound by an interrupted commit", moduleID, next)
	}

	segs, err := m.segmentSequences(moduleID)
	if err != nil {
		return report, err
	}
	sums, err := m.summarySequences(moduleID)
	if err != nil {
		return report, err
	}
	for _, seq := range segs {
		if seq > st.LastSequence {
			if err := m.removeOrphan(m.SegmentPath(moduleID, seq), report); err != nil {
				return report, err
			}
		}
	}
	for _, seq := range sums {
		if seq > st.LastSequence {
			if err := m.removeOrphan(m.SummaryPath(moduleID, seq), report); err != nil {
				return report, err
			}
		}
	}

	if err := m.Audit(moduleID); err != nil {
		return report, err
	}
	if report.Repaired() > 0 {
		debugLog.Infof("recover: %s repaired %d scratch files, bound %v, removed %d orphans",
			moduleID, report.ScratchFiles, report.Bound, len(report.Orphans))
	}
	return report, nil
}

// RecoverAll runs Recover over every module with archive files.
func (m *Manager) RecoverAll(ctx context.Context) ([]*RecoveryReport, error) {
	modules, err := m.Modules()
	if err != nil {
		return nil, err
	}
	reports := make([]*RecoveryReport, 0, len(modules))
	for _, id := range modules {
		report, err := m.Recover(ctx, id)
		if err != nil {
			return reports, fmt.Errorf("archive: recover %s: %w", id, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// completeEntry reports whether both entry files of seq exist and parse.
func (m *Manager) completeEntry(moduleID string, seq int) (*Segment, *SummaryFile, bool) {
	seg, err := m.Segment(moduleID, seq)
	if err != nil {
		return nil, nil, false
	}
	sum, err := m.Summary(moduleID, seq)
	if err != nil {
		return nil, nil, false
	}
	if seg.ModuleID != moduleID || seg.Sequence != seq || sum.Meta.Sequence != seq || sum.Meta.ModuleID != moduleID {
		return nil, nil, false
	}
	return seg, sum, true
}

func (m *Manager) removeOrphan(path string, report *RecoveryReport) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive: remove orphan %s: %w", path, err)
	}
	report.Orphans = append(report.Orphans, path)
	debugLog.Warnf("recover: removed orphan %s", path)
	return nil
}

// Audit verifies the module's segment and summary files both form {1..K}, where K is the
// last committed sequence.
func (m *Manager) Audit(moduleID string) error {
	sums, err := m.summarySequences(moduleID)
	if err != nil {
		return err
	}
	if err := m.registry.Audit(moduleID, sums); err != nil {
		return err
	}
	segs, err := m.segmentSequences(moduleID)
	if err != nil {
		return err
	}
	return m.registry.Audit(moduleID, segs)
}
