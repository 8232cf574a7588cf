package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/types"
)

// CompleteModule writes the module summary: every committed chronicle whose from or to
// module is moduleID, in transition order, plus the final narrative built from them.
//
// It is idempotent. When the summary already exists it is read back and returned
// unchanged, and no counter moves.
func (m *Manager) CompleteModule(ctx context.Context, moduleID string) (*types.ModuleSummary, error) {
	if moduleID == "" {
		return nil, errors.New("archive: empty module id")
	}
	unlock := m.lock(moduleID)
	defer unlock()

	existing, err := m.ModuleSummary(moduleID)
	if err == nil {
		debugLog.Infof("module %s already completed; returning stored summary", moduleID)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	chronicles, err := m.chroniclesInvolving(moduleID)
	if err != nil {
		return nil, err
	}
	narrative, err := m.finalNarrative(ctx, moduleID, chronicles)
	if err != nil {
		return nil, err
	}

	refs := make([]ChronicleRef, len(chronicles))
	for i, c := range chronicles {
		refs[i] = ChronicleRef{ModuleID: c.ModuleID, Sequence: c.Sequence}
	}
	file := &SummaryFile{
		Meta: SummaryMeta{
			ModuleID:   moduleID,
			Kind:       types.EntryKindModuleSummary,
			Tier:       types.TierModule,
			CreatedAt:  m.now(),
			Chronicles: refs,
		},
		Text: narrative,
	}
	content, err := SerializeSummary(file)
	if err != nil {
		return nil, err
	}

	path := m.ModuleSummaryPath(moduleID)
	if err := m.store.WriteNew(path, content, summaryValidator(moduleID, types.EntryKindModuleSummary, 0)); err != nil {
		return nil, fmt.Errorf("archive: write module summary %s: %w", moduleID, err)
	}
	debugLog.Infof("completed module %s with %d chronicles", moduleID, len(chronicles))
	m.index(ctx, moduleSummaryEntry(moduleID, path))

	// Return what is on disk so repeated calls yield identical values.
	return m.ModuleSummary(moduleID)
}

// ModuleSummary reads a stored module summary, rehydrating its chronicles.
func (m *Manager) ModuleSummary(moduleID string) (*types.ModuleSummary, error) {
	f, err := m.readSummary(m.ModuleSummaryPath(moduleID))
	if err != nil {
		return nil, err
	}
	if f.Meta.Kind != types.EntryKindModuleSummary || f.Meta.ModuleID != moduleID {
		return nil, fmt.Errorf("archive: %s module summary identifies as %s/%s", moduleID, f.Meta.ModuleID, f.Meta.Kind)
	}

	summary := &types.ModuleSummary{
		ModuleID:       moduleID,
		FinalNarrative: f.Text,
		ArchivedAt:     f.Meta.CreatedAt,
		Chronicles:     make([]types.Chronicle, 0, len(f.Meta.Chronicles)),
	}
	for _, ref := range f.Meta.Chronicles {
		cf, err := m.Summary(ref.ModuleID, ref.Sequence)
		if err != nil {
			return nil, fmt.Errorf("archive: module summary %s references %s/%d: %w", moduleID, ref.ModuleID, ref.Sequence, err)
		}
		summary.Chronicles = append(summary.Chronicles, cf.Chronicle())
	}
	return summary, nil
}

// chroniclesInvolving collects the chronicles of moduleID itself and those of other
// modules that lead into it, ordered by transition time, then module, then sequence.
func (m *Manager) chroniclesInvolving(moduleID string) ([]types.Chronicle, error) {
	own, err := m.Chronicles(moduleID)
	if err != nil {
		return nil, err
	}
	out := append([]types.Chronicle(nil), own...)

	modules, err := m.Modules()
	if err != nil {
		return nil, err
	}
	for _, other := range modules {
		if other == moduleID {
			continue
		}
		chronicles, err := m.Chronicles(other)
		if err != nil {
			return nil, err
		}
		for _, c := range chronicles {
			if c.ToModule == moduleID || c.FromModule == moduleID {
				out = append(out, c)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.TransitionAt.Equal(b.TransitionAt) {
			return a.TransitionAt.Before(b.TransitionAt)
		}
		if a.ModuleID != b.ModuleID {
			return a.ModuleID < b.ModuleID
		}
		return a.Sequence < b.Sequence
	})
	return out, nil
}

func (m *Manager) finalNarrative(ctx context.Context, moduleID string, chronicles []types.Chronicle) (string, error) {
	if len(chronicles) == 0 {
		return fmt.Sprintf("No chronicles were recorded for %s.", moduleID), nil
	}

	texts := make([]string, len(chronicles))
	for i, c := range chronicles {
		texts[i] = strings.TrimSpace(c.Text)
	}
	if m.narrator == nil {
		return strings.Join(texts, "\n\n"), nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	text, err := m.narrator.Summarize(cctx, nil, oracle.Directive{
		Granularity:    oracle.GranularityModule,
		ModuleID:       moduleID,
		PriorSummaries: texts,
	})
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, oracle.ErrTimeout) {
			err = fmt.Errorf("%w: %v", oracle.ErrTimeout, err)
		}
		return "", fmt.Errorf("archive: final narrative for %s: %w", moduleID, err)
	}
	return oracle.CheckOutput(text, 0)
}
