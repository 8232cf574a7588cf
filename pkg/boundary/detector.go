// Package boundary computes the spans of a module's turn log that are ready for compaction.
//
// Two kinds of boundary exist. A module transition (tier 3) closes everything the module
// accumulated since its previous transition, or since the start of its history when there
// was none. A location exit (tier 2) closes the turns spent in the location being left.
// Both are clamped to the end of the last committed span so committed spans tile the log
// without gaps or overlaps.
package boundary

import (
	"errors"
	"fmt"

	"github.com/entrhq/saga/pkg/types"
)

var (
	// ErrSpanOverlap means a boundary lies inside already committed history. It indicates a
	// caller bug and must not be patched over.
	ErrSpanOverlap = errors.New("boundary: span overlaps committed history")

	// ErrNotTransitionMarker means the given index does not hold a marker leaving the module.
	ErrNotTransitionMarker = errors.New("boundary: index is not a marker leaving the module")
)

// Condition records which rule produced a boundary's natural start.
type Condition string

const (
	// ConditionPriorTransition: an earlier transition marker exists; the span starts at it.
	ConditionPriorTransition Condition = "prior_transition"
	// ConditionModuleStart: no earlier marker; the span starts at the module's first turn.
	ConditionModuleStart Condition = "module_start"
	// ConditionLocationExit: the span is the run of turns in the location being left.
	ConditionLocationExit Condition = "location_exit"
)

// View is the read access the detector needs to a module's turn log.
type View interface {
	ModuleID() string
	Len() int
	Turn(i int) (types.Turn, bool)
}

// Boundary is a non-empty span ready for compaction.
type Boundary struct {
	Span      types.CompactionSpan
	Tier      types.Tier
	Condition Condition

	// Anchor is the natural start the rule selected, before clamping to committed history.
	// For chronicles, location summaries committed inside [Anchor, Span.Start) belong to the
	// same stretch of narrative and are folded into the chronicle's directive.
	Anchor int

	// Absorbed counts uncompacted turns before Anchor pulled into the span so that no turn
	// is left outside every committed span.
	Absorbed int

	// Transition is set for tier-3 boundaries.
	Transition *types.Transition
}

// DetectTransition computes the chronicle span closed by the exit marker at markerIndex.
// lastCommittedEnd is the end of the module's last committed span. A nil boundary with a
// nil error means the span would be empty and compaction must be skipped.
func DetectTransition(v View, markerIndex, lastCommittedEnd int) (*Boundary, error) {
	module := v.ModuleID()
	marker, ok := v.Turn(markerIndex)
	if !ok || !marker.LeavesModule(module) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNotTransitionMarker, module, markerIndex)
	}
	if markerIndex < lastCommittedEnd {
		return nil, fmt.Errorf("%w: marker %s[%d] precedes committed end %d", ErrSpanOverlap, module, markerIndex, lastCommittedEnd)
	}

	b := &Boundary{
		Tier:       types.TierChronicle,
		Condition:  ConditionModuleStart,
		Anchor:     0,
		Transition: &types.Transition{FromModule: marker.Transition.FromModule, ToModule: marker.Transition.ToModule},
	}
	for i := markerIndex - 1; i >= 0; i-- {
		t, ok := v.Turn(i)
		if ok && t.IsTransitionMarker() {
			b.Condition = ConditionPriorTransition
			b.Anchor = i
			break
		}
	}

	start := clamp(b, lastCommittedEnd)
	if markerIndex <= start {
		return nil, nil
	}
	b.Span = types.CompactionSpan{Module: module, Start: start, End: markerIndex}
	return b, nil
}

// DetectLocationExit computes the location-summary span for leaving locationID: the
// trailing run of turns recorded in that location, up to the end of the log. Transition
// markers end the run; they are closed by chronicles. A nil boundary with a nil error
// means there is nothing to compact.
func DetectLocationExit(v View, locationID string, lastCommittedEnd int) (*Boundary, error) {
	module := v.ModuleID()
	end := v.Len()
	if end < lastCommittedEnd {
		return nil, fmt.Errorf("%w: log %s ends at %d before committed end %d", ErrSpanOverlap, module, end, lastCommittedEnd)
	}

	anchor := end
	for i := end - 1; i >= 0; i-- {
		t, ok := v.Turn(i)
		if !ok || t.IsTransitionMarker() || t.LocationID != locationID {
			break
		}
		anchor = i
	}
	if anchor == end {
		return nil, nil
	}

	b := &Boundary{
		Tier:      types.TierLocation,
		Condition: ConditionLocationExit,
		Anchor:    anchor,
	}
	start := clamp(b, lastCommittedEnd)
	if end <= start {
		return nil, nil
	}
	b.Span = types.CompactionSpan{Module: module, Location: locationID, Start: start, End: end}
	return b, nil
}

// clamp aligns the boundary's start with committed history and records absorbed turns.
func clamp(b *Boundary, lastCommittedEnd int) int {
	if b.Anchor > lastCommittedEnd {
		b.Absorbed = b.Anchor - lastCommittedEnd
	}
	return lastCommittedEnd
}
