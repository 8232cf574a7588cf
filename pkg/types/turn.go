package types

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnKind distinguishes regular exchanges from inline module transition markers.
type TurnKind string

const (
	TurnKindNormal           TurnKind = "normal"
	TurnKindTransitionMarker TurnKind = "transition_marker"
)

// Transition carries the modules on either side of a module change.
type Transition struct {
	FromModule string `json:"from_module" yaml:"from_module"`
	ToModule   string `json:"to_module" yaml:"to_module"`
}

// Turn is one recorded exchange in a module's narrative log.
// Turns are append-only: once written, a turn is never mutated or removed.
type Turn struct {
	Index      int         `json:"index"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	ModuleID   string      `json:"module_id"`
	LocationID string      `json:"location_id,omitempty"`
	Kind       TurnKind    `json:"kind"`
	Transition *Transition `json:"transition,omitempty"`
}

// IsTransitionMarker reports whether the turn is an inline module transition marker.
func (t Turn) IsTransitionMarker() bool {
	return t.Kind == TurnKindTransitionMarker && t.Transition != nil
}

// LeavesModule reports whether the turn marks the player leaving moduleID.
func (t Turn) LeavesModule(moduleID string) bool {
	return t.IsTransitionMarker() && t.Transition.FromModule == moduleID
}

// NewTurn creates a normal turn. Index and ModuleID are assigned by the turn log on append.
func NewTurn(role Role, content, locationID string) Turn {
	return Turn{
		Role:       role,
		Content:    content,
		LocationID: locationID,
		Kind:       TurnKindNormal,
	}
}

// NewTransitionMarker creates a marker turn recording a module change.
func NewTransitionMarker(fromModule, toModule, locationID string) Turn {
	return Turn{
		Role:       RoleSystem,
		Content:    fmt.Sprintf("Module transition: %s to %s", fromModule, toModule),
		LocationID: locationID,
		Kind:       TurnKindTransitionMarker,
		Transition: &Transition{FromModule: fromModule, ToModule: toModule},
	}
}

// CompactionSpan is a contiguous half-open slice [Start, End) of one module's turn log.
type CompactionSpan struct {
	Module   string `json:"module" yaml:"module"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Start    int    `json:"start" yaml:"start"`
	End      int    `json:"end" yaml:"end"`
}

// Len returns the number of turns covered by the span.
func (s CompactionSpan) Len() int {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// IsEmpty reports whether the span covers no turns.
func (s CompactionSpan) IsEmpty() bool {
	return s.Len() == 0
}

// Overlaps reports whether two spans of the same module share at least one turn.
func (s CompactionSpan) Overlaps(other CompactionSpan) bool {
	if s.Module != other.Module || s.IsEmpty() || other.IsEmpty() {
		return false
	}
	return s.Start < other.End && other.Start < s.End
}

func (s CompactionSpan) String() string {
	if s.Location != "" {
		return fmt.Sprintf("%s@%s[%d,%d)", s.Module, s.Location, s.Start, s.End)
	}
	return fmt.Sprintf("%s[%d,%d)", s.Module, s.Start, s.End)
}
