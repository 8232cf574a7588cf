package config

import (
	"errors"
	"sync"
)

// SectionIDContext is the identifier for the active context section.
const SectionIDContext = "context"

// ContextSettings are the values of the context section.
type ContextSettings struct {
	// TokenBudget bounds the assembled context; zero disables trimming.
	TokenBudget             int
	IncludeCompletedModules bool
	MinTailTurns            int
}

// ContextSection configures the assembled active context.
type ContextSection struct {
	ContextSettings
	mu sync.RWMutex
}

// NewContextSection creates a context section with default settings.
func NewContextSection() *ContextSection {
	s := &ContextSection{}
	s.Reset()
	return s
}

func (s *ContextSection) ID() string    { return SectionIDContext }
func (s *ContextSection) Title() string { return "Active Context" }

func (s *ContextSection) Description() string {
	return "Token budget of the assembled context and whether completed modules are included."
}

// Data returns the current settings.
func (s *ContextSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"token_budget":              s.TokenBudget,
		"include_completed_modules": s.IncludeCompletedModules,
		"min_tail_turns":            s.MinTailTurns,
	}
}

// SetData applies settings read from the store.
func (s *ContextSection) SetData(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, dst := range map[string]*int{
		"token_budget":   &s.TokenBudget,
		"min_tail_turns": &s.MinTailTurns,
	} {
		v, ok, err := intValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	include, ok, err := boolValue(data, "include_completed_modules")
	if err != nil {
		return err
	}
	if ok {
		s.IncludeCompletedModules = include
	}
	return nil
}

// Validate rejects negative limits.
func (s *ContextSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.TokenBudget < 0 {
		return errors.New("token_budget must not be negative")
	}
	if s.MinTailTurns < 0 {
		return errors.New("min_tail_turns must not be negative")
	}
	return nil
}

// Reset restores the defaults.
func (s *ContextSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TokenBudget = 8000
	s.IncludeCompletedModules = true
	s.MinTailTurns = 4
}

// Settings returns a copy of the current values.
func (s *ContextSection) Settings() ContextSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ContextSettings
}
