package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/entrhq/saga/pkg/oracle"
)

// SectionIDCompaction is the identifier for the compaction section.
const SectionIDCompaction = "compaction"

// CompactionSettings are the values of the compaction section.
type CompactionSettings struct {
	OracleTimeout  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// VerbatimFallback commits a truncated transcript once retries are exhausted.
	VerbatimFallback bool
	// NarrateModules asks the oracle for the final narrative of a completed module.
	NarrateModules  bool
	ExcludePatterns []string
	HintChars       int
	SweepSchedule   string
}

// CompactionSection tunes oracle calls, retries and the missed-boundary sweep.
type CompactionSection struct {
	CompactionSettings
	mu sync.RWMutex
}

// NewCompactionSection creates a compaction section with default settings.
func NewCompactionSection() *CompactionSection {
	s := &CompactionSection{}
	s.Reset()
	return s
}

func (s *CompactionSection) ID() string    { return SectionIDCompaction }
func (s *CompactionSection) Title() string { return "Compaction" }

func (s *CompactionSection) Description() string {
	return "Oracle timeout, retry policy, transcript exclusions and the schedule of the missed-boundary sweep."
}

// Data returns the current settings.
func (s *CompactionSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"oracle_timeout":    s.OracleTimeout.String(),
		"max_attempts":      s.MaxAttempts,
		"initial_backoff":   s.InitialBackoff.String(),
		"max_backoff":       s.MaxBackoff.String(),
		"verbatim_fallback": s.VerbatimFallback,
		"narrate_modules":   s.NarrateModules,
		"exclude_patterns":  append([]string(nil), s.ExcludePatterns...),
		"hint_chars":        s.HintChars,
		"sweep_schedule":    s.SweepSchedule,
	}
}

// SetData applies settings read from the store.
func (s *CompactionSection) SetData(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, dst := range map[string]*time.Duration{
		"oracle_timeout":  &s.OracleTimeout,
		"initial_backoff": &s.InitialBackoff,
		"max_backoff":     &s.MaxBackoff,
	} {
		v, ok, err := durationValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	for key, dst := range map[string]*int{
		"max_attempts": &s.MaxAttempts,
		"hint_chars":   &s.HintChars,
	} {
		v, ok, err := intValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	for key, dst := range map[string]*bool{
		"verbatim_fallback": &s.VerbatimFallback,
		"narrate_modules":   &s.NarrateModules,
	} {
		v, ok, err := boolValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}

	patterns, ok, err := stringsValue(data, "exclude_patterns")
	if err != nil {
		return err
	}
	if ok {
		s.ExcludePatterns = patterns
	}
	schedule, ok, err := stringValue(data, "sweep_schedule")
	if err != nil {
		return err
	}
	if ok {
		s.SweepSchedule = schedule
	}
	return nil
}

// Validate checks the retry bounds, the exclude patterns and the sweep schedule.
func (s *CompactionSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.OracleTimeout <= 0 {
		return errors.New("oracle_timeout must be positive")
	}
	if s.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return fmt.Errorf("backoff bounds %s..%s are invalid", s.InitialBackoff, s.MaxBackoff)
	}
	if s.HintChars < 0 {
		return errors.New("hint_chars must not be negative")
	}
	if _, err := oracle.NewRenderer(s.ExcludePatterns); err != nil {
		return err
	}
	if s.SweepSchedule != "" {
		if _, err := rcron.ParseStandard(s.SweepSchedule); err != nil {
			return fmt.Errorf("sweep_schedule %q: %w", s.SweepSchedule, err)
		}
	}
	return nil
}

// Reset restores the defaults.
func (s *CompactionSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OracleTimeout = 30 * time.Second
	s.MaxAttempts = 3
	s.InitialBackoff = 500 * time.Millisecond
	s.MaxBackoff = 10 * time.Second
	s.VerbatimFallback = false
	s.NarrateModules = false
	s.ExcludePatterns = append([]string(nil), oracle.DefaultExcludePatterns...)
	s.HintChars = 600
	s.SweepSchedule = "@every 5m"
}

// Settings returns a copy of the current values.
func (s *CompactionSection) Settings() CompactionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.CompactionSettings
	out.ExcludePatterns = append([]string(nil), s.ExcludePatterns...)
	return out
}
