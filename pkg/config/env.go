package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds the SAGA_* overrides. Unset variables leave the file settings alone.
type Env struct {
	Model              string `env:"SAGA_MODEL"`
	BaseURL            string `env:"SAGA_BASE_URL"`
	APIKey             string `env:"SAGA_API_KEY"`
	SummarizationModel string `env:"SAGA_SUMMARIZATION_MODEL"`

	OracleTimeout    *time.Duration `env:"SAGA_ORACLE_TIMEOUT"`
	MaxAttempts      *int           `env:"SAGA_MAX_ATTEMPTS"`
	VerbatimFallback *bool          `env:"SAGA_VERBATIM_FALLBACK"`
	NarrateModules   *bool          `env:"SAGA_NARRATE_MODULES"`
	ExcludePatterns  []string       `env:"SAGA_EXCLUDE_PATTERNS" envSeparator:","`
	SweepSchedule    string         `env:"SAGA_SWEEP_SCHEDULE"`

	Root    string `env:"SAGA_ROOT"`
	Catalog *bool  `env:"SAGA_CATALOG"`

	TokenBudget *int `env:"SAGA_TOKEN_BUDGET"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overrides the registered sections with any SAGA_* variables that are set.
func ApplyEnv(m *Manager) error {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return err
	}

	if s, ok := section[*LLMSection](m, SectionIDLLM); ok {
		s.mu.Lock()
		setString(&s.Model, e.Model)
		setString(&s.BaseURL, e.BaseURL)
		setString(&s.APIKey, e.APIKey)
		setString(&s.SummarizationModel, e.SummarizationModel)
		s.mu.Unlock()
	}
	if s, ok := section[*CompactionSection](m, SectionIDCompaction); ok {
		s.mu.Lock()
		setPtr(&s.OracleTimeout, e.OracleTimeout)
		setPtr(&s.MaxAttempts, e.MaxAttempts)
		setPtr(&s.VerbatimFallback, e.VerbatimFallback)
		setPtr(&s.NarrateModules, e.NarrateModules)
		if len(e.ExcludePatterns) > 0 {
			s.ExcludePatterns = e.ExcludePatterns
		}
		setString(&s.SweepSchedule, e.SweepSchedule)
		s.mu.Unlock()
	}
	if s, ok := section[*StorageSection](m, SectionIDStorage); ok {
		s.mu.Lock()
		setString(&s.Root, e.Root)
		setPtr(&s.Catalog, e.Catalog)
		s.mu.Unlock()
	}
	if s, ok := section[*ContextSection](m, SectionIDContext); ok {
		s.mu.Lock()
		setPtr(&s.TokenBudget, e.TokenBudget)
		s.mu.Unlock()
	}
	return m.ValidateAll()
}

func section[T Section](m *Manager, id string) (T, bool) {
	var zero T
	s, ok := m.GetSection(id)
	if !ok {
		return zero, false
	}
	typed, ok := s.(T)
	return typed, ok
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
