package config

import (
	"strings"
	"sync"
)

// SectionIDLLM is the identifier for the LLM settings section.
const SectionIDLLM = "llm"

// LLMSection configures the model that writes summaries.
type LLMSection struct {
	Model   string
	BaseURL string
	APIKey  string
	// SummarizationModel overrides Model for summaries when set.
	SummarizationModel string
	mu                 sync.RWMutex
}

// NewLLMSection creates an LLM section with default settings.
func NewLLMSection() *LLMSection {
	return &LLMSection{}
}

func (s *LLMSection) ID() string    { return SectionIDLLM }
func (s *LLMSection) Title() string { return "LLM Settings" }

func (s *LLMSection) Description() string {
	return "Model used by the narrative oracle. summarization_model is optional; when set it is used instead of model."
}

// Data returns the current settings.
func (s *LLMSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"model":               s.Model,
		"base_url":            s.BaseURL,
		"api_key":             s.APIKey,
		"summarization_model": s.SummarizationModel,
	}
}

// SetData applies settings read from the store.
func (s *LLMSection) SetData(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]*string{
		"model":               &s.Model,
		"base_url":            &s.BaseURL,
		"api_key":             &s.APIKey,
		"summarization_model": &s.SummarizationModel,
	}
	for key, dst := range fields {
		v, ok, err := stringValue(data, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	return nil
}

// Validate always passes; the API key is checked when the oracle is built.
func (s *LLMSection) Validate() error {
	return nil
}

// Reset clears every setting.
func (s *LLMSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = ""
	s.BaseURL = ""
	s.APIKey = ""
	s.SummarizationModel = ""
}

// GetModel returns the configured model name.
func (s *LLMSection) GetModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Model
}

// GetSummaryModel returns the model summaries should use.
func (s *LLMSection) GetSummaryModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := strings.TrimSpace(s.SummarizationModel); m != "" {
		return m
	}
	return s.Model
}

// GetBaseURL returns the configured base URL.
func (s *LLMSection) GetBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.BaseURL
}

// GetAPIKey returns the configured API key.
func (s *LLMSection) GetAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.APIKey
}
