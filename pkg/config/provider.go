package config

import (
	"fmt"
	"os"

	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/oracle/openai"
)

// BuildOracle creates the summarizing oracle with precedence:
// CLI flags > environment > config file > defaults.
func BuildOracle(cliModel, cliBaseURL, cliAPIKey, defaultModel string) (*openai.Oracle, error) {
	finalModel := cliModel
	finalBaseURL := cliBaseURL
	finalAPIKey := cliAPIKey

	if finalAPIKey == "" {
		finalAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if finalBaseURL == "" {
		finalBaseURL = os.Getenv("OPENAI_BASE_URL")
	}

	if llm := GetLLM(); llm != nil {
		if cliModel == "" || cliModel == defaultModel {
			if m := llm.GetSummaryModel(); m != "" {
				finalModel = m
			}
		}
		if finalBaseURL == "" {
			finalBaseURL = llm.GetBaseURL()
		}
		if finalAPIKey == "" {
			finalAPIKey = llm.GetAPIKey()
		}
	}
	if finalModel == "" {
		finalModel = defaultModel
	}
	if finalAPIKey == "" {
		return nil, fmt.Errorf("API key is required. Set OPENAI_API_KEY or SAGA_API_KEY, use --api-key, or configure llm.api_key in ~/.saga/config.yaml")
	}

	patterns := oracle.DefaultExcludePatterns
	if c := GetCompaction(); c != nil {
		patterns = c.Settings().ExcludePatterns
	}
	renderer, err := oracle.NewRenderer(patterns)
	if err != nil {
		return nil, err
	}

	opts := []openai.Option{
		openai.WithModel(finalModel),
		openai.WithRenderer(renderer),
	}
	if finalBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(finalBaseURL))
	}
	o, err := openai.NewOracle(finalAPIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}
	return o, nil
}
