package atomicstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---\n")

// ValidateNonEmpty rejects empty or whitespace-only content.
func ValidateNonEmpty(content []byte) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return errors.New("content is empty")
	}
	return nil
}

// ValidateJSON rejects content that is not a single well-formed JSON document.
func ValidateJSON(content []byte) error {
	if !json.Valid(content) {
		return errors.New("content is not valid JSON")
	}
	return nil
}

// ValidateYAML rejects content that does not parse as YAML.
func ValidateYAML(content []byte) error {
	var v any
	if err := yaml.Unmarshal(content, &v); err != nil {
		return fmt.Errorf("content is not valid YAML: %w", err)
	}
	return nil
}

// ValidateFrontMatter rejects markdown that lacks a parsable YAML front-matter block
// followed by a non-empty body.
func ValidateFrontMatter(content []byte) error {
	if !bytes.HasPrefix(content, frontMatterDelim) {
		return errors.New("missing front-matter opening delimiter")
	}
	rest := content[len(frontMatterDelim):]
	end := bytes.Index(rest, []byte("\n"+string(frontMatterDelim)))
	if end < 0 {
		return errors.New("missing front-matter closing delimiter")
	}

	var header map[string]any
	if err := yaml.Unmarshal(rest[:end], &header); err != nil {
		return fmt.Errorf("invalid front-matter: %w", err)
	}
	if len(header) == 0 {
		return errors.New("front-matter is empty")
	}

	body := rest[end+1+len(frontMatterDelim):]
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("body is empty")
	}
	return nil
}

// Chain runs validators in order and returns the first error.
func Chain(validators ...Validator) Validator {
	return func(content []byte) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v(content); err != nil {
				return err
			}
		}
		return nil
	}
}
