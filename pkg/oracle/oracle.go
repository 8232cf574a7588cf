// Package oracle defines the contract with the narrative oracle: the external text generator
// that turns a span of turns into a summary.
//
// The oracle is treated as a pure function of (turns, directive). Implementations must be
// safe to call again with the same input after a failure; the pipeline retries freely.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/entrhq/saga/pkg/types"
)

var (
	// ErrTimeout is returned when the oracle does not answer within its deadline.
	ErrTimeout = errors.New("oracle: timed out")

	// ErrMalformedOutput is returned when the oracle answers with unusable text.
	ErrMalformedOutput = errors.New("oracle: malformed output")

	// ErrUnavailable is returned when the oracle cannot be reached or refuses the request.
	ErrUnavailable = errors.New("oracle: unavailable")
)

// Granularity selects which kind of summary the oracle writes.
type Granularity string

const (
	GranularityLocation  Granularity = "location"
	GranularityChronicle Granularity = "chronicle"
	GranularityModule    Granularity = "module"
)

// GranularityFor maps a summary tier to its directive granularity.
func GranularityFor(tier types.Tier) Granularity {
	switch tier {
	case types.TierChronicle:
		return GranularityChronicle
	case types.TierModule:
		return GranularityModule
	default:
		return GranularityLocation
	}
}

// Directive tells the oracle what to write about the turns it receives.
type Directive struct {
	Granularity Granularity
	ModuleID    string
	LocationID  string
	FromModule  string
	ToModule    string

	// ContinuityHint is the closing text of the module's previous chronicle, used to keep
	// consecutive chronicles coherent.
	ContinuityHint string

	// PriorSummaries are already committed location summaries that belong to the same
	// stretch of narrative as the turns, oldest first.
	PriorSummaries []string
}

// Oracle produces summary text for a span of turns.
type Oracle interface {
	Summarize(ctx context.Context, turns []types.Turn, directive Directive) (string, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, turns []types.Turn, directive Directive) (string, error)

// Summarize calls f.
func (f Func) Summarize(ctx context.Context, turns []types.Turn, directive Directive) (string, error) {
	return f(ctx, turns, directive)
}

// CheckOutput normalizes oracle text and rejects output no summary can be built from:
// empty or whitespace-only text, invalid UTF-8, or text longer than maxRunes (when positive).
func CheckOutput(text string, maxRunes int) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrMalformedOutput)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty summary", ErrMalformedOutput)
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return "", fmt.Errorf("%w: summary exceeds %d characters", ErrMalformedOutput, maxRunes)
	}
	return text, nil
}

// ClosingText returns the last paragraph of text, trimmed to at most maxRunes runes from
// its end. It is used to derive continuity hints from the previous chronicle.
func ClosingText(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndex(text, "\n\n"); i >= 0 {
		text = strings.TrimSpace(text[i+2:])
	}
	if maxRunes <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return strings.TrimSpace(string(runes[len(runes)-maxRunes:]))
}
