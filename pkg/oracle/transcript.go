package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/kaptinlin/jsonrepair"

	"github.com/entrhq/saga/pkg/types"
)

// DefaultExcludePatterns drops the error notes the front-end injects into the log.
var DefaultExcludePatterns = []string{"Error Note:*"}

// Renderer turns a span of turns into the plain transcript the oracle reads.
//
// Assistant turns that hold a JSON document are rendered by their "narration" field;
// malformed JSON is repaired before giving up on it. User turns keep only the text after
// a "Player:" prefix when one is present. Turns matching an exclude pattern are skipped.
type Renderer struct {
	excludes []glob.Glob
}

// NewRenderer compiles the exclude patterns.
func NewRenderer(excludePatterns []string) (*Renderer, error) {
	r := &Renderer{}
	for _, p := range excludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("oracle: invalid exclude pattern %q: %w", p, err)
		}
		r.excludes = append(r.excludes, g)
	}
	return r, nil
}

// Excluded reports whether content matches an exclude pattern.
func (r *Renderer) Excluded(content string) bool {
	content = strings.TrimSpace(content)
	for _, g := range r.excludes {
		if g.Match(content) {
			return true
		}
	}
	return false
}

// Render builds the transcript.
func (r *Renderer) Render(turns []types.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if r.Excluded(t.Content) {
			continue
		}
		line := renderTurn(t)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func renderTurn(t types.Turn) string {
	if t.IsTransitionMarker() {
		return fmt.Sprintf("[The party travels from %s to %s.]", t.Transition.FromModule, t.Transition.ToModule)
	}
	switch t.Role {
	case types.RoleAssistant:
		return "Narrator: " + Narration(t.Content)
	case types.RoleUser:
		content := t.Content
		if _, after, ok := strings.Cut(content, "Player:"); ok {
			content = after
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ""
		}
		return "Player: " + content
	default:
		return ""
	}
}

// Narration extracts the narration from an assistant turn. Content that is not a JSON
// object, or has no narration field, is returned unchanged.
func Narration(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var doc struct {
		Narration string `json:"narration"`
	}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return trimmed
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return trimmed
		}
	}
	if strings.TrimSpace(doc.Narration) == "" {
		return trimmed
	}
	return strings.TrimSpace(doc.Narration)
}
