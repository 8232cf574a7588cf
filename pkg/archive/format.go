package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/types"
)

const frontMatterDelimiter = "---"

// ChronicleRef names one chronicle file by module and sequence.
type ChronicleRef struct {
	ModuleID string `yaml:"module_id"`
	Sequence int    `yaml:"sequence"`
}

// SummaryMeta holds the YAML front-matter of summary and module summary files.
type SummaryMeta struct {
	ModuleID     string                `yaml:"module_id"`
	Kind         types.EntryKind       `yaml:"kind"`
	Tier         types.Tier            `yaml:"tier"`
	Sequence     int                   `yaml:"sequence,omitempty"`
	LocationID   string                `yaml:"location_id,omitempty"`
	FromModule   string                `yaml:"from_module,omitempty"`
	ToModule     string                `yaml:"to_module,omitempty"`
	Span         *types.CompactionSpan `yaml:"span,omitempty"`
	Fingerprint  string                `yaml:"fingerprint,omitempty"`
	Verbatim     bool                  `yaml:"verbatim,omitempty"`
	CreatedAt    time.Time             `yaml:"created_at"`
	TransitionAt *time.Time            `yaml:"transition_at,omitempty"`
	Chronicles   []ChronicleRef        `yaml:"chronicles,omitempty"`
}

// SummaryFile is a parsed summary file: front-matter plus the summary text.
type SummaryFile struct {
	Meta SummaryMeta
	Text string
}

// LocationSummary converts a location-tier file.
func (f *SummaryFile) LocationSummary() types.LocationSummary {
	ls := types.LocationSummary{
		ModuleID:   f.Meta.ModuleID,
		LocationID: f.Meta.LocationID,
		Sequence:   f.Meta.Sequence,
		Text:       f.Text,
		CreatedAt:  f.Meta.CreatedAt,
	}
	if f.Meta.Span != nil {
		ls.SourceSpan = *f.Meta.Span
	}
	return ls
}

// Chronicle converts a chronicle-tier file.
func (f *SummaryFile) Chronicle() types.Chronicle {
	c := types.Chronicle{
		ModuleID:   f.Meta.ModuleID,
		FromModule: f.Meta.FromModule,
		ToModule:   f.Meta.ToModule,
		Sequence:   f.Meta.Sequence,
		Text:       f.Text,
		CreatedAt:  f.Meta.CreatedAt,
	}
	if f.Meta.Span != nil {
		c.SourceSpan = *f.Meta.Span
	}
	if f.Meta.TransitionAt != nil {
		c.TransitionAt = *f.Meta.TransitionAt
	}
	return c
}

// ParseSummary deserializes a summary or module summary file.
func ParseSummary(raw []byte) (*SummaryFile, error) {
	s := string(raw)
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return nil, fmt.Errorf("archive: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return nil, fmt.Errorf("archive: unclosed front-matter block")
	}
	yamlBlock := rest[:idx]
	body := strings.TrimPrefix(rest[idx+len("\n"+frontMatterDelimiter):], "\n")
	body = strings.TrimPrefix(body, "\n")

	var meta SummaryMeta
	if err := yaml.Unmarshal([]byte(yamlBlock), &meta); err != nil {
		return nil, fmt.Errorf("archive: front-matter parse error: %w", err)
	}
	return &SummaryFile{Meta: meta, Text: strings.TrimSuffix(body, "\n")}, nil
}

// SerializeSummary renders a summary file to its on-disk form.
func SerializeSummary(f *SummaryFile) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(&f.Meta)
	if err != nil {
		return nil, fmt.Errorf("archive: serialize error: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelimiter + "\n\n")
	sb.WriteString(f.Text)
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

// summaryValidator checks a summary file parses back to the expected module, kind and sequence.
func summaryValidator(moduleID string, kind types.EntryKind, seq int) atomicstore.Validator {
	return atomicstore.Chain(atomicstore.ValidateFrontMatter, func(content []byte) error {
		f, err := ParseSummary(content)
		if err != nil {
			return err
		}
		if f.Meta.ModuleID != moduleID || f.Meta.Kind != kind || f.Meta.Sequence != seq {
			return fmt.Errorf("archive: summary identifies as %s/%s/%d", f.Meta.ModuleID, f.Meta.Kind, f.Meta.Sequence)
		}
		return nil
	})
}

// Segment is the archived copy of a compacted span's raw turns.
type Segment struct {
	ModuleID    string               `json:"module_id"`
	Sequence    int                  `json:"sequence"`
	Tier        types.Tier           `json:"tier"`
	Span        types.CompactionSpan `json:"span"`
	Fingerprint string               `json:"fingerprint"`
	ArchivedAt  time.Time            `json:"archived_at"`
	Turns       []types.Turn         `json:"turns"`
}

func segmentValidator(moduleID string, seq int, turns int) atomicstore.Validator {
	return atomicstore.Chain(atomicstore.ValidateJSON, func(content []byte) error {
		var seg Segment
		if err := json.Unmarshal(content, &seg); err != nil {
			return err
		}
		if seg.ModuleID != moduleID || seg.Sequence != seq || len(seg.Turns) != turns {
			return fmt.Errorf("archive: segment identifies as %s/%d with %d turns", seg.ModuleID, seg.Sequence, len(seg.Turns))
		}
		return nil
	})
}
