package types

import "time"

// Tier identifies the granularity of a summary.
type Tier string

const (
	// TierLocation summarizes every turn spent in one location (tier 2).
	TierLocation Tier = "location"
	// TierChronicle summarizes the turns spanning a module transition (tier 3).
	TierChronicle Tier = "chronicle"
	// TierModule aggregates every chronicle of a completed module (tier 4).
	TierModule Tier = "module"
)

// LocationSummary is a tier-2 summary of the turns spent in one location.
type LocationSummary struct {
	ModuleID   string
	LocationID string
	Sequence   int
	Text       string
	SourceSpan CompactionSpan
	CreatedAt  time.Time
}

// Chronicle is a tier-3 summary produced at a module transition boundary.
type Chronicle struct {
	ModuleID   string
	FromModule string
	ToModule   string
	Sequence   int
	Text       string
	SourceSpan CompactionSpan
	CreatedAt  time.Time

	// TransitionAt is when the transition marker closing the span was recorded.
	TransitionAt time.Time
}

// ModuleSummary is the tier-4 aggregate written once when a module completes.
type ModuleSummary struct {
	ModuleID       string
	Chronicles     []Chronicle
	FinalNarrative string
	ArchivedAt     time.Time
}

// SummaryArtifact is the uncommitted output of one compaction. Exactly one of
// Location or Chronicle is set, matching Tier.
type SummaryArtifact struct {
	Tier        Tier
	Span        CompactionSpan
	Fingerprint string
	Location    *LocationSummary
	Chronicle   *Chronicle
	// Verbatim is true when the text is a truncated transcript rather than an oracle summary.
	Verbatim bool
}

// Text returns the summary text carried by the artifact.
func (a *SummaryArtifact) Text() string {
	switch {
	case a == nil:
		return ""
	case a.Location != nil:
		return a.Location.Text
	case a.Chronicle != nil:
		return a.Chronicle.Text
	default:
		return ""
	}
}

// EntryKind classifies a durable archive file.
type EntryKind string

const (
	EntryKindConversationSegment EntryKind = "conversation_segment"
	EntryKindSummary             EntryKind = "summary"
	EntryKindModuleSummary       EntryKind = "module_summary"
)

// ArchiveEntry is the write-once record of a committed archive file.
// Module summaries are not sequenced and carry Sequence 0.
type ArchiveEntry struct {
	Sequence int       `json:"sequence"`
	ModuleID string    `json:"module_id"`
	Kind     EntryKind `json:"kind"`
	Path     string    `json:"path"`
}

// CommitResult describes one committed compaction: both entries share the sequence number.
type CommitResult struct {
	Sequence int
	Tier     Tier
	Span     CompactionSpan
	Segment  ArchiveEntry
	Summary  ArchiveEntry

	// SealedPeer names the other module of a chronicle when that module was already
	// complete at commit time. Its module summary is immutable and leaves this chronicle out.
	SealedPeer string
}

// Entries returns the segment and summary entries in commit order.
func (c *CommitResult) Entries() []ArchiveEntry {
	return []ArchiveEntry{c.Segment, c.Summary}
}
