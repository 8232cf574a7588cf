package types

import "time"

// PipelineEventType defines the type of event emitted by the compaction pipeline.
type PipelineEventType string

const (
	EventTypeBoundaryDetected     PipelineEventType = "boundary_detected"     // EventTypeBoundaryDetected indicates a compaction span was identified.
	EventTypeCompactionSkipped    PipelineEventType = "compaction_skipped"    // EventTypeCompactionSkipped indicates a boundary produced an empty or already covered span.
	EventTypeCompactionCommitted  PipelineEventType = "compaction_committed"  // EventTypeCompactionCommitted indicates a span was summarized and archived.
	EventTypeCompactionFailed     PipelineEventType = "compaction_failed"     // EventTypeCompactionFailed indicates a compaction attempt failed and left no trace.
	EventTypeModuleCompleted      PipelineEventType = "module_completed"      // EventTypeModuleCompleted indicates a module summary exists for the module.
	EventTypeRecoveryCompleted    PipelineEventType = "recovery_completed"    // EventTypeRecoveryCompleted indicates crash recovery finished for a module.
	EventTypeInvariantViolation   PipelineEventType = "invariant_violation"   // EventTypeInvariantViolation indicates a fatal archive invariant breach.
)

// PipelineEvent represents an event emitted by the pipeline to the surrounding game loop.
type PipelineEvent struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}

	// Type indicates the kind of event.
	Type PipelineEventType

	// ModuleID is the module the event belongs to.
	ModuleID string

	// JobID identifies the pipeline job that produced the event, if any.
	JobID string

	// Span is the compaction span involved (boundary, commit and failure events).
	Span *CompactionSpan

	// Tier is the summary tier involved.
	Tier Tier

	// Commit is set on compaction committed events.
	Commit *CommitResult

	// ModuleSummary is set on module completed events.
	ModuleSummary *ModuleSummary

	// Error contains error information for failure events.
	Error error

	// Reason is a short human readable explanation for skip and failure events.
	Reason string

	// Attempt is the 1-based attempt number for failure events.
	Attempt int

	// Retryable reports whether a failed compaction may be retried.
	Retryable bool

	// Timestamp is when the event was created.
	Timestamp time.Time
}

func newEvent(t PipelineEventType, moduleID string) *PipelineEvent {
	return &PipelineEvent{
		Type:      t,
		ModuleID:  moduleID,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// NewBoundaryDetectedEvent creates a boundary detected event.
func NewBoundaryDetectedEvent(jobID string, tier Tier, span CompactionSpan) *PipelineEvent {
	e := newEvent(EventTypeBoundaryDetected, span.Module)
	e.JobID = jobID
	e.Tier = tier
	e.Span = &span
	return e
}

// NewCompactionSkippedEvent creates a compaction skipped event.
func NewCompactionSkippedEvent(jobID, moduleID string, tier Tier, reason string) *PipelineEvent {
	e := newEvent(EventTypeCompactionSkipped, moduleID)
	e.JobID = jobID
	e.Tier = tier
	e.Reason = reason
	return e
}

// NewCompactionCommittedEvent creates a compaction committed event.
func NewCompactionCommittedEvent(jobID string, commit *CommitResult) *PipelineEvent {
	e := newEvent(EventTypeCompactionCommitted, commit.Span.Module)
	e.JobID = jobID
	e.Tier = commit.Tier
	span := commit.Span
	e.Span = &span
	e.Commit = commit
	if commit.SealedPeer != "" {
		e.Metadata["sealed_peer"] = commit.SealedPeer
	}
	return e
}

// NewCompactionFailedEvent creates a compaction failed event.
func NewCompactionFailedEvent(jobID string, tier Tier, span CompactionSpan, err error, attempt int, retryable bool) *PipelineEvent {
	e := newEvent(EventTypeCompactionFailed, span.Module)
	e.JobID = jobID
	e.Tier = tier
	e.Span = &span
	e.Error = err
	if err != nil {
		e.Reason = err.Error()
	}
	e.Attempt = attempt
	e.Retryable = retryable
	return e
}

// NewModuleCompletedEvent creates a module completed event.
func NewModuleCompletedEvent(summary *ModuleSummary) *PipelineEvent {
	e := newEvent(EventTypeModuleCompleted, summary.ModuleID)
	e.Tier = TierModule
	e.ModuleSummary = summary
	return e
}

// NewRecoveryCompletedEvent creates a recovery completed event.
func NewRecoveryCompletedEvent(moduleID string, repaired int) *PipelineEvent {
	e := newEvent(EventTypeRecoveryCompleted, moduleID)
	e.Metadata["repaired"] = repaired
	return e
}

// NewInvariantViolationEvent creates an invariant violation event.
func NewInvariantViolationEvent(moduleID string, err error) *PipelineEvent {
	e := newEvent(EventTypeInvariantViolation, moduleID)
	e.Error = err
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

// WithMetadata adds metadata to an event.
func (e *PipelineEvent) WithMetadata(key string, value interface{}) *PipelineEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsCompactionEvent returns true if the event reports the outcome of a compaction.
func (e *PipelineEvent) IsCompactionEvent() bool {
	return e.Type == EventTypeCompactionCommitted ||
		e.Type == EventTypeCompactionFailed ||
		e.Type == EventTypeCompactionSkipped
}

// IsErrorEvent returns true if the event carries a failure.
func (e *PipelineEvent) IsErrorEvent() bool {
	return e.Type == EventTypeCompactionFailed || e.Type == EventTypeInvariantViolation
}
