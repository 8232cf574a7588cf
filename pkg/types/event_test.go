package types

import (
	"errors"
	"testing"
)

func TestPipelineEventType(t *testing.T) {
	tests := []struct {
		eventType PipelineEventType
		name      string
		expected  string
	}{
		{name: "boundary_detected", eventType: EventTypeBoundaryDetected, expected: "boundary_detected"},
		{name: "compaction_skipped", eventType: EventTypeCompactionSkipped, expected: "compaction_skipped"},
		{name: "compaction_committed", eventType: EventTypeCompactionCommitted, expected: "compaction_committed"},
		{name: "compaction_failed", eventType: EventTypeCompactionFailed, expected: "compaction_failed"},
		{name: "module_completed", eventType: EventTypeModuleCompleted, expected: "module_completed"},
		{name: "recovery_completed", eventType: EventTypeRecoveryCompleted, expected: "recovery_completed"},
		{name: "invariant_violation", eventType: EventTypeInvariantViolation, expected: "invariant_violation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.eventType) != tt.expected {
				t.Errorf("EventType = %v, want %v", tt.eventType, tt.expected)
			}
		})
	}
}

func TestNewBoundaryDetectedEvent(t *testing.T) {
	span := CompactionSpan{Module: "keep", Start: 0, End: 5}
	e := NewBoundaryDetectedEvent("job-1", TierLocation, span)

	if e.Type != EventTypeBoundaryDetected {
		t.Errorf("Type = %v, want %v", e.Type, EventTypeBoundaryDetected)
	}
	if e.ModuleID != "keep" {
		t.Errorf("ModuleID = %q, want keep", e.ModuleID)
	}
	if e.Span == nil || *e.Span != span {
		t.Errorf("Span = %v, want %v", e.Span, span)
	}
	if e.Metadata == nil {
		t.Error("Metadata should be initialized")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestNewCompactionCommittedEvent(t *testing.T) {
	commit := &CommitResult{
		Sequence: 1,
		Tier:     TierChronicle,
		Span:     CompactionSpan{Module: "keep", Start: 0, End: 10},
	}
	e := NewCompactionCommittedEvent("job-2", commit)

	if e.Commit != commit {
		t.Error("Commit should be carried on the event")
	}
	if e.Tier != TierChronicle {
		t.Errorf("Tier = %v, want chronicle", e.Tier)
	}
	if !e.IsCompactionEvent() {
		t.Error("committed event should be a compaction event")
	}
	if e.IsErrorEvent() {
		t.Error("committed event should not be an error event")
	}
}

func TestNewCompactionCommittedEvent_SealedPeer(t *testing.T) {
	e := NewCompactionCommittedEvent("job-3", &CommitResult{Sequence: 2, Tier: TierChronicle, Span: CompactionSpan{Module: "N", End: 4}})
	if _, ok := e.Metadata["sealed_peer"]; ok {
		t.Error("sealed_peer should be absent when no peer is sealed")
	}

	e = NewCompactionCommittedEvent("job-4", &CommitResult{Sequence: 3, Tier: TierChronicle, Span: CompactionSpan{Module: "N", Start: 4, End: 6}, SealedPeer: "M"})
	if got := e.Metadata["sealed_peer"]; got != "M" {
		t.Errorf("sealed_peer = %v, want M", got)
	}
}

func TestNewCompactionFailedEvent(t *testing.T) {
	err := errors.New("oracle timed out")
	span := CompactionSpan{Module: "keep", Start: 0, End: 10}
	e := NewCompactionFailedEvent("job-3", TierChronicle, span, err, 2, true)

	if e.Error != err {
		t.Errorf("Error = %v, want %v", e.Error, err)
	}
	if e.Reason != "oracle timed out" {
		t.Errorf("Reason = %q", e.Reason)
	}
	if e.Attempt != 2 || !e.Retryable {
		t.Errorf("Attempt/Retryable = %d/%v, want 2/true", e.Attempt, e.Retryable)
	}
	if !e.IsErrorEvent() {
		t.Error("failed event should be an error event")
	}
}

func TestWithMetadata(t *testing.T) {
	e := &PipelineEvent{Type: EventTypeCompactionSkipped}
	e.WithMetadata("reason", "empty").WithMetadata("count", 0)

	if e.Metadata["reason"] != "empty" {
		t.Errorf("metadata reason = %v", e.Metadata["reason"])
	}
	if e.Metadata["count"] != 0 {
		t.Errorf("metadata count = %v", e.Metadata["count"])
	}
}
