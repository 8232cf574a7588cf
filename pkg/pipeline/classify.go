package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/compactor"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/sequence"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

// FailureKind tells the dispatcher whether a failed compaction may be retried.
type FailureKind string

const (
	// FailureTransient failures left no trace and the same request may succeed later.
	FailureTransient FailureKind = "transient"
	// FailureFatal failures must not be retried. Those that break an archive invariant
	// also halt the module's worker.
	FailureFatal FailureKind = "fatal"
)

// Classify maps an error from any stage of a compaction to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case violatesInvariant(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, boundary.ErrNotTransitionMarker),
		errors.Is(err, turnlog.ErrOutOfRange),
		errors.Is(err, compactor.ErrEmptySpan),
		errors.Is(err, archive.ErrInvalidArtifact),
		errors.Is(err, ErrClosed):
		return FailureFatal
	case errors.Is(err, oracle.ErrTimeout),
		errors.Is(err, oracle.ErrMalformedOutput),
		errors.Is(err, oracle.ErrUnavailable),
		errors.Is(err, atomicstore.ErrVerificationFailed),
		errors.Is(err, archive.ErrSpanNotContiguous),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		// Unknown errors come from I/O; nothing was committed, so trying again is safe.
		return FailureTransient
	}
}

// violatesInvariant reports errors meaning the archive and the logs disagree. Continuing
// to compact the module could only make it worse.
func violatesInvariant(err error) bool {
	return errors.Is(err, boundary.ErrSpanOverlap) ||
		errors.Is(err, sequence.ErrSequenceGap) ||
		errors.Is(err, archive.ErrEntryExists) ||
		errors.Is(err, archive.ErrFingerprintMismatch) ||
		errors.Is(err, turnlog.ErrCorrupt)
}

// isOracleFailure reports errors the verbatim fallback may stand in for.
func isOracleFailure(err error) bool {
	return errors.Is(err, oracle.ErrTimeout) ||
		errors.Is(err, oracle.ErrMalformedOutput) ||
		errors.Is(err, oracle.ErrUnavailable)
}

// Failure describes a job that ended without committing.
type Failure struct {
	JobID    string
	Span     types.CompactionSpan
	Tier     types.Tier
	Kind     FailureKind
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline: %s %s failed after %d attempts (%s): %v", f.Tier, f.Span, f.Attempts, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
