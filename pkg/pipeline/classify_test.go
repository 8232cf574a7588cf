package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/boundary"
	"github.com/entrhq/saga/pkg/compactor"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/sequence"
	"github.com/entrhq/saga/pkg/types"
)

func TestClassify(t *testing.T) {
	wrapped := &compactor.Failure{Span: types.CompactionSpan{Module: "M", End: 3}, Tier: types.TierChronicle, Err: oracle.ErrTimeout}

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, ""},
		{"oracle timeout", wrapped, FailureTransient},
		{"malformed output", fmt.Errorf("x: %w", oracle.ErrMalformedOutput), FailureTransient},
		{"oracle unavailable", oracle.ErrUnavailable, FailureTransient},
		{"verification failed", atomicstore.ErrVerificationFailed, FailureTransient},
		{"earlier span pending", archive.ErrSpanNotContiguous, FailureTransient},
		{"unknown io error", errors.New("disk busy"), FailureTransient},
		{"overlap", boundary.ErrSpanOverlap, FailureFatal},
		{"sequence gap", sequence.ErrSequenceGap, FailureFatal},
		{"entry exists", archive.ErrEntryExists, FailureFatal},
		{"fingerprint mismatch", archive.ErrFingerprintMismatch, FailureFatal},
		{"not a marker", boundary.ErrNotTransitionMarker, FailureFatal},
		{"canceled", context.Canceled, FailureFatal},
		{"closed", ErrClosed, FailureFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestViolatesInvariant(t *testing.T) {
	assert.True(t, violatesInvariant(fmt.Errorf("commit: %w", sequence.ErrSequenceGap)))
	assert.False(t, violatesInvariant(oracle.ErrTimeout))
	assert.False(t, violatesInvariant(boundary.ErrNotTransitionMarker))
}
