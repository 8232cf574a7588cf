// Package oracletest provides a testify mock of the narrative oracle.
package oracletest

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/mock"

	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/types"
)

// MockOracle is a mock implementation of oracle.Oracle for testing.
type MockOracle struct {
	mock.Mock
}

// Summarize records the call and returns the configured text and error.
func (m *MockOracle) Summarize(ctx context.Context, turns []types.Turn, directive oracle.Directive) (string, error) {
	args := m.Called(ctx, turns, directive)
	return args.String(0), args.Error(1)
}

// Echo returns an oracle that summarizes a span as "<granularity> <module> [first,last]".
// Its output depends only on its input, so retries produce identical text.
func Echo() oracle.Oracle {
	return oracle.Func(func(_ context.Context, turns []types.Turn, d oracle.Directive) (string, error) {
		if len(turns) == 0 {
			return string(d.Granularity) + " " + d.ModuleID + " (no new turns)", nil
		}
		return string(d.Granularity) + " " + d.ModuleID + " " + span(turns), nil
	})
}

func span(turns []types.Turn) string {
	return fmt.Sprintf("[%d,%d]", turns[0].Index, turns[len(turns)-1].Index)
}
