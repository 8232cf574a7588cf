package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/types"
)

// Recover repairs every module's archive after a crash and reports each module with a
// recovery_completed event. A module that fails its audit gets an invariant_violation
// event and the rest are still recovered. Run it before queuing work.
func (p *Pipeline) Recover(ctx context.Context) ([]*archive.RecoveryReport, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	modules, err := p.archive.Modules()
	if err != nil {
		return nil, err
	}

	var (
		reports []*archive.RecoveryReport
		errs    []error
	)
	for _, id := range modules {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := p.archive.Recover(ctx, id)
		if err != nil {
			if violatesInvariant(err) {
				p.emit(types.NewInvariantViolationEvent(id, err))
			}
			errs = append(errs, fmt.Errorf("pipeline: recover %s: %w", id, err))
			continue
		}
		reports = append(reports, report)
		p.emit(types.NewRecoveryCompletedEvent(id, report.Repaired()))
	}
	return reports, errors.Join(errs...)
}
