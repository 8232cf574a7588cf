package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/saga/pkg/types"
)

// Attempt is one compaction attempt as recorded by the pipeline.
type Attempt struct {
	ID        int64
	JobID     string
	ModuleID  string
	Tier      types.Tier
	Span      types.CompactionSpan
	Attempt   int
	Outcome   string
	LastError string
	CreatedAt time.Time
}

// RecordAttempt appends one attempt to the ledger.
func (c *Catalog) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	a.JobID = strings.TrimSpace(a.JobID)
	a.ModuleID = strings.TrimSpace(a.ModuleID)
	a.Outcome = strings.TrimSpace(a.Outcome)
	a.LastError = strings.TrimSpace(a.LastError)
	switch {
	case a.JobID == "":
		return fmt.Errorf("catalog: attempt job id is required")
	case a.ModuleID == "":
		return fmt.Errorf("catalog: attempt module id is required")
	case a.Outcome == "":
		return fmt.Errorf("catalog: attempt outcome is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now()
	}

	_, err := c.db.ExecContext(ctx, `
INSERT INTO compaction_attempts (
	job_id,
	module_id,
	tier,
	span_start,
	span_end,
	attempt,
	outcome,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		a.JobID,
		a.ModuleID,
		string(a.Tier),
		a.Span.Start,
		a.Span.End,
		a.Attempt,
		a.Outcome,
		a.LastError,
		a.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("catalog: record attempt: %w", err)
	}
	return nil
}

// ListAttempts lists attempts newest first. An empty moduleID lists every module.
func (c *Catalog) ListAttempts(ctx context.Context, moduleID string, limit int) ([]Attempt, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("catalog: limit must be greater than zero")
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT
	id,
	job_id,
	module_id,
	tier,
	span_start,
	span_end,
	attempt,
	outcome,
	last_error,
	created_at
FROM compaction_attempts
WHERE ? = '' OR module_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, moduleID, moduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var tier string
		var createdAt int64
		if err := rows.Scan(
			&a.ID,
			&a.JobID,
			&a.ModuleID,
			&tier,
			&a.Span.Start,
			&a.Span.End,
			&a.Attempt,
			&a.Outcome,
			&a.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan attempt: %w", err)
		}
		a.Tier = types.Tier(tier)
		a.Span.Module = a.ModuleID
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate attempts: %w", err)
	}
	return out, nil
}
