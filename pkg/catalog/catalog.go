// Package catalog keeps a SQLite index of committed archive entries and a ledger of
// compaction attempts. The catalog is derived: the archive files are the source of truth
// and Rebuild regenerates the entry index from them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("catalog")
}

// FileName is the catalog database file under the storage root.
const FileName = "catalog.db"

// ErrNotConfigured is returned when a nil or closed catalog is used.
var ErrNotConfigured = errors.New("catalog: not configured")

// Catalog is a SQLite-backed index of archive entries and compaction attempts.
type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the catalog at path and applies migrations.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("catalog: create directory: %w", err)
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: run migrations: %w", err)
	}
	return &Catalog{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the SQLite connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Catalog) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.db == nil {
		return ErrNotConfigured
	}
	return nil
}

// Record indexes committed archive entries. Re-recording an entry is a no-op.
func (c *Catalog) Record(ctx context.Context, entries ...types.ArchiveEntry) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEntries(ctx, tx, c.now(), entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit record: %w", err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, at time.Time, entries []types.ArchiveEntry) error {
	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO archive_entries (
	module_id,
	kind,
	sequence,
	path,
	recorded_at
) VALUES (?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("catalog: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if strings.TrimSpace(e.ModuleID) == "" || e.Kind == "" {
			return fmt.Errorf("catalog: entry %+v is missing module or kind", e)
		}
		if _, err := stmt.ExecContext(ctx, e.ModuleID, string(e.Kind), e.Sequence, e.Path, at.UnixMilli()); err != nil {
			return fmt.Errorf("catalog: insert %s/%s/%d: %w", e.ModuleID, e.Kind, e.Sequence, err)
		}
	}
	return nil
}

// Entries lists indexed entries ordered by module, sequence and kind. An empty moduleID
// lists every module.
func (c *Catalog) Entries(ctx context.Context, moduleID string) ([]types.ArchiveEntry, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT module_id, kind, sequence, path
FROM archive_entries
WHERE ? = '' OR module_id = ?
ORDER BY module_id, kind = 'module_summary', sequence, kind
`, moduleID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list entries: %w", err)
	}
	defer rows.Close()

	var out []types.ArchiveEntry
	for rows.Next() {
		var e types.ArchiveEntry
		var kind string
		if err := rows.Scan(&e.ModuleID, &kind, &e.Sequence, &e.Path); err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		e.Kind = types.EntryKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate entries: %w", err)
	}
	return out, nil
}

// Source lists the archive entries the catalog is derived from.
type Source interface {
	Modules() ([]string, error)
	Entries(moduleID string) ([]types.ArchiveEntry, error)
}

// Rebuild replaces the entry index with what src reports. Modules are read concurrently;
// the index is swapped in one transaction.
func (c *Catalog) Rebuild(ctx context.Context, src Source) (int, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	modules, err := src.Modules()
	if err != nil {
		return 0, err
	}

	perModule := make([][]types.ArchiveEntry, len(modules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range modules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entries, err := src.Entries(id)
			if err != nil {
				return fmt.Errorf("catalog: read %s: %w", id, err)
			}
			perModule[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_entries`); err != nil {
		return 0, fmt.Errorf("catalog: clear entries: %w", err)
	}
	total := 0
	at := c.now()
	for _, entries := range perModule {
		if err := insertEntries(ctx, tx, at, entries); err != nil {
			return 0, err
		}
		total += len(entries)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit rebuild: %w", err)
	}
	debugLog.Infof("rebuilt catalog: %d entries across %d modules", total, len(modules))
	return total, nil
}
