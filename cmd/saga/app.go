package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/atomicstore"
	"github.com/entrhq/saga/pkg/catalog"
	"github.com/entrhq/saga/pkg/compactor"
	"github.com/entrhq/saga/pkg/config"
	"github.com/entrhq/saga/pkg/contextasm"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/pipeline"
	"github.com/entrhq/saga/pkg/turnlog"
	"github.com/entrhq/saga/pkg/types"
)

// app wires the storage, archive, catalog and pipeline for one command run.
type app struct {
	compaction config.CompactionSettings
	storage    config.StorageSettings
	context    config.ContextSettings

	logs     *turnlog.Set
	archive  *archive.Manager
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline

	events chan *types.PipelineEvent
	out    io.Writer
	wg     sync.WaitGroup
}

// OracleFactory builds the summarizing oracle. Tests replace it.
type OracleFactory func() (oracle.Oracle, error)

func defaultOracleFactory() (oracle.Oracle, error) {
	return config.BuildOracle(flagModel, flagBaseURL, flagAPIKey, defaultModel)
}

var newOracle OracleFactory = defaultOracleFactory

// openApp builds the app from the global configuration. When the oracle cannot be built,
// commands that never summarize still work and compactions fail as unavailable.
func openApp(ctx context.Context, out io.Writer) (*app, error) {
	a := &app{
		compaction: config.GetCompaction().Settings(),
		storage:    config.GetStorage().Settings(),
		context:    config.GetContext().Settings(),
		events:     make(chan *types.PipelineEvent, 64),
		out:        out,
	}
	if flagRoot != "" {
		a.storage.Root = flagRoot
	}

	store := atomicstore.New(atomicstore.WithSync(a.storage.Sync))
	a.logs = turnlog.NewSet(filepath.Join(a.storage.Root, turnlog.DirName), store)

	o, err := newOracle()
	if err != nil {
		debugLog.Warnf("oracle unavailable, compactions will fail: %v", err)
		buildErr := err
		o = oracle.Func(func(context.Context, []types.Turn, oracle.Directive) (string, error) {
			return "", fmt.Errorf("%w: %v", oracle.ErrUnavailable, buildErr)
		})
	}

	renderer, err := oracle.NewRenderer(a.compaction.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	var archiveOpts []archive.Option
	var pipelineOpts []pipeline.Option
	if a.storage.Catalog {
		cat, err := catalog.Open(ctx, filepath.Join(a.storage.Root, catalog.FileName))
		if err != nil {
			return nil, err
		}
		a.catalog = cat
		archiveOpts = append(archiveOpts, archive.WithIndexer(cat))
		pipelineOpts = append(pipelineOpts, pipeline.WithAttemptLedger(cat))
	}
	if a.compaction.NarrateModules {
		archiveOpts = append(archiveOpts, archive.WithNarrator(o, a.compaction.OracleTimeout))
	}
	a.archive = archive.NewManager(a.storage.Root, store, archiveOpts...)

	compressor := compactor.New(o,
		compactor.WithTimeout(a.compaction.OracleTimeout),
		compactor.WithRenderer(renderer),
	)

	pipelineOpts = append(pipelineOpts,
		pipeline.WithConfig(pipeline.Config{
			MaxAttempts:      a.compaction.MaxAttempts,
			InitialBackoff:   a.compaction.InitialBackoff,
			MaxBackoff:       a.compaction.MaxBackoff,
			VerbatimFallback: a.compaction.VerbatimFallback,
			HintChars:        a.compaction.HintChars,
		}),
		pipeline.WithEventChannel(a.events),
	)
	a.pipeline = pipeline.New(a.logs, a.archive, compressor, pipelineOpts...)

	a.wg.Add(1)
	go a.reportEvents()
	return a, nil
}

// reportEvents logs every pipeline event and echoes it when verbose.
func (a *app) reportEvents() {
	defer a.wg.Done()
	for e := range a.events {
		line := describeEvent(e)
		if e.IsErrorEvent() {
			debugLog.Warnf("%s", line)
		} else {
			debugLog.Infof("%s", line)
		}
		if flagVerbose {
			fmt.Fprintln(a.out, line)
		}
	}
}

func describeEvent(e *types.PipelineEvent) string {
	line := fmt.Sprintf("[%s] %s", e.Type, e.ModuleID)
	if e.Span != nil {
		line += " " + e.Span.String()
	}
	if e.Commit != nil {
		line += fmt.Sprintf(" sequence %d", e.Commit.Sequence)
		if e.Commit.SealedPeer != "" {
			line += fmt.Sprintf(" (not in the sealed summary of %s)", e.Commit.SealedPeer)
		}
	}
	if e.Reason != "" {
		line += ": " + e.Reason
	}
	if e.Error != nil {
		line += ": " + e.Error.Error()
	}
	return line
}

// assembler builds a context assembler honouring the configured budget unless budget
// is non-negative.
func (a *app) assembler(budget int) *contextasm.Assembler {
	opts := contextasm.Options{
		Budget:                  a.context.TokenBudget,
		IncludeCompletedModules: a.context.IncludeCompletedModules,
		MinTailTurns:            a.context.MinTailTurns,
	}
	if budget >= 0 {
		opts.Budget = budget
	}
	return contextasm.New(a.logs, a.archive, contextasm.WithOptions(opts))
}

// close drains the pipeline within timeout and releases the catalog.
func (a *app) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.pipeline.Close(ctx)
	close(a.events)
	a.wg.Wait()
	if a.catalog != nil {
		err = errors.Join(err, a.catalog.Close())
	}
	return err
}
