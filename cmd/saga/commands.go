package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/entrhq/saga/pkg/archive"
	"github.com/entrhq/saga/pkg/pipeline"
	"github.com/entrhq/saga/pkg/types"
)

const closeTimeout = 2 * time.Minute

// withApp opens the app, runs fn and drains the pipeline before returning.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close(closeTimeout))
	}()
	return fn(ctx, a)
}

func newTurnCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "turn", Short: "Record turns"}

	var role, location string
	appendCmd := &cobra.Command{
		Use:   "append <module> <content|->",
		Short: "Append a turn to a module's log; '-' reads the content from stdin",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")
			if content == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = strings.TrimRight(string(raw), "\n")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				turn, err := a.pipeline.AppendTurn(args[0], types.NewTurn(r, content, location))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s[%d] %s\n", turn.ModuleID, turn.Index, turn.Role)
				return nil
			})
		},
	}
	appendCmd.Flags().StringVar(&role, "role", string(types.RoleUser), "turn role: user, assistant or system")
	appendCmd.Flags().StringVarP(&location, "location", "l", "", "location the turn happened in")
	cmd.AddCommand(appendCmd)
	return cmd
}

func parseRole(s string) (types.Role, error) {
	switch r := types.Role(strings.ToLower(s)); r {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func newTransitionCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "transition <from-module> <to-module>",
		Short: "Record a module change and chronicle the module left behind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				marker, ticket, err := a.pipeline.Transition(args[0], args[1], location)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marker %s[%d] -> %s\n", args[0], marker.Index, args[1])
				return waitAndPrint(ctx, cmd.OutOrStdout(), ticket)
			})
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "location the transition happened in")
	return cmd
}

func newLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <module> <location>",
		Short: "Summarize the turns spent in a location",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ticket, err := a.pipeline.LeaveLocation(args[0], args[1])
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, cmd.OutOrStdout(), ticket)
			})
		},
	}
}

func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <module>",
		Short: "Write the module summary once queued compactions finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.pipeline.Complete(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "module %s archived %s with %d chronicles\n\n", summary.ModuleID, summary.ArchivedAt.Format(time.RFC3339), len(summary.Chronicles))
				fmt.Fprintln(out, summary.FinalNarrative)
				return nil
			})
		},
	}
}

func waitAndPrint(ctx context.Context, w io.Writer, ticket *pipeline.Ticket) error {
	o, err := ticket.Wait(ctx)
	if err != nil {
		return err
	}
	switch o.Kind {
	case pipeline.OutcomeCommitted:
		fmt.Fprintf(w, "committed %s %s as sequence %d after %d attempts\n", o.Tier, o.Span, o.Commit.Sequence, o.Attempts)
	case pipeline.OutcomeSkipped:
		fmt.Fprintf(w, "skipped %s: %s\n", o.ModuleID, o.Reason)
	case pipeline.OutcomeFailed:
		return o.Err
	default:
		fmt.Fprintf(w, "%s %s\n", o.Kind, o.ModuleID)
	}
	return nil
}

func newContextCmd() *cobra.Command {
	var (
		budget  int
		asJSON  bool
		noOther bool
	)
	cmd := &cobra.Command{
		Use:   "context <module> [location]",
		Short: "Print the active context of a module",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			location := ""
			if len(args) == 2 {
				location = args[1]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if noOther {
					a.context.IncludeCompletedModules = false
				}
				c, err := a.assembler(budget).Assemble(ctx, args[0], location)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(c)
				}
				fmt.Fprintln(out, c.Render())
				fmt.Fprintf(out, "\n-- %d items, %d tokens", len(c.Items), c.Tokens)
				if c.Budget > 0 {
					fmt.Fprintf(out, " of %d, %d dropped", c.Budget, c.Dropped)
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&budget, "budget", -1, "token budget; 0 disables trimming, negative uses the configured budget")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the items as JSON")
	cmd.Flags().BoolVar(&noOther, "no-completed", false, "leave out the summaries of completed modules")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Inspect the archive"}

	var pattern string
	list := &cobra.Command{
		Use:   "list",
		Short: "List committed archive entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			match, err := glob.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid module pattern %q: %w", pattern, err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, err := listEntries(ctx, a)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					if !match.Match(e.ModuleID) {
						continue
					}
					fmt.Fprintf(out, "%-16s %-20s %4d  %s\n", e.ModuleID, e.Kind, e.Sequence, e.Path)
				}
				return nil
			})
		},
	}
	list.Flags().StringVarP(&pattern, "module", "m", "*", "glob of module ids to list")

	var segment bool
	show := &cobra.Command{
		Use:   "show <module> <sequence|module>",
		Short: "Print a summary, its archived turns, or the module summary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return showEntry(cmd.OutOrStdout(), a.archive, args[0], args[1], segment)
			})
		},
	}
	show.Flags().BoolVar(&segment, "segment", false, "print the archived turns instead of the summary")

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the catalog from the archive files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.catalog == nil {
					return errors.New("the catalog is disabled (storage.catalog)")
				}
				n, err := a.catalog.Rebuild(ctx, a.archive)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entries\n", n)
				return nil
			})
		},
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Check that every module's sequences are gap free",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				modules, err := a.archive.Modules()
				if err != nil {
					return err
				}
				var errs []error
				for _, m := range modules {
					if err := a.archive.Audit(m); err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", m)
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.AddCommand(list, show, rebuild, audit)
	return cmd
}

// listEntries reads the catalog when enabled and the archive files otherwise.
func listEntries(ctx context.Context, a *app) ([]types.ArchiveEntry, error) {
	if a.catalog != nil {
		return a.catalog.Entries(ctx, "")
	}
	modules, err := a.archive.Modules()
	if err != nil {
		return nil, err
	}
	var out []types.ArchiveEntry
	for _, m := range modules {
		entries, err := a.archive.Entries(m)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func showEntry(w io.Writer, am *archive.Manager, moduleID, which string, segment bool) error {
	if which == "module" {
		ms, err := am.ModuleSummary(moduleID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "module %s archived %s\n", ms.ModuleID, ms.ArchivedAt.Format(time.RFC3339))
		for _, c := range ms.Chronicles {
			fmt.Fprintf(w, "  chronicle %s/%d %s -> %s %s\n", c.ModuleID, c.Sequence, c.FromModule, c.ToModule, c.SourceSpan)
		}
		fmt.Fprintf(w, "\n%s\n", ms.FinalNarrative)
		return nil
	}

	seq, err := strconv.Atoi(which)
	if err != nil || seq < 1 {
		return fmt.Errorf("expected a sequence number or \"module\", got %q", which)
	}
	if segment {
		seg, err := am.Segment(moduleID, seq)
		if err != nil {
			return err
		}
		for _, t := range seg.Turns {
			fmt.Fprintf(w, "[%d] %s: %s\n", t.Index, t.Role, t.Content)
		}
		return nil
	}

	f, err := am.Summary(moduleID, seq)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s/%d", f.Meta.Tier, f.Meta.ModuleID, f.Meta.Sequence)
	if f.Meta.Span != nil {
		fmt.Fprintf(w, " %s", f.Meta.Span)
	}
	if f.Meta.Verbatim {
		fmt.Fprint(w, " (verbatim)")
	}
	fmt.Fprintf(w, "\n\n%s\n", f.Text)
	return nil
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair the archive after a crash and audit every module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				reports, err := a.pipeline.Recover(ctx)
				for _, r := range reports {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d scratch files, bound %v, %d orphans removed\n",
						r.ModuleID, r.ScratchFiles, r.Bound, len(r.Orphans))
				}
				return err
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Chronicle transitions whose compaction was missed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tickets, err := a.pipeline.Sweep(ctx)
				if err != nil {
					return err
				}
				var errs []error
				for _, t := range tickets {
					errs = append(errs, waitAndPrint(ctx, cmd.OutOrStdout(), t))
				}
				if len(tickets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to sweep")
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover, then sweep missed compactions on the configured schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if _, err := a.pipeline.Recover(ctx); err != nil {
					return err
				}
				schedule := a.compaction.SweepSchedule
				if schedule == "" {
					return errors.New("compaction.sweep_schedule is empty")
				}
				sweeper, err := pipeline.NewSweeper(a.pipeline, schedule, timeout)
				if err != nil {
					return err
				}
				if _, err := sweeper.RunOnce(ctx); err != nil {
					debugLog.Warnf("initial sweep failed: %v", err)
				}
				sweeper.Start(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "sweeping %s (%s); interrupt to stop\n", a.storage.Root, schedule)

				<-ctx.Done()
				sweeper.Stop()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "sweep-timeout", time.Minute, "bound on one sweep")
	return cmd
}

func newAttemptsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "attempts [module]",
		Short: "List recent compaction attempts, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moduleID := ""
			if len(args) == 1 {
				moduleID = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.catalog == nil {
					return errors.New("the catalog is disabled (storage.catalog)")
				}
				attempts, err := a.catalog.ListAttempts(ctx, moduleID, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, at := range attempts {
					fmt.Fprintf(out, "%s  %-10s %-9s %-20s #%d %s",
						at.CreatedAt.Format(time.RFC3339), at.Outcome, at.Tier, at.Span, at.Attempt, at.JobID)
					if at.LastError != "" {
						fmt.Fprintf(out, "  %s", at.LastError)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts to list")
	return cmd
}
