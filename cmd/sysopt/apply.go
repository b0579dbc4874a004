package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/catalog"
	"github.com/zph/sysopt/pkg/logger"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/simulation"
)

var (
	applyAll bool
	applyYes bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <catalog.yaml> [key...]",
	Short: "Apply optimizations from a catalog",
	Long: `Apply optimizations declared in a catalog file, one at a time. Each
optimization records how to undo every change it makes; use 'sysopt revert'
to roll it back later.

Optimizations that already have a revert record are skipped. Interrupting
the command lets the running optimization finish and skips the rest.`,
	Example: `  # Apply two optimizations
  sysopt apply catalog.yaml disable-telemetry disable-sysmain

  # Apply everything in the catalog
  sysopt apply catalog.yaml --all

  # See what would happen without changing anything
  sysopt apply catalog.yaml --all --simulate`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

func runApply(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	catalogPath, refs := args[0], args[1:]
	if len(refs) == 0 && !applyAll {
		return errors.New("specify optimization keys or --all")
	}
	if len(refs) > 0 && applyAll {
		return errors.New("--all cannot be combined with optimization keys")
	}

	env, err := setupEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	exec := env.executor()
	cat, err := catalog.Load(catalogPath, exec)
	if err != nil {
		return err
	}

	var opts []optimization.Optimization
	if applyAll {
		opts = cat.Bind(exec)
	} else if opts, err = cat.Select(exec, refs); err != nil {
		return err
	}
	fmt.Fprintf(out, "📋 Loaded %d optimization(s) from %s\n", len(opts), catalogPath)

	if !simulate && !applyYes {
		if err := confirmApply(cmd.InOrStdin(), out, opts); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Fprintf(out, "🔒 Acquiring data lock...\n")
	release, err := env.lock(ctx, "apply")
	if err != nil {
		return err
	}
	defer release()

	opts = pending(ctx, out, env.manager, opts)
	if len(opts) == 0 {
		fmt.Fprintf(out, "\n✅ Nothing to apply\n")
		return nil
	}

	orch := apply.NewOrchestrator(env.manager, env.sys,
		apply.WithLogger(logger.Component("apply")),
		apply.WithReporter(newConsoleReporter(out)),
		apply.WithStateManager(apply.NewStateManager(env.layout.RunsDir())),
		apply.WithHooks(env.hooks()),
		apply.WithSimulated(simulate),
	)

	if simulate {
		fmt.Fprintf(out, "\n🔬 [SIMULATION] Applying %d optimization(s)...\n\n", len(opts))
	} else {
		fmt.Fprintf(out, "\n🚀 Applying %d optimization(s)...\n\n", len(opts))
	}

	result, err := orch.Run(ctx, opts)
	if result != nil {
		printBatchSummary(out, result)
	}
	if env.sim != nil {
		printSimulationReport(out, env.sim)
	}
	if err != nil {
		return err
	}

	switch {
	case result.Cancelled:
		return fmt.Errorf("interrupted: %d optimization(s) not applied", result.Skipped)
	case result.Failed > 0:
		return fmt.Errorf("%d optimization(s) failed", result.Failed)
	}
	return nil
}

// pending drops optimizations that already have a revert record. Applying
// again would replace the record and lose the original values.
func pending(ctx context.Context, out io.Writer, manager *revert.Manager, opts []optimization.Optimization) []optimization.Optimization {
	kept := make([]optimization.Optimization, 0, len(opts))
	for _, opt := range opts {
		id := opt.Identity()
		switch {
		case manager.IsApplied(ctx, id):
			fmt.Fprintf(out, "⏭  %s is already applied (revert it first to apply again)\n", opt.Name())
		case manager.Store().Exists(id.ID):
			fmt.Fprintf(out, "⚠️  %s has an unreadable revert record; remove it with 'sysopt discard %s'\n", opt.Name(), id.ID)
		default:
			kept = append(kept, opt)
		}
	}
	return kept
}

// consoleReporter prints batch progress
type consoleReporter struct {
	out io.Writer
}

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

func (r *consoleReporter) ItemStarted(index, total int, name string) {
	fmt.Fprintf(r.out, "[%d/%d] %s\n", index+1, total, name)
}

func (r *consoleReporter) ItemProgress(index int, percent float64, message string) {
	fmt.Fprintf(r.out, "      %3.0f%% %s\n", percent, message)
}

func (r *consoleReporter) ItemFinished(index int, result *apply.ItemResult) {
	switch result.Status {
	case apply.ItemSucceeded:
		fmt.Fprintf(r.out, "  ✓ %s (%d step(s), %s)\n", result.Name, result.Steps, result.Duration.Round(time.Millisecond))
	case apply.ItemFailed:
		fmt.Fprintf(r.out, "  ❌ %s: %v\n", result.Name, result.Failure())
		if result.Steps > 0 {
			fmt.Fprintf(r.out, "     %d change(s) made before the failure can be reverted with 'sysopt revert %s'\n", result.Steps, result.Identity.Key)
		}
	case apply.ItemSkipped:
		fmt.Fprintf(r.out, "  ⏭  %s skipped\n", result.Name)
	}
	if result.RevertErr != nil {
		fmt.Fprintf(r.out, "  ⚠️  revert data could not be saved, these changes cannot be undone: %v\n", result.RevertErr)
	}
}

func printBatchSummary(out io.Writer, result *apply.BatchResult) {
	succeeded := result.Attempted - result.Failed
	fmt.Fprintf(out, "\n📊 Run %s\n", result.RunID)
	fmt.Fprintf(out, "  Applied:  %d\n", succeeded)
	fmt.Fprintf(out, "  Failed:   %d\n", result.Failed)
	fmt.Fprintf(out, "  Skipped:  %d\n", result.Skipped)

	if result.Succeeded() {
		fmt.Fprintf(out, "\n✅ All optimizations applied\n")
		return
	}
	for _, item := range result.Failures() {
		fmt.Fprintf(out, "  ❌ %s: %v\n", item.Name, item.Failure())
	}
}

func printSimulationReport(out io.Writer, sim *simulation.Simulator) {
	reporter := simulation.NewReporter(sim, out)
	if simulateVerbose {
		reporter.PrintDetailed()
	} else {
		reporter.PrintSummary()
	}
	if reporter.HasErrors() {
		reporter.PrintErrors()
	}
}

func init() {
	applyCmd.Flags().BoolVar(&applyAll, "all", false, "Apply every optimization in the catalog")
	applyCmd.Flags().BoolVarP(&applyYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(applyCmd)
}
