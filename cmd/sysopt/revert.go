package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zph/sysopt/pkg/revert"
)

var revertRetries int

var revertCmd = &cobra.Command{
	Use:   "revert <key|id>...",
	Short: "Undo applied optimizations",
	Long: `Revert applied optimizations by replaying their recorded changes in
reverse order. If some changes cannot be undone the rest are still reverted
and the record is kept, so running revert again replays it.`,
	Example: `  # Revert one optimization
  sysopt revert disable-telemetry

  # Retry up to 3 times before giving up
  sysopt revert disable-telemetry --retries 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulate {
			return errors.New("revert does not support --simulate")
		}
		out := cmd.OutOrStdout()

		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		fmt.Fprintf(out, "🔒 Acquiring data lock...\n")
		release, err := env.lock(ctx, "revert")
		if err != nil {
			return err
		}
		defer release()

		var incomplete []string
		for _, ref := range args {
			id, err := env.manager.Resolve(ctx, ref)
			if err != nil {
				fmt.Fprintf(out, "❌ %s: %v\n", ref, err)
				incomplete = append(incomplete, ref)
				continue
			}

			fmt.Fprintf(out, "\n⏪ Reverting %s...\n", id)
			result, err := env.manager.Revert(ctx, id)
			if err != nil {
				fmt.Fprintf(out, "❌ %s: %v\n", ref, err)
				incomplete = append(incomplete, ref)
				continue
			}
			if !printRevertResult(ctx, out, result) {
				incomplete = append(incomplete, ref)
			}
		}

		if len(incomplete) > 0 {
			return fmt.Errorf("%d optimization(s) not fully reverted", len(incomplete))
		}
		return nil
	},
}

// printRevertResult reports a revert, retrying failed steps when asked.
// It returns false if anything is left to undo.
func printRevertResult(ctx context.Context, out io.Writer, result *revert.Result) bool {
	switch result.Status {
	case revert.StatusNothingToRevert:
		fmt.Fprintf(out, "  Nothing to revert\n")
		return true
	case revert.StatusReverted:
		fmt.Fprintf(out, "  ✓ %s reverted (%d step(s))\n", result.Name, result.Reverted)
		return true
	}

	fmt.Fprintf(out, "  ⚠️  %s partially reverted: %d of %d step(s) undone\n", result.Name, result.Reverted, result.Attempted)
	for _, failure := range result.Failures {
		fmt.Fprintf(out, "  ❌ %v\n", failure)
	}
	if retryRevert(ctx, out, result) {
		fmt.Fprintf(out, "  ✓ %s reverted on retry\n", result.Name)
		return true
	}
	fmt.Fprintf(out, "  Failed steps remain on record; run revert again to retry them\n")
	return false
}

// retryRevert replays what is left of the log up to --retries times
func retryRevert(ctx context.Context, out io.Writer, result *revert.Result) bool {
	if len(result.Failures) == 0 || result.Failures[0].Retry == nil {
		return false
	}
	retry := result.Failures[0].Retry
	for i := 1; i <= revertRetries; i++ {
		err := retry(ctx)
		if err == nil {
			return true
		}
		fmt.Fprintf(out, "  retry %d/%d: %v\n", i, revertRetries, err)
	}
	return false
}

func init() {
	revertCmd.Flags().IntVar(&revertRetries, "retries", 0, "Retry a partial revert this many times")
	rootCmd.AddCommand(revertCmd)
}
