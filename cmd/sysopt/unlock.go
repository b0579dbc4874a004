package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/logger"
)

var unlockForce bool

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Show or remove the data directory lock",
	Long: `Show who holds the data directory lock. With --force the lock is removed;
only do that when the holder is known to be gone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		out := cmd.OutOrStdout()
		lm := apply.NewLockManager(env.layout.LockPath(), logger.Component("lock"))
		held, err := lm.GetLock()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Fprintln(out, "🔓 Not locked")
			return nil
		case err != nil:
			fmt.Fprintf(out, "⚠️  Unreadable lock file %s: %v\n", lm.GetLockPath(), err)
		default:
			state := "expired"
			if locked, _ := lm.IsLocked(); locked {
				state = "held"
			}
			fmt.Fprintf(out, "🔒 Locked by %s (run: %s, operation: %s, %s, expires %s)\n",
				held.LockedBy, held.RunID, held.Operation, state, held.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}

		if !unlockForce {
			fmt.Fprintln(out, "\nRemove it with: sysopt unlock --force")
			return nil
		}
		if err := lm.ForceUnlock(); err != nil {
			return err
		}
		fmt.Fprintln(out, "🔓 Lock removed")
		return nil
	},
}

func init() {
	unlockCmd.Flags().BoolVar(&unlockForce, "force", false, "Remove the lock even if it is held")
	rootCmd.AddCommand(unlockCmd)
}
