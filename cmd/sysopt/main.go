package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/zph/sysopt/pkg/logger"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath       string
	dataDir          string
	logLevel         string
	simulate         bool
	simulateScenario string
	simulateVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "sysopt",
	Short: "Apply and revert operating system optimizations",
	Long: `Sysopt applies operating system optimizations (registry values, service
startup types, file removals and shell commands) and records how to undo each
one. Every applied optimization can be reverted later, even from a new process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetOutput(cmd.ErrOrStderr())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sysopt version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sysopt %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: <data-dir>/config.yaml)")
	flags.StringVar(&dataDir, "data-dir", "", "Data directory for revert logs, backups and run history")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&simulate, "simulate", false, "Run against a simulated system; nothing is changed")
	flags.StringVar(&simulateScenario, "simulate-scenario", "", "Scenario file seeding the simulated system")
	flags.BoolVar(&simulateVerbose, "simulate-verbose", false, "Print every simulated operation")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
