package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/optimization"
	"gopkg.in/yaml.v3"
)

const separator = "============================================================"

var (
	outputFormat string
	historyLimit int
	discardYes   bool
)

// appliedSummary is one row of `sysopt status`
type appliedSummary struct {
	ID        string `json:"id" yaml:"id"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	AppliedAt string `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
	Steps     int    `json:"steps" yaml:"steps"`
	Trusted   bool   `json:"trusted" yaml:"trusted"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied optimizations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		summaries, err := env.manager.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list revert logs: %w", err)
		}

		rows := make([]appliedSummary, 0, len(summaries))
		for _, s := range summaries {
			row := appliedSummary{ID: s.ID.String(), Key: s.Key, Name: s.Name, Steps: s.Steps, Trusted: s.Trusted()}
			if s.Trusted() {
				row.AppliedAt = s.AppliedAt.Local().Format("2006-01-02 15:04:05")
			} else {
				row.Error = s.Err.Error()
			}
			rows = append(rows, row)
		}

		out := cmd.OutOrStdout()
		switch outputFormat {
		case "json", "yaml":
			return writeStructured(out, outputFormat, "applied", rows)
		}
		printStatusText(out, rows)
		return nil
	},
}

func printStatusText(out io.Writer, rows []appliedSummary) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No optimizations applied")
		fmt.Fprintln(out, "\nTo apply optimizations:")
		fmt.Fprintln(out, "  sysopt apply <catalog.yaml> [key...] [--all]")
		return
	}

	fmt.Fprintln(out, separator)
	fmt.Fprintf(out, "Applied optimizations (%d)\n", len(rows))
	fmt.Fprintln(out, separator)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "%-36s  %-24s  %-19s  %-5s  %s\n", "ID", "KEY", "APPLIED", "STEPS", "NAME")
	fmt.Fprintln(out, strings.Repeat("-", len(separator)))
	untrusted := 0
	for _, r := range rows {
		if !r.Trusted {
			untrusted++
			fmt.Fprintf(out, "%-36s  %-24s  ⚠️  untrusted: %s\n", r.ID, r.Key, r.Error)
			continue
		}
		fmt.Fprintf(out, "%-36s  %-24s  %-19s  %-5d  %s\n", r.ID, r.Key, r.AppliedAt, r.Steps, r.Name)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, strings.Repeat("-", len(separator)))
	fmt.Fprintln(out, "Show steps:   sysopt show <key|id>")
	fmt.Fprintln(out, "Revert:       sysopt revert <key|id>")
	if untrusted > 0 {
		fmt.Fprintln(out, "Discard:      sysopt discard <key|id>    # untrusted records cannot be reverted")
	}
	fmt.Fprintln(out, separator)
}

var showCmd = &cobra.Command{
	Use:   "show <key|id>",
	Short: "Show the recorded steps of an applied optimization",
	Long: `Show the recorded steps of an applied optimization in the order a revert
would undo them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		id, err := resolveRecord(cmd, env, args[0])
		if err != nil {
			return err
		}
		l, err := env.manager.Load(ctx, id)
		if err != nil {
			return err
		}
		steps, err := l.DecodeSteps()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, separator)
		fmt.Fprintf(out, "%s\n", l.OptimizationName)
		fmt.Fprintln(out, separator)
		fmt.Fprintf(out, "ID:       %s\n", l.OptimizationID)
		if l.OptimizationKey != "" {
			fmt.Fprintf(out, "Key:      %s\n", l.OptimizationKey)
		}
		fmt.Fprintf(out, "Applied:  %s\n", l.AppliedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "\nRevert order (%d step(s)):\n", len(steps))
		for i := len(steps) - 1; i >= 0; i-- {
			fmt.Fprintf(out, "  %2d. [%s] %s\n", len(steps)-i, steps[i].Kind(), steps[i].Describe())
		}
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <key|id>",
	Short: "Delete a revert record without reverting",
	Long: `Delete a revert record and its backups without undoing anything. Use this
for records that can no longer be read; the changes they describe stay in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulate {
			return errors.New("discard does not support --simulate")
		}
		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		ctx := cmd.Context()
		release, err := env.lock(ctx, "discard")
		if err != nil {
			return err
		}
		defer release()

		id, err := resolveRecord(cmd, env, args[0])
		if err != nil {
			return err
		}
		if !discardYes {
			ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Discard the revert record for %s? Its changes can no longer be undone.", id))
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
		}
		if err := env.manager.Discard(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑  Discarded revert record %s\n", id)
		return nil
	},
}

// resolveRecord accepts a raw id even when the log it names is unreadable
func resolveRecord(cmd *cobra.Command, env *environment, ref string) (optimization.Identity, error) {
	if id, err := uuid.Parse(strings.TrimSpace(ref)); err == nil {
		return optimization.Identity{ID: id}, nil
	}
	return env.manager.Resolve(cmd.Context(), ref)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent apply runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnvironment()
		if err != nil {
			return err
		}
		defer env.close()

		states, err := apply.NewStateManager(env.layout.RunsDir()).ListStates()
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if historyLimit > 0 && len(states) > historyLimit {
			states = states[:historyLimit]
		}

		out := cmd.OutOrStdout()
		switch outputFormat {
		case "json", "yaml":
			return writeStructured(out, outputFormat, "runs", states)
		}
		printHistoryText(out, states)
		return nil
	},
}

func printHistoryText(out io.Writer, states []*apply.RunState) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}

	fmt.Fprintln(out, separator)
	fmt.Fprintf(out, "Runs (%d)\n", len(states))
	fmt.Fprintln(out, separator)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-26s  %-10s  %-19s  %-5s  %-6s  %s\n", "RUN", "STATUS", "STARTED", "ITEMS", "FAILED", "OS")
	fmt.Fprintln(out, strings.Repeat("-", len(separator)))
	for _, s := range states {
		counts := s.Counts()
		status := string(s.Status)
		if s.Simulated {
			status += "*"
		}
		fmt.Fprintf(out, "%-26s  %-10s  %-19s  %-5d  %-6d  %s\n",
			s.RunID, status, s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			len(s.Items), counts[apply.StatusFailed], s.Snapshot.String())
	}
	fmt.Fprintln(out, "\n* simulated")
}

func writeStructured(out io.Writer, format, key string, value interface{}) error {
	doc := map[string]interface{}{key: value}
	switch format {
	case "yaml":
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal to YAML: %w", err)
		}
		_, err = out.Write(data)
		return err
	default:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
}

func init() {
	statusCmd.Flags().StringVar(&outputFormat, "format", "text", "Output format: text, json, yaml")
	historyCmd.Flags().StringVar(&outputFormat, "format", "text", "Output format: text, json, yaml")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Show at most this many runs (0 for all)")
	discardCmd.Flags().BoolVarP(&discardYes, "yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(historyCmd)
}
