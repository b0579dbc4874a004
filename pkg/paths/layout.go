// Package paths describes the on-disk layout under the sysopt data root.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Layout resolves every path sysopt writes under one data root:
//
//	<root>/Revert/<optimization-id>.json   revert logs
//	<root>/Backup/<optimization-id>/       files moved aside by file deletes
//	<root>/Runs/<run-id>.json              batch run states
//	<root>/sysopt.lock                     data-root lock
//	<root>/config.yaml                     default configuration file
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at root
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// DefaultRoot returns %ProgramData%\sysopt on Windows and ~/.sysopt elsewhere
func DefaultRoot() (string, error) {
	if runtime.GOOS == "windows" {
		if programData := os.Getenv("ProgramData"); programData != "" {
			return filepath.Join(programData, "sysopt"), nil
		}
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sysopt"), nil
}

// Root returns the data root
func (l *Layout) Root() string {
	return l.root
}

// RevertDir holds one revert log per applied optimization
func (l *Layout) RevertDir() string {
	return filepath.Join(l.root, "Revert")
}

// BackupDir holds files moved aside by file-delete mutations
func (l *Layout) BackupDir() string {
	return filepath.Join(l.root, "Backup")
}

// RunsDir holds batch run states
func (l *Layout) RunsDir() string {
	return filepath.Join(l.root, "Runs")
}

// RunPath returns the state file of one batch run
func (l *Layout) RunPath(runID string) string {
	return filepath.Join(l.RunsDir(), runID+".json")
}

// LockPath returns the data-root lock file
func (l *Layout) LockPath() string {
	return filepath.Join(l.root, "sysopt.lock")
}

// ConfigPath returns the default configuration file
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.root, "config.yaml")
}

// Ensure creates the root and every managed directory
func (l *Layout) Ensure() error {
	for _, dir := range []string{l.root, l.RevertDir(), l.BackupDir(), l.RunsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
