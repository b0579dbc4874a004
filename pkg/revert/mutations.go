package revert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
)

// The helpers below capture prior state, perform one mutation and record
// its undo on the transaction bound to ctx. They refuse to touch the system
// when no open transaction is bound.

// SetRegistryValue writes value, creating the key if needed. A created key
// is recorded before the value so reverse replay removes the value first.
func SetRegistryValue(ctx context.Context, reg registry.Registry, root registry.Root, path, name string, value registry.Value) error {
	tx, err := openTransaction(ctx)
	if err != nil {
		return err
	}
	if !root.Valid() {
		return fmt.Errorf("%w: %q", registry.ErrInvalidRoot, root)
	}
	if err := value.Validate(); err != nil {
		return err
	}
	path = registry.CleanPath(path)

	created := missingAncestor(reg, root, path)
	previous, existed := reg.GetValue(root, path, name)

	setErr := reg.SetValue(root, path, name, value)
	if created != "" && reg.KeyExists(root, created) {
		if err := tx.AddStep(&RegistryKeyStep{Root: root, Path: created}); err != nil {
			return err
		}
	}
	if setErr != nil {
		return fmt.Errorf("failed to set %s: %w", registry.Display(root, path, name), setErr)
	}

	step := &RegistryValueStep{Root: root, Path: path, Name: name, Existed: existed}
	if existed {
		step.Previous = &previous
	}
	return tx.AddStep(step)
}

// missingAncestor returns the shallowest key on path that does not exist
func missingAncestor(reg registry.Registry, root registry.Root, path string) string {
	parts := strings.Split(path, `\`)
	for i := range parts {
		prefix := strings.Join(parts[:i+1], `\`)
		if !reg.KeyExists(root, prefix) {
			return prefix
		}
	}
	return ""
}

// DeleteRegistryValue removes a value. A value that does not exist is left
// alone and nothing is recorded.
func DeleteRegistryValue(ctx context.Context, reg registry.Registry, root registry.Root, path, name string) error {
	tx, err := openTransaction(ctx)
	if err != nil {
		return err
	}
	path = registry.CleanPath(path)

	previous, existed := reg.GetValue(root, path, name)
	if !existed {
		tx.Logger().Debugf("%s does not exist, nothing to delete", registry.Display(root, path, name))
		return nil
	}
	if err := reg.DeleteValue(root, path, name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", registry.Display(root, path, name), err)
	}
	return tx.AddStep(&RegistryValueStep{
		Root:     root,
		Path:     path,
		Name:     name,
		Existed:  true,
		Previous: &previous,
	})
}

// SetServiceStartup changes a service's startup type
func SetServiceStartup(ctx context.Context, svc service.Manager, name string, startup service.StartupType) error {
	tx, err := openTransaction(ctx)
	if err != nil {
		return err
	}
	startup, err = service.ParseStartupType(string(startup))
	if err != nil {
		return err
	}

	previous, err := svc.StartupType(name)
	if err != nil {
		return fmt.Errorf("failed to read startup type of %s: %w", name, err)
	}
	if err := svc.SetStartupType(name, startup); err != nil {
		return fmt.Errorf("failed to set startup type of %s: %w", name, err)
	}
	return tx.AddStep(&ServiceStartupStep{Service: name, Previous: previous})
}

// DeleteFile moves a file or directory into the optimization's backup area.
// A path that does not exist is left alone and nothing is recorded.
func DeleteFile(ctx context.Context, path string) error {
	tx, err := openTransaction(ctx)
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			tx.Logger().Debugf("%s does not exist, nothing to delete", path)
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	backup, err := tx.BackupPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(backup), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := movePath(path, backup); err != nil {
		return err
	}
	return tx.AddStep(&FileDeleteStep{Path: path, Backup: backup})
}

// RunWithUndo runs req and, if it succeeds, records undo to be run on
// revert. The undo request is stored whole, including its environment and
// timeout. A failed command is returned as an error and records nothing.
func RunWithUndo(ctx context.Context, runner shell.Runner, req, undo shell.Request) (*shell.Result, error) {
	tx, err := openTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(undo.Command) == "" {
		return nil, fmt.Errorf("undo command: %w", shell.ErrEmptyCommand)
	}
	mode, err := shell.ParseMode(string(undo.Mode))
	if err != nil {
		return nil, err
	}
	step := &ShellCommandStep{Command: undo.Command, Mode: mode, Env: undo.Env, Timeout: undo.Timeout}
	if err := step.Validate(); err != nil {
		return nil, fmt.Errorf("undo command: %w", err)
	}

	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return res, res.Err()
	}
	return res, tx.AddStep(step)
}
