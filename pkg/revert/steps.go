package revert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
	"github.com/zph/sysopt/pkg/system"
)

// RegistryValueStep restores a registry value to what it was before the
// mutation, deleting it if it did not exist.
type RegistryValueStep struct {
	Root     registry.Root   `json:"root" validate:"registry_root"`
	Path     string          `json:"path" validate:"required"`
	Name     string          `json:"name"`
	Existed  bool            `json:"existed"`
	Previous *registry.Value `json:"previous,omitempty" validate:"required_if=Existed true"`
}

func (s *RegistryValueStep) Kind() Kind { return KindRegistryValue }

func (s *RegistryValueStep) Describe() string {
	target := registry.Display(s.Root, s.Path, s.Name)
	if !s.Existed {
		return "remove " + target
	}
	return fmt.Sprintf("restore %s to %s", target, s.Previous)
}

func (s *RegistryValueStep) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if s.Existed {
		return s.Previous.Validate()
	}
	if s.Previous != nil {
		return fmt.Errorf("previous value set for a value that did not exist")
	}
	return nil
}

func (s *RegistryValueStep) Revert(ctx context.Context, sys *system.System) error {
	if !s.Existed {
		return sys.Registry.DeleteValue(s.Root, s.Path, s.Name)
	}
	if current, ok := sys.Registry.GetValue(s.Root, s.Path, s.Name); ok && current.Equal(*s.Previous) {
		return nil
	}
	return sys.Registry.SetValue(s.Root, s.Path, s.Name, *s.Previous)
}

// RegistryKeyStep removes a key the mutation created
type RegistryKeyStep struct {
	Root registry.Root `json:"root" validate:"registry_root"`
	Path string        `json:"path" validate:"required"`
}

func (s *RegistryKeyStep) Kind() Kind { return KindRegistryKey }

func (s *RegistryKeyStep) Describe() string {
	return "delete key " + string(s.Root) + `\` + registry.CleanPath(s.Path)
}

func (s *RegistryKeyStep) Validate() error {
	return validate.Struct(s)
}

func (s *RegistryKeyStep) Revert(ctx context.Context, sys *system.System) error {
	return sys.Registry.DeleteKey(s.Root, s.Path)
}

// ServiceStartupStep restores a service's startup type
type ServiceStartupStep struct {
	Service  string              `json:"service" validate:"required"`
	Previous service.StartupType `json:"previous" validate:"startup_type"`
}

func (s *ServiceStartupStep) Kind() Kind { return KindServiceStartup }

func (s *ServiceStartupStep) Describe() string {
	return fmt.Sprintf("set service %s to %s", s.Service, s.Previous)
}

func (s *ServiceStartupStep) Validate() error {
	return validate.Struct(s)
}

func (s *ServiceStartupStep) Revert(ctx context.Context, sys *system.System) error {
	err := sys.Services.SetStartupType(s.Service, s.Previous)
	if errors.Is(err, service.ErrNotFound) {
		// Uninstalled since; nothing left to restore
		return nil
	}
	return err
}

// FileDeleteStep moves a deleted file or directory back from its backup
type FileDeleteStep struct {
	Path   string `json:"path" validate:"required"`
	Backup string `json:"backup" validate:"required"`
}

func (s *FileDeleteStep) Kind() Kind { return KindFileDelete }

func (s *FileDeleteStep) Describe() string {
	return "restore " + s.Path
}

func (s *FileDeleteStep) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if !filepath.IsAbs(s.Path) || !filepath.IsAbs(s.Backup) {
		return fmt.Errorf("file paths must be absolute")
	}
	return nil
}

func (s *FileDeleteStep) Revert(ctx context.Context, sys *system.System) error {
	if _, err := os.Lstat(s.Backup); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat backup: %w", err)
		}
		if _, err := os.Lstat(s.Path); err == nil {
			// Restored by an earlier attempt
			return nil
		}
		return fmt.Errorf("backup %s is missing", s.Backup)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.RemoveAll(s.Path); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.Path, err)
	}
	return movePath(s.Backup, s.Path)
}

// ShellCommandStep runs a command that undoes an earlier command
type ShellCommandStep struct {
	Command     string        `json:"command" validate:"required"`
	Mode        shell.Mode    `json:"mode" validate:"shell_mode"`
	Env         []string      `json:"env,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Description string        `json:"description,omitempty"`
}

func (s *ShellCommandStep) Kind() Kind { return KindShellCommand }

func (s *ShellCommandStep) Describe() string {
	if s.Description != "" {
		return s.Description
	}
	return "run " + s.Command
}

func (s *ShellCommandStep) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", s.Timeout)
	}
	return nil
}

func (s *ShellCommandStep) Revert(ctx context.Context, sys *system.System) error {
	res, err := sys.Shell.Run(ctx, shell.Request{Command: s.Command, Mode: s.Mode, Env: s.Env, Timeout: s.Timeout})
	if err != nil {
		return err
	}
	return res.Err()
}
