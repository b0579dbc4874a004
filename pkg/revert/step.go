package revert

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
	"github.com/zph/sysopt/pkg/system"
)

// Kind discriminates step variants in a persisted log
type Kind string

const (
	KindRegistryValue  Kind = "registry-value"
	KindRegistryKey    Kind = "registry-key"
	KindServiceStartup Kind = "service-startup-type"
	KindFileDelete     Kind = "file-delete"
	KindShellCommand   Kind = "shell-command"
)

// Kinds lists every step kind in a stable order
func Kinds() []Kind {
	return []Kind{
		KindRegistryValue,
		KindRegistryKey,
		KindServiceStartup,
		KindFileDelete,
		KindShellCommand,
	}
}

// Step undoes one mutation. A step's exported fields are its serialized
// parameters; it must be reconstructible from them alone.
//
// Revert returns nil when the target is already in its prior state,
// including when the target no longer exists.
type Step interface {
	Kind() Kind
	Describe() string
	Validate() error
	Revert(ctx context.Context, sys *system.System) error
}

// newStep returns an empty step for kind. Adding a kind means adding it here,
// to Kinds, and to the step types below.
func newStep(kind Kind) (Step, bool) {
	switch kind {
	case KindRegistryValue:
		return &RegistryValueStep{}, true
	case KindRegistryKey:
		return &RegistryKeyStep{}, true
	case KindServiceStartup:
		return &ServiceStartupStep{}, true
	case KindFileDelete:
		return &FileDeleteStep{}, true
	case KindShellCommand:
		return &ShellCommandStep{}, true
	}
	return nil, false
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("registry_root", func(fl validator.FieldLevel) bool {
		return registry.Root(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("startup_type", func(fl validator.FieldLevel) bool {
		parsed, err := service.ParseStartupType(fl.Field().String())
		return err == nil && string(parsed) == fl.Field().String()
	})
	_ = validate.RegisterValidation("shell_mode", func(fl validator.FieldLevel) bool {
		switch shell.Mode(fl.Field().String()) {
		case "", shell.ModeDirect, shell.ModeScript:
			return true
		}
		return false
	})
}
