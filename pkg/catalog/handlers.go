package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
)

// ActionHandler validates and performs one action type. Execute must record
// its undo through the transaction bound to ctx.
type ActionHandler interface {
	Validate(action *Action) error
	Execute(ctx context.Context, action *Action, env *optimization.Env) error
}

// Executor dispatches actions to the handler registered for their type
type Executor struct {
	handlers map[ActionType]ActionHandler
}

// NewExecutor creates an executor with the built-in handlers registered
func NewExecutor() *Executor {
	e := &Executor{
		handlers: make(map[ActionType]ActionHandler),
	}

	e.RegisterHandler(ActionRegistrySet, &RegistrySetHandler{})
	e.RegisterHandler(ActionRegistryDelete, &RegistryDeleteHandler{})
	e.RegisterHandler(ActionServiceStartup, &ServiceStartupHandler{})
	e.RegisterHandler(ActionFileDelete, &FileDeleteHandler{})
	e.RegisterHandler(ActionShell, &ShellHandler{})

	return e
}

// RegisterHandler registers a handler for an action type
func (e *Executor) RegisterHandler(actionType ActionType, handler ActionHandler) {
	e.handlers[actionType] = handler
}

func (e *Executor) handler(actionType ActionType) (ActionHandler, error) {
	handler, ok := e.handlers[actionType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for action type: %s", actionType)
	}
	return handler, nil
}

// Validate checks an action's parameters without touching the system
func (e *Executor) Validate(action *Action) error {
	handler, err := e.handler(action.Type)
	if err != nil {
		return err
	}
	return handler.Validate(action)
}

// Execute performs one action
func (e *Executor) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	handler, err := e.handler(action.Type)
	if err != nil {
		return err
	}
	return handler.Execute(ctx, action, env)
}

// RegistrySetHandler writes a registry value
type RegistrySetHandler struct{}

func (h *RegistrySetHandler) params(action *Action) (registry.Root, registry.Value, error) {
	root, err := parseRegistryTarget(action)
	if err != nil {
		return "", registry.Value{}, err
	}
	value, err := registry.ParseValue(registry.ValueType(strings.ToUpper(strings.TrimSpace(action.ValueType))), action.Data)
	if err != nil {
		return "", registry.Value{}, err
	}
	return root, value, nil
}

func (h *RegistrySetHandler) Validate(action *Action) error {
	_, _, err := h.params(action)
	return err
}

func (h *RegistrySetHandler) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	root, value, err := h.params(action)
	if err != nil {
		return err
	}
	return revert.SetRegistryValue(ctx, env.System.Registry, root, action.Key, action.Value, value)
}

// RegistryDeleteHandler deletes a registry value
type RegistryDeleteHandler struct{}

func (h *RegistryDeleteHandler) Validate(action *Action) error {
	_, err := parseRegistryTarget(action)
	return err
}

func (h *RegistryDeleteHandler) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	root, err := parseRegistryTarget(action)
	if err != nil {
		return err
	}
	return revert.DeleteRegistryValue(ctx, env.System.Registry, root, action.Key, action.Value)
}

func parseRegistryTarget(action *Action) (registry.Root, error) {
	root, ok := registry.ParseRoot(action.Root)
	if !ok {
		return "", fmt.Errorf("%w: %q", registry.ErrInvalidRoot, action.Root)
	}
	if registry.CleanPath(action.Key) == "" {
		return "", errors.New("registry key is required")
	}
	return root, nil
}

// ServiceStartupHandler changes a service's startup type
type ServiceStartupHandler struct{}

func (h *ServiceStartupHandler) Validate(action *Action) error {
	if strings.TrimSpace(action.Service) == "" {
		return errors.New("service is required")
	}
	_, err := service.ParseStartupType(action.Startup)
	return err
}

func (h *ServiceStartupHandler) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	startup, err := service.ParseStartupType(action.Startup)
	if err != nil {
		return err
	}
	err = revert.SetServiceStartup(ctx, env.System.Services, action.Service, startup)
	if err != nil && action.IgnoreMissing && errors.Is(err, service.ErrNotFound) {
		env.Logger.Infof("service %s is not installed, skipping", action.Service)
		return nil
	}
	return err
}

// FileDeleteHandler moves a file or directory into the backup area.
// Environment variables in the path are expanded.
type FileDeleteHandler struct{}

func (h *FileDeleteHandler) Validate(action *Action) error {
	if strings.TrimSpace(action.Path) == "" {
		return errors.New("path is required")
	}
	return nil
}

func (h *FileDeleteHandler) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	path := os.ExpandEnv(strings.TrimSpace(action.Path))
	if path == "" {
		return fmt.Errorf("path %q expands to nothing", action.Path)
	}
	return revert.DeleteFile(ctx, path)
}

// ShellHandler runs a command and records its undo command
type ShellHandler struct{}

func (h *ShellHandler) requests(action *Action) (shell.Request, shell.Request, error) {
	if strings.TrimSpace(action.Command) == "" {
		return shell.Request{}, shell.Request{}, fmt.Errorf("command: %w", shell.ErrEmptyCommand)
	}
	if strings.TrimSpace(action.Undo) == "" {
		return shell.Request{}, shell.Request{}, fmt.Errorf("undo: %w", shell.ErrEmptyCommand)
	}
	mode, err := shell.ParseMode(action.Mode)
	if err != nil {
		return shell.Request{}, shell.Request{}, err
	}
	undoMode := mode
	if action.UndoMode != "" {
		if undoMode, err = shell.ParseMode(action.UndoMode); err != nil {
			return shell.Request{}, shell.Request{}, err
		}
	}

	req := shell.Request{
		Command: action.Command,
		Mode:    mode,
		Timeout: time.Duration(action.TimeoutSeconds) * time.Second,
	}
	undo := shell.Request{Command: action.Undo, Mode: undoMode, Timeout: req.Timeout}
	return req, undo, nil
}

func (h *ShellHandler) Validate(action *Action) error {
	_, _, err := h.requests(action)
	return err
}

func (h *ShellHandler) Execute(ctx context.Context, action *Action, env *optimization.Env) error {
	req, undo, err := h.requests(action)
	if err != nil {
		return err
	}
	res, err := revert.RunWithUndo(ctx, env.System.Shell, req, undo)
	if err != nil {
		return err
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		env.Logger.Debugf("%s: %s", action.Command, out)
	}
	return nil
}
