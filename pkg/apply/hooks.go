package apply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zph/sysopt/pkg/shell"
)

// HookEvent names a point in a batch where a hook can run
type HookEvent string

const (
	HookBeforeBatch HookEvent = "before_batch"
	HookAfterBatch  HookEvent = "after_batch"
	HookOnError     HookEvent = "on_error"
)

// Hook is a shell command run at a batch event
type Hook struct {
	Name            string
	Command         string
	Mode            shell.Mode
	Timeout         time.Duration
	ContinueOnError bool
	Environment     map[string]string
}

// HookManager manages batch hooks
type HookManager struct {
	runner shell.Runner
	hooks  map[HookEvent]*Hook
}

// NewHookManager creates a hook manager that runs hooks through runner
func NewHookManager(runner shell.Runner) *HookManager {
	return &HookManager{
		runner: runner,
		hooks:  make(map[HookEvent]*Hook),
	}
}

// RegisterHook registers a hook for an event; an empty command is ignored
func (m *HookManager) RegisterHook(event HookEvent, hook *Hook) {
	if hook == nil || strings.TrimSpace(hook.Command) == "" {
		return
	}
	if hook.Name == "" {
		hook.Name = string(event)
	}
	m.hooks[event] = hook
}

// HasHook reports whether a hook is registered for event
func (m *HookManager) HasHook(event HookEvent) bool {
	_, ok := m.hooks[event]
	return ok
}

// ExecuteHook executes a hook for an event if one is registered
func (m *HookManager) ExecuteHook(ctx context.Context, event HookEvent, state *RunState) error {
	hook, ok := m.hooks[event]
	if !ok {
		return nil // No hook registered for this event
	}

	return m.ExecuteCustomHook(ctx, hook, state)
}

// ExecuteCustomHook executes a specific hook
func (m *HookManager) ExecuteCustomHook(ctx context.Context, hook *Hook, state *RunState) error {
	if hook == nil {
		return nil
	}

	state.Log("info", "", fmt.Sprintf("Executing hook: %s", hook.Name))

	res, err := m.runner.Run(ctx, shell.Request{
		Command: hook.Command,
		Mode:    hook.Mode,
		Env:     m.prepareHookEnvironment(hook, state),
		Timeout: hook.Timeout,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		output := ""
		if res != nil {
			output = strings.TrimSpace(res.Stdout + res.Stderr)
		}
		state.Log("error", "", fmt.Sprintf("Hook %s failed: %v\nOutput: %s", hook.Name, err, output))
		if !hook.ContinueOnError {
			return fmt.Errorf("hook %s failed: %w", hook.Name, err)
		}
		// Log error but continue
		state.Log("warn", "", fmt.Sprintf("Hook %s failed but continuing due to continue_on_error", hook.Name))
		return nil
	}

	state.Log("info", "", fmt.Sprintf("Hook %s completed successfully\nOutput: %s", hook.Name, strings.TrimSpace(res.Stdout)))
	return nil
}

// prepareHookEnvironment prepares environment variables for hooks
func (m *HookManager) prepareHookEnvironment(hook *Hook, state *RunState) []string {
	counts := state.Counts()
	env := (&HookContext{
		RunID:     state.RunID,
		Operation: state.Operation,
		Status:    state.Status,
		Total:     len(state.Items),
		Failed:    counts[StatusFailed],
		Simulated: state.Simulated,
	}).ToEnvironment()

	// Add custom environment from hook
	for k, v := range hook.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return env
}

// HookContext contains context information for hooks
type HookContext struct {
	RunID     string
	Operation string
	Status    RunStatus
	Total     int
	Failed    int
	Simulated bool
}

// ToEnvironment converts hook context to environment variables
func (ctx *HookContext) ToEnvironment() []string {
	env := []string{
		fmt.Sprintf("SYSOPT_RUN_ID=%s", ctx.RunID),
		fmt.Sprintf("SYSOPT_OPERATION=%s", ctx.Operation),
		fmt.Sprintf("SYSOPT_STATUS=%s", ctx.Status),
		fmt.Sprintf("SYSOPT_TOTAL=%d", ctx.Total),
		fmt.Sprintf("SYSOPT_FAILED=%d", ctx.Failed),
	}

	if ctx.Simulated {
		env = append(env, "SYSOPT_SIMULATE=1")
	}

	return env
}
