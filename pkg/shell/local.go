package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultTimeout bounds commands when neither the runner nor the request sets one
const DefaultTimeout = 5 * time.Minute

// LocalRunner implements Runner with os/exec on the local machine
type LocalRunner struct {
	timeout    time.Duration
	workDir    string
	scriptHost string
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner; timeout <= 0 selects DefaultTimeout
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host := "pwsh"
	if runtime.GOOS == "windows" {
		host = "powershell.exe"
	}
	return &LocalRunner{
		timeout:    timeout,
		scriptHost: host,
	}
}

// WithWorkDir sets the working directory of spawned processes
func (r *LocalRunner) WithWorkDir(dir string) *LocalRunner {
	r.workDir = dir
	return r
}

// Timeout returns the default timeout
func (r *LocalRunner) Timeout() time.Duration {
	return r.timeout
}

// Run executes the request and waits for it to finish
func (r *LocalRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}
	if req.Mode == "" {
		req.Mode = ModeDirect
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args, err := r.commandLine(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = append(os.Environ(), req.Env...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	configureProcess(cmd)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	result := &Result{
		Command:  req.Command,
		Mode:     req.Mode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runCtx.Err() != nil:
		// Killed on timeout or caller cancellation
		result.ExitCode = -1
		result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if result.Stderr == "" {
			result.Stderr = runCtx.Err().Error()
		}
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(runErr, exec.ErrWaitDelay):
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return nil, fmt.Errorf("failed to start %s: %w", name, runErr)
	}

	if req.Mode == ModeScript && !result.TimedOut {
		if decoded, err := DecodeOutput(result.Stdout); err == nil {
			result.Stdout = decoded
		}
	}

	return result, nil
}

func (r *LocalRunner) commandLine(req Request) (string, []string, error) {
	switch req.Mode {
	case ModeDirect:
		if runtime.GOOS == "windows" {
			return "cmd.exe", []string{"/C", req.Command}, nil
		}
		return "sh", []string{"-c", req.Command}, nil
	case ModeScript:
		encoded, err := EncodeScript(wrapScript(req.Command))
		if err != nil {
			return "", nil, err
		}
		return r.scriptHost, []string{
			"-NoProfile",
			"-NonInteractive",
			"-ExecutionPolicy", "Bypass",
			"-EncodedCommand", encoded,
		}, nil
	}
	return "", nil, fmt.Errorf("unknown shell mode %q", req.Mode)
}
