// Package shell runs external commands on behalf of mutation logic and
// revert steps and captures their output.
package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyCommand is returned when a request carries no command text
var ErrEmptyCommand = errors.New("empty command")

// Mode selects the interpreter a command is handed to
type Mode string

const (
	// ModeDirect runs the command through the platform shell (sh -c / cmd /C)
	ModeDirect Mode = "direct"
	// ModeScript runs the command as a PowerShell script block
	ModeScript Mode = "script"
)

// ParseMode maps an empty string to ModeDirect
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeScript:
		return ModeScript, nil
	}
	return "", fmt.Errorf("unknown shell mode %q", s)
}

// Request describes one invocation
type Request struct {
	Command string
	Mode    Mode
	// Env entries are KEY=VALUE and are appended to the process environment
	Env []string
	// Timeout overrides the runner default when non-zero
	Timeout time.Duration
}

// Direct builds a direct-mode request
func Direct(command string) Request {
	return Request{Command: command, Mode: ModeDirect}
}

// Script builds a script-mode request
func Script(command string) Request {
	return Request{Command: command, Mode: ModeScript}
}

// Result captures one external process invocation
type Result struct {
	Command  string        `json:"command"`
	Mode     Mode          `json:"mode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Succeeded reports a zero exit status
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Err converts a failed result into an error carrying stderr
func (r *Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.TimedOut {
		return fmt.Errorf("command %q timed out after %s", r.Command, r.Duration.Round(time.Millisecond))
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	if msg == "" {
		return fmt.Errorf("command %q exited with status %d", r.Command, r.ExitCode)
	}
	return fmt.Errorf("command %q exited with status %d: %s", r.Command, r.ExitCode, msg)
}

// Runner executes requests. A non-zero exit or a timeout is reported in the
// Result; the error return is reserved for commands that could not start.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
