// Package system bundles the OS collaborators that mutation logic and
// revert steps operate on.
package system

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
)

// System holds the collaborators for one machine
type System struct {
	Registry registry.Registry
	Services service.Manager
	Shell    shell.Runner
}

// Validate reports missing collaborators
func (s *System) Validate() error {
	if s == nil {
		return fmt.Errorf("system is nil")
	}
	if s.Registry == nil {
		return fmt.Errorf("system has no registry")
	}
	if s.Services == nil {
		return fmt.Errorf("system has no service manager")
	}
	if s.Shell == nil {
		return fmt.Errorf("system has no shell runner")
	}
	return nil
}

// Native wires the live collaborators. On platforms without a registry or
// service manager the in-memory implementations stand in, so shell-only
// optimizations still work.
func Native(shellTimeout time.Duration) *System {
	sys := &System{Shell: shell.NewLocalRunner(shellTimeout)}

	if reg, err := registry.NewNative(); err == nil {
		sys.Registry = reg
	} else {
		sys.Registry = registry.NewMemory()
	}

	if svc, err := service.NewNative(); err == nil {
		sys.Services = svc
	} else {
		sys.Services = service.NewMemory(nil)
	}

	return sys
}

// Snapshot describes the machine at the start of a batch
type Snapshot struct {
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
	Version    string    `json:"version"`
	Hostname   string    `json:"hostname"`
	CapturedAt time.Time `json:"captured_at"`
}

// Capture builds a snapshot, asking the shell for the OS version
func Capture(ctx context.Context, runner shell.Runner) Snapshot {
	hostname, _ := os.Hostname()
	snap := Snapshot{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hostname:   hostname,
		CapturedAt: time.Now(),
	}

	var req shell.Request
	switch runtime.GOOS {
	case "windows":
		req = shell.Script("[System.Environment]::OSVersion.Version.ToString()")
	case "darwin":
		req = shell.Direct("sw_vers -productVersion")
	default:
		req = shell.Direct("uname -r")
	}
	req.Timeout = 10 * time.Second

	if runner != nil {
		if res, err := runner.Run(ctx, req); err == nil && res.Succeeded() {
			snap.Version = strings.TrimSpace(res.Stdout)
		}
	}
	return snap
}

func (s Snapshot) String() string {
	if s.Version == "" {
		return fmt.Sprintf("%s/%s", s.OS, s.Arch)
	}
	return fmt.Sprintf("%s/%s %s", s.OS, s.Arch, s.Version)
}
