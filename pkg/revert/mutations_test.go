package revert_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
	"github.com/zph/sysopt/pkg/simulation"
)

const policyKey = `SOFTWARE\Policies\Microsoft\Windows\DataCollection`

func TestMutations_RequireTransaction(t *testing.T) {
	sim := simulation.NewSimulator(nil)
	ctx := context.Background()

	err := revert.SetRegistryValue(ctx, sim, registry.LocalMachine, policyKey, "AllowTelemetry", registry.DWordValue(0))
	assert.ErrorIs(t, err, revert.ErrNoTransaction)
	assert.ErrorIs(t, revert.SetServiceStartup(ctx, sim, "DiagTrack", service.Disabled), revert.ErrNoTransaction)
	assert.ErrorIs(t, revert.DeleteFile(ctx, t.TempDir()), revert.ErrNoTransaction)
	_, err = revert.RunWithUndo(ctx, sim, shell.Direct("a"), shell.Direct("b"))
	assert.ErrorIs(t, err, revert.ErrNoTransaction)

	// Nothing was touched
	assert.Empty(t, sim.Operations())
}

// Writes A=1 (previously unset) and disables S (previously automatic), then
// reverts both.
func TestMutations_RegistryAndServiceRoundTrip(t *testing.T) {
	mgr, sim := newTestManager(t)
	require.NoError(t, sim.Registry().CreateKey(registry.LocalMachine, policyKey))
	sim.Services().Install("S", service.Automatic)
	identity := newIdentity("x")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		if err := revert.SetRegistryValue(ctx, sim, registry.LocalMachine, policyKey, "A", registry.DWordValue(1)); err != nil {
			return err
		}
		return revert.SetServiceStartup(ctx, sim, "S", service.Disabled)
	}))

	l, err := mgr.Load(context.Background(), identity)
	require.NoError(t, err)
	require.Len(t, l.Steps, 2)
	assert.Equal(t, revert.KindRegistryValue, l.Steps[0].Type)
	assert.Equal(t, revert.KindServiceStartup, l.Steps[1].Type)

	v, ok := sim.GetValue(registry.LocalMachine, policyKey, "A")
	require.True(t, ok)
	assert.Equal(t, registry.DWordValue(1), v)
	startup, err := sim.StartupType("S")
	require.NoError(t, err)
	assert.Equal(t, service.Disabled, startup)

	result, err := mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, result.Status)

	_, ok = sim.GetValue(registry.LocalMachine, policyKey, "A")
	assert.False(t, ok)
	startup, err = sim.StartupType("S")
	require.NoError(t, err)
	assert.Equal(t, service.Automatic, startup)
	assert.False(t, mgr.IsApplied(context.Background(), identity))
}

func TestSetRegistryValue_RestoresPreviousValue(t *testing.T) {
	mgr, sim := newTestManager(t)
	require.NoError(t, sim.Registry().SetValue(registry.CurrentUser, `Control Panel\Desktop`, "MenuShowDelay", registry.StringValue("400")))
	identity := newIdentity("menu-delay")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.SetRegistryValue(ctx, sim, registry.CurrentUser, `Control Panel\Desktop`, "MenuShowDelay", registry.StringValue("0"))
	}))

	_, err := mgr.Revert(context.Background(), identity)
	require.NoError(t, err)

	v, ok := sim.GetValue(registry.CurrentUser, `Control Panel\Desktop`, "MenuShowDelay")
	require.True(t, ok)
	assert.Equal(t, registry.StringValue("400"), v)
}

func TestSetRegistryValue_RecordsCreatedKey(t *testing.T) {
	mgr, sim := newTestManager(t)
	require.NoError(t, sim.Registry().CreateKey(registry.CurrentUser, `Software`))
	identity := newIdentity("new-key")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.SetRegistryValue(ctx, sim, registry.CurrentUser, `Software\Vendor\App`, "Enabled", registry.DWordValue(0))
	}))

	l, err := mgr.Load(context.Background(), identity)
	require.NoError(t, err)
	steps, err := l.DecodeSteps()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, &revert.RegistryKeyStep{Root: registry.CurrentUser, Path: `Software\Vendor`}, steps[0])
	assert.Equal(t, revert.KindRegistryValue, steps[1].Kind())

	_, err = mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	assert.False(t, sim.KeyExists(registry.CurrentUser, `Software\Vendor`))
	assert.True(t, sim.KeyExists(registry.CurrentUser, `Software`))
}

func TestSetRegistryValue_InvalidRoot(t *testing.T) {
	mgr, sim := newTestManager(t)
	err := applyWith(t, mgr, newIdentity("bad-root"), func(ctx context.Context) error {
		return revert.SetRegistryValue(ctx, sim, registry.Root("HKXX"), `a`, "b", registry.DWordValue(1))
	})
	assert.ErrorIs(t, err, registry.ErrInvalidRoot)
	assert.Empty(t, sim.Operations())
}

func TestSetRegistryValue_FailedWriteRecordsNothing(t *testing.T) {
	mgr, sim := newTestManager(t)
	require.NoError(t, sim.Registry().CreateKey(registry.LocalMachine, policyKey))
	sim.Config().SetFailure(simulation.OpRegistrySet, "*", "access denied")
	identity := newIdentity("denied")

	err := applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.SetRegistryValue(ctx, sim, registry.LocalMachine, policyKey, "A", registry.DWordValue(1))
	})
	assert.Error(t, err)
	assert.False(t, mgr.IsApplied(context.Background(), identity))
}

func TestDeleteRegistryValue(t *testing.T) {
	mgr, sim := newTestManager(t)
	require.NoError(t, sim.Registry().SetValue(registry.LocalMachine, policyKey, "AllowTelemetry", registry.DWordValue(3)))
	identity := newIdentity("delete-value")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		if err := revert.DeleteRegistryValue(ctx, sim, registry.LocalMachine, policyKey, "AllowTelemetry"); err != nil {
			return err
		}
		// Missing values are skipped
		return revert.DeleteRegistryValue(ctx, sim, registry.LocalMachine, policyKey, "NotThere")
	}))

	_, ok := sim.GetValue(registry.LocalMachine, policyKey, "AllowTelemetry")
	assert.False(t, ok)
	l, err := mgr.Load(context.Background(), identity)
	require.NoError(t, err)
	assert.Len(t, l.Steps, 1)

	_, err = mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	v, ok := sim.GetValue(registry.LocalMachine, policyKey, "AllowTelemetry")
	require.True(t, ok)
	assert.Equal(t, registry.DWordValue(3), v)
}

func TestSetServiceStartup_MissingService(t *testing.T) {
	mgr, sim := newTestManager(t)
	identity := newIdentity("missing-service")

	err := applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.SetServiceStartup(ctx, sim, "NoSuchService", service.Disabled)
	})
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.False(t, mgr.IsApplied(context.Background(), identity))
}

func TestServiceStartupStep_UninstalledServiceIsReverted(t *testing.T) {
	mgr, sim := newTestManager(t)
	identity := newIdentity("uninstalled")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.SetServiceStartup(ctx, sim, "SysMain", service.Disabled)
	}))
	sim.Services().Uninstall("SysMain")

	result, err := mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, result.Status)
}

func TestDeleteFile_RestoredOnRevert(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "cache", "thumbs.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("thumbnail data"), 0644))
	identity := newIdentity("clear-thumbs")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		if err := revert.DeleteFile(ctx, target); err != nil {
			return err
		}
		// Missing paths are skipped
		return revert.DeleteFile(ctx, filepath.Join(dir, "not-there"))
	}))

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	backups, err := os.ReadDir(mgr.BackupDir(identity))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	result, err := mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, result.Status)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "thumbnail data", string(data))

	_, err = os.Stat(mgr.BackupDir(identity))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteFile_Directory(t *testing.T) {
	mgr, _ := newTestManager(t)
	target := filepath.Join(t.TempDir(), "Prefetch")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "sub", "a.pf"), []byte("a"), 0644))
	identity := newIdentity("clear-prefetch")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		return revert.DeleteFile(ctx, target)
	}))
	_, err := os.Stat(target)
	require.True(t, os.IsNotExist(err))

	_, err = mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(target, "sub", "a.pf"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestFileDeleteStep_AlreadyRestored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restored.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	step := &revert.FileDeleteStep{Path: path, Backup: filepath.Join(dir, "gone")}
	assert.NoError(t, step.Revert(context.Background(), simulation.NewSystem(nil)))

	missing := &revert.FileDeleteStep{Path: filepath.Join(dir, "lost"), Backup: filepath.Join(dir, "gone")}
	assert.Error(t, missing.Revert(context.Background(), simulation.NewSystem(nil)))
}

func TestRunWithUndo(t *testing.T) {
	mgr, sim := newTestManager(t)
	sim.Config().SetFailure(simulation.OpRunCommand, "powercfg /h off --broken", "invalid parameters")
	identity := newIdentity("hibernate")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		res, err := revert.RunWithUndo(ctx, sim, shell.Direct("powercfg /h off"), shell.Direct("powercfg /h on"))
		if err != nil {
			return err
		}
		assert.True(t, res.Succeeded())

		// A failing command records no undo
		_, err = revert.RunWithUndo(ctx, sim, shell.Direct("powercfg /h off --broken"), shell.Direct("never"))
		assert.Error(t, err)

		// An undo command is mandatory
		_, err = revert.RunWithUndo(ctx, sim, shell.Direct("echo"), shell.Request{})
		assert.ErrorIs(t, err, shell.ErrEmptyCommand)
		return nil
	}))

	l, err := mgr.Load(context.Background(), identity)
	require.NoError(t, err)
	steps, err := l.DecodeSteps()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, &revert.ShellCommandStep{Command: "powercfg /h on", Mode: shell.ModeDirect}, steps[0])

	_, err = mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	commands := sim.Commands()
	assert.Equal(t, "powercfg /h on", commands[len(commands)-1])
}

// requestRecorder keeps every request it is asked to run
type requestRecorder struct {
	requests []shell.Request
}

func (r *requestRecorder) Run(ctx context.Context, req shell.Request) (*shell.Result, error) {
	r.requests = append(r.requests, req)
	return &shell.Result{Command: req.Command, Mode: req.Mode}, nil
}

func TestRunWithUndo_KeepsEnvAndTimeout(t *testing.T) {
	runner := &requestRecorder{}
	sys := simulation.NewSystem(nil)
	sys.Shell = runner
	mgr := revert.NewManager(revert.NewStore(t.TempDir()), sys)
	identity := newIdentity("indexer")

	undoReq := shell.Request{
		Command: "indexer enable",
		Mode:    shell.ModeDirect,
		Env:     []string{"INDEXER_PROFILE=default"},
		Timeout: 90 * time.Second,
	}
	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		_, err := revert.RunWithUndo(ctx, runner, shell.Direct("indexer disable"), undoReq)
		if err != nil {
			return err
		}

		// A malformed undo is refused before the command runs
		bad := shell.Request{Command: "indexer enable", Mode: shell.ModeDirect, Env: []string{"NOEQUALS"}}
		_, err = revert.RunWithUndo(ctx, runner, shell.Direct("indexer pause"), bad)
		assert.Error(t, err)
		return nil
	}))
	require.Len(t, runner.requests, 1)

	l, err := mgr.Load(context.Background(), identity)
	require.NoError(t, err)
	steps, err := l.DecodeSteps()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, &revert.ShellCommandStep{
		Command: "indexer enable",
		Mode:    shell.ModeDirect,
		Env:     []string{"INDEXER_PROFILE=default"},
		Timeout: 90 * time.Second,
	}, steps[0])

	result, err := mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, result.Status)
	require.Len(t, runner.requests, 2)
	assert.Equal(t, undoReq, runner.requests[1])
}

func TestRunWithUndo_LocalShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	store := revert.NewStore(filepath.Join(dir, "Revert"))
	sys := simulation.NewSystem(nil)
	sys.Shell = shell.NewLocalRunner(0)
	mgr := revert.NewManager(store, sys)
	identity := newIdentity("marker")

	require.NoError(t, applyWith(t, mgr, identity, func(ctx context.Context) error {
		_, err := revert.RunWithUndo(ctx, sys.Shell, shell.Direct("touch '"+marker+"'"), shell.Direct("rm -f '"+marker+"'"))
		return err
	}))
	_, err := os.Stat(marker)
	require.NoError(t, err)

	_, err = mgr.Revert(context.Background(), identity)
	require.NoError(t, err)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}
