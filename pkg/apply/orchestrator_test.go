package apply_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/simulation"
)

const policyKey = `SOFTWARE\Policies\Microsoft\Windows\DataCollection`

type applyFunc func(ctx context.Context, progress optimization.Progress, env *optimization.Env) (optimization.Result, error)

type funcOptimization struct {
	identity optimization.Identity
	name     string
	apply    applyFunc
}

func (f *funcOptimization) Identity() optimization.Identity { return f.identity }
func (f *funcOptimization) Name() string                    { return f.name }
func (f *funcOptimization) Apply(ctx context.Context, progress optimization.Progress, env *optimization.Env) (optimization.Result, error) {
	return f.apply(ctx, progress, env)
}

func newOptimization(key string, fn applyFunc) *funcOptimization {
	return &funcOptimization{
		identity: optimization.NewIdentity(uuid.New(), key),
		name:     "Optimization " + key,
		apply:    fn,
	}
}

type recordingReporter struct {
	started  []string
	progress []string
	finished []apply.ItemStatus
}

func (r *recordingReporter) ItemStarted(index, total int, name string) {
	r.started = append(r.started, name)
}

func (r *recordingReporter) ItemProgress(index int, percent float64, message string) {
	r.progress = append(r.progress, message)
}

func (r *recordingReporter) ItemFinished(index int, result *apply.ItemResult) {
	r.finished = append(r.finished, result.Status)
}

type fixture struct {
	sim      *simulation.Simulator
	manager  *revert.Manager
	states   *apply.StateManager
	reporter *recordingReporter
	orch     *apply.Orchestrator
}

func newFixture(t *testing.T, opts ...apply.Option) *fixture {
	t.Helper()
	root := t.TempDir()
	logger, _ := test.NewNullLogger()
	sim := simulation.NewSimulator(nil)
	manager := revert.NewManager(revert.NewStore(filepath.Join(root, "Revert")), sim.System(), revert.WithLogger(logger))
	states := apply.NewStateManager(filepath.Join(root, "Runs"))
	reporter := &recordingReporter{}

	opts = append([]apply.Option{
		apply.WithLogger(logger),
		apply.WithReporter(reporter),
		apply.WithStateManager(states),
	}, opts...)

	return &fixture{
		sim:      sim,
		manager:  manager,
		states:   states,
		reporter: reporter,
		orch:     apply.NewOrchestrator(manager, sim.System(), opts...),
	}
}

func setValue(name string, value uint32) applyFunc {
	return func(ctx context.Context, _ optimization.Progress, env *optimization.Env) (optimization.Result, error) {
		err := revert.SetRegistryValue(ctx, env.System.Registry, registry.LocalMachine, policyKey, name, registry.DWordValue(value))
		return optimization.Success(), err
	}
}

func TestOrchestrator_AppliesAndRecords(t *testing.T) {
	f := newFixture(t)
	f.sim.Services().Install("S", service.Automatic)

	x := newOptimization("x", func(ctx context.Context, progress optimization.Progress, env *optimization.Env) (optimization.Result, error) {
		progress.Report(0, "writing policy")
		if err := revert.SetRegistryValue(ctx, env.System.Registry, registry.LocalMachine, policyKey, "A", registry.DWordValue(1)); err != nil {
			return optimization.Result{}, err
		}
		progress.Report(50, "disabling service")
		if err := revert.SetServiceStartup(ctx, env.System.Services, "S", service.Disabled); err != nil {
			return optimization.Result{}, err
		}
		return optimization.Success(), nil
	})

	result, err := f.orch.Run(context.Background(), []optimization.Optimization{x})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Attempted)
	require.Len(t, result.Items, 1)
	assert.Equal(t, apply.ItemSucceeded, result.Items[0].Status)
	assert.Equal(t, 3, result.Items[0].Steps) // created key, value, service
	assert.Nil(t, result.Items[0].RevertErr)

	assert.Equal(t, []string{"Optimization x"}, f.reporter.started)
	assert.Equal(t, []string{"writing policy", "disabling service"}, f.reporter.progress)
	assert.True(t, f.manager.IsApplied(context.Background(), x.Identity()))
	assert.Nil(t, f.manager.Current())

	reverted, err := f.manager.Revert(context.Background(), x.Identity())
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, reverted.Status)
	_, ok := f.sim.GetValue(registry.LocalMachine, policyKey, "A")
	assert.False(t, ok)
	startup, err := f.sim.StartupType("S")
	require.NoError(t, err)
	assert.Equal(t, service.Automatic, startup)

	run, err := f.states.LoadState(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, apply.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.Items[0].Steps)
	assert.NotEmpty(t, run.Snapshot.OS)
}

// The second mutation panics after the first one was recorded
func TestOrchestrator_PanicAfterFirstStep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sim.Registry().CreateKey(registry.LocalMachine, policyKey))

	y := newOptimization("y", func(ctx context.Context, _ optimization.Progress, env *optimization.Env) (optimization.Result, error) {
		if err := revert.SetRegistryValue(ctx, env.System.Registry, registry.LocalMachine, policyKey, "B", registry.DWordValue(1)); err != nil {
			return optimization.Result{}, err
		}
		panic("service controller went away")
	})
	after := newOptimization("after", setValue("C", 2))

	result, err := f.orch.Run(context.Background(), []optimization.Optimization{y, after})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Failed)

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, y.Identity(), failures[0].Identity)
	assert.ErrorIs(t, failures[0].Err, apply.ErrOptimizationPanicked)
	assert.Contains(t, failures[0].Err.Error(), "service controller went away")
	assert.Equal(t, 1, failures[0].Steps)

	// The batch continued past the panic
	assert.Equal(t, apply.ItemSucceeded, result.Items[1].Status)
	assert.Nil(t, f.manager.Current())

	l, err := f.manager.Load(context.Background(), y.Identity())
	require.NoError(t, err)
	assert.Len(t, l.Steps, 1)

	reverted, err := f.manager.Revert(context.Background(), y.Identity())
	require.NoError(t, err)
	assert.Equal(t, revert.StatusReverted, reverted.Status)
	_, ok := f.sim.GetValue(registry.LocalMachine, policyKey, "B")
	assert.False(t, ok)
	assert.False(t, f.manager.IsApplied(context.Background(), y.Identity()))
}

func TestOrchestrator_ErrorAndMessageFailures(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")

	faulty := newOptimization("faulty", func(context.Context, optimization.Progress, *optimization.Env) (optimization.Result, error) {
		return optimization.Result{}, boom
	})
	declined := newOptimization("declined", func(context.Context, optimization.Progress, *optimization.Env) (optimization.Result, error) {
		return optimization.Failure("edition not supported").WithRetry(func(context.Context) error { return nil }), nil
	})
	fine := newOptimization("fine", setValue("D", 0))

	result, err := f.orch.Run(context.Background(), []optimization.Optimization{faulty, declined, fine})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Failed)
	assert.False(t, result.Succeeded())

	assert.ErrorIs(t, result.Items[0].Err, boom)
	assert.ErrorIs(t, result.Items[0].Failure(), boom)
	assert.Equal(t, "edition not supported", result.Items[1].Message)
	assert.NotNil(t, result.Items[1].Retry)
	assert.EqualError(t, result.Items[1].Failure(), "edition not supported")
	assert.Equal(t, apply.ItemSucceeded, result.Items[2].Status)
	assert.NoError(t, result.Items[2].Failure())

	run, err := f.states.LoadState(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, apply.StatusFailed, run.Status)
	assert.Len(t, run.Errors, 2)
}

func TestOrchestrator_ZeroStepsPersistsNothing(t *testing.T) {
	f := newFixture(t)
	noop := newOptimization("noop", func(context.Context, optimization.Progress, *optimization.Env) (optimization.Result, error) {
		return optimization.Success(), nil
	})

	result, err := f.orch.Run(context.Background(), []optimization.Optimization{noop})
	require.NoError(t, err)
	assert.Equal(t, apply.ItemSucceeded, result.Items[0].Status)
	assert.Equal(t, 0, result.Items[0].Steps)
	assert.False(t, f.manager.IsApplied(context.Background(), noop.Identity()))
}

func TestOrchestrator_CancellationSkipsRemaining(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled bool
	first := newOptimization("first", func(itemCtx context.Context, p optimization.Progress, env *optimization.Env) (optimization.Result, error) {
		cancel()
		// The running optimization is not interrupted
		sawCancelled = itemCtx.Err() != nil
		return setValue("E", 1)(itemCtx, p, env)
	})
	second := newOptimization("second", setValue("F", 1))
	third := newOptimization("third", setValue("G", 1))

	result, err := f.orch.Run(ctx, []optimization.Optimization{first, second, third})
	require.NoError(t, err)
	assert.False(t, sawCancelled)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, apply.ItemSucceeded, result.Items[0].Status)
	assert.Equal(t, apply.ItemSkipped, result.Items[1].Status)
	assert.Equal(t, apply.ItemSkipped, result.Items[2].Status)
	assert.Equal(t, []apply.ItemStatus{apply.ItemSucceeded, apply.ItemSkipped, apply.ItemSkipped}, f.reporter.finished)

	assert.True(t, f.manager.IsApplied(context.Background(), first.Identity()))
	assert.False(t, f.manager.IsApplied(context.Background(), second.Identity()))

	run, err := f.states.LoadState(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, apply.StatusCancelled, run.Status)
}

func TestOrchestrator_RevertDataUnavailable(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "Revert")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0644))

	logger, _ := test.NewNullLogger()
	sim := simulation.NewSimulator(nil)
	manager := revert.NewManager(revert.NewStore(blocker), sim.System(), revert.WithLogger(logger))
	orch := apply.NewOrchestrator(manager, sim.System(), apply.WithLogger(logger))

	opt := newOptimization("unsaved", setValue("H", 1))
	result, err := orch.Run(context.Background(), []optimization.Optimization{opt})
	require.NoError(t, err)

	// The change stands and the apply is not failed
	item := result.Items[0]
	assert.Equal(t, apply.ItemSucceeded, item.Status)
	assert.ErrorIs(t, item.RevertErr, revert.ErrRevertDataUnavailable)
	v, ok := sim.GetValue(registry.LocalMachine, policyKey, "H")
	require.True(t, ok)
	assert.Equal(t, registry.DWordValue(1), v)
	assert.Nil(t, manager.Current())
}

func TestOrchestrator_RejectsInvalidBatch(t *testing.T) {
	f := newFixture(t)
	a := newOptimization("a", setValue("I", 1))
	dup := &funcOptimization{identity: a.identity, name: "dup", apply: a.apply}

	_, err := f.orch.Run(context.Background(), []optimization.Optimization{a, dup})
	assert.Error(t, err)

	nameless := &funcOptimization{name: "nameless", apply: a.apply}
	_, err = f.orch.Run(context.Background(), []optimization.Optimization{nameless})
	assert.Error(t, err)

	_, err = f.orch.Run(context.Background(), []optimization.Optimization{nil})
	assert.Error(t, err)

	// Nothing was attempted
	assert.Empty(t, f.reporter.started)
}

func TestOrchestrator_Hooks(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetFailure(simulation.OpRunCommand, "precheck", "not ready")

	t.Run("before_batch failure aborts", func(t *testing.T) {
		f := newFixture(t)
		sim := simulation.NewSimulator(cfg)
		hooks := apply.NewHookManager(sim)
		hooks.RegisterHook(apply.HookBeforeBatch, &apply.Hook{Command: "precheck"})
		orch := apply.NewOrchestrator(f.manager, f.sim.System(), apply.WithHooks(hooks), apply.WithStateManager(f.states))

		opt := newOptimization("blocked", setValue("J", 1))
		result, err := orch.Run(context.Background(), []optimization.Optimization{opt})
		require.Error(t, err)
		require.NotNil(t, result)
		assert.Equal(t, 0, result.Attempted)
		assert.Equal(t, 1, result.Skipped)
		assert.False(t, f.manager.IsApplied(context.Background(), opt.Identity()))
	})

	t.Run("on_error and after_batch run", func(t *testing.T) {
		f := newFixture(t)
		sim := simulation.NewSimulator(nil)
		hooks := apply.NewHookManager(sim)
		hooks.RegisterHook(apply.HookOnError, &apply.Hook{Command: "notify-failure"})
		hooks.RegisterHook(apply.HookAfterBatch, &apply.Hook{Command: "notify-done"})
		orch := apply.NewOrchestrator(f.manager, f.sim.System(), apply.WithHooks(hooks))

		failing := newOptimization("failing", func(context.Context, optimization.Progress, *optimization.Env) (optimization.Result, error) {
			return optimization.Failure("nope"), nil
		})
		_, err := orch.Run(context.Background(), []optimization.Optimization{failing})
		require.NoError(t, err)
		assert.Equal(t, []string{"notify-failure", "notify-done"}, sim.Commands())
	})
}
