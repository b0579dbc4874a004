package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/catalog"
	"github.com/zph/sysopt/pkg/config"
	"github.com/zph/sysopt/pkg/logger"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/paths"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/simulation"
	"github.com/zph/sysopt/pkg/system"
)

// environment is what every command runs against
type environment struct {
	cfg     *config.Config
	layout  *paths.Layout
	sys     *system.System
	sim     *simulation.Simulator
	manager *revert.Manager
	log     logrus.FieldLogger

	// tempRoot is removed by close; set when a simulation owns its data root
	tempRoot string
}

// loadConfig reads the config file and applies flag overrides
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		root := dataDir
		if root == "" {
			root, _ = paths.DefaultRoot()
		}
		if root != "" {
			path = paths.NewLayout(root).ConfigPath()
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupEnvironment loads configuration and wires the system and the revert
// manager. A simulation without --data-dir gets a throwaway data root so it
// never touches real revert logs.
func setupEnvironment() (*environment, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if level, ok := logger.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}
	logger.SetFormat(cfg.LogFormat)

	env := &environment{
		cfg:    cfg,
		layout: cfg.Layout(),
		log:    logger.Component("cli"),
	}

	if simulate && dataDir == "" {
		root, err := os.MkdirTemp("", "sysopt-simulate-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create simulation data root: %w", err)
		}
		env.layout = paths.NewLayout(root)
		env.tempRoot = root
	}
	if err := env.layout.Ensure(); err != nil {
		env.close()
		return nil, err
	}

	if simulate {
		simConfig := simulation.NewConfig()
		if simulateScenario != "" {
			simConfig, err = simulation.LoadConfigWithScenario(simulateScenario)
			if err != nil {
				env.close()
				return nil, fmt.Errorf("failed to load simulation scenario: %w", err)
			}
		}
		env.sim = simulation.NewSimulator(simConfig)
		env.sys = env.sim.System()
	} else {
		env.sys = system.Native(cfg.ShellTimeout())
	}

	env.manager = revert.NewManager(
		revert.NewStore(env.layout.RevertDir()),
		env.sys,
		revert.WithLogger(logger.Component("revert")),
		revert.WithBackupDir(env.layout.BackupDir()),
	)
	if err := env.manager.CleanupTemp(); err != nil {
		env.log.WithError(err).Warn("failed to clean up revert temp files")
	}
	return env, nil
}

func (e *environment) close() {
	if e.tempRoot != "" {
		_ = os.RemoveAll(e.tempRoot)
	}
}

// executor returns the catalog executor. File removals are only recorded
// by the simulator when simulating.
func (e *environment) executor() *catalog.Executor {
	exec := catalog.NewExecutor()
	if e.sim != nil {
		exec.RegisterHandler(catalog.ActionFileDelete, &simulatedFileDelete{sim: e.sim})
	}
	return exec
}

// hooks builds the batch hooks from the config file
func (e *environment) hooks() *apply.HookManager {
	hooks := apply.NewHookManager(e.sys.Shell)
	timeout := e.cfg.HookTimeout()
	hooks.RegisterHook(apply.HookBeforeBatch, &apply.Hook{Command: e.cfg.Hooks.BeforeBatch, Timeout: timeout})
	hooks.RegisterHook(apply.HookAfterBatch, &apply.Hook{Command: e.cfg.Hooks.AfterBatch, Timeout: timeout})
	hooks.RegisterHook(apply.HookOnError, &apply.Hook{Command: e.cfg.Hooks.OnError, Timeout: timeout, ContinueOnError: true})
	return hooks
}

// lock takes the data-root lock and keeps it renewed until release is called
func (e *environment) lock(ctx context.Context, operation string) (func(), error) {
	lm := apply.NewLockManager(e.layout.LockPath(), logger.Component("lock"))
	timeout := e.cfg.LockTimeout()

	e.log.WithField("path", lm.GetLockPath()).Debug("acquiring data lock")
	lock, err := lm.AcquireLock(fmt.Sprintf("%s-%d", operation, os.Getpid()), operation, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire data lock: %w", err)
	}
	e.log.WithField("expires", lock.ExpiresAt.Format(time.RFC3339)).Debug("data lock acquired")

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lm.StartLockRenewal(renewCtx, lock, timeout/2, timeout)

	return func() {
		cancel()
		if err := lm.ReleaseLock(lock); err != nil {
			e.log.WithError(err).Warn("failed to release data lock")
		}
	}, nil
}

// simulatedFileDelete records a file removal on the simulator
type simulatedFileDelete struct {
	catalog.FileDeleteHandler
	sim *simulation.Simulator
}

func (h *simulatedFileDelete) Execute(ctx context.Context, action *catalog.Action, env *optimization.Env) error {
	path := os.ExpandEnv(strings.TrimSpace(action.Path))
	if path == "" {
		return fmt.Errorf("path %q expands to nothing", action.Path)
	}
	return h.sim.DeleteFile(path)
}
