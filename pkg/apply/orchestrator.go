// Package apply runs batches of optimizations, one revert transaction per
// optimization, and records each batch as a run.
package apply

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/system"
)

// ErrOptimizationPanicked wraps a panic recovered from an optimization's Apply
var ErrOptimizationPanicked = errors.New("optimization panicked")

// ItemStatus is the outcome of one optimization in a batch
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemResult is the outcome of one optimization
type ItemResult struct {
	Index    int
	Identity optimization.Identity
	Name     string
	Status   ItemStatus

	// Message is the failure reported by the optimization itself
	Message string
	// Err is an unexpected fault: a returned error or a recovered panic
	Err   error
	Retry optimization.RetryFunc

	// Steps is the number of revert steps recorded
	Steps int
	// RevertErr is set when the steps could not be persisted; the changes
	// stand but cannot be undone
	RevertErr error

	Duration time.Duration
}

// Failure returns the item's failure as an error, or nil
func (r *ItemResult) Failure() error {
	switch {
	case r.Err != nil:
		return r.Err
	case r.Message != "":
		return errors.New(r.Message)
	case r.Status == ItemFailed:
		return errors.New("optimization failed")
	}
	return nil
}

// BatchResult aggregates a batch
type BatchResult struct {
	RunID     string
	Items     []*ItemResult
	Attempted int
	Failed    int
	Skipped   int
	Cancelled bool
}

// Failures returns the failed items in batch order
func (b *BatchResult) Failures() []*ItemResult {
	var failed []*ItemResult
	for _, item := range b.Items {
		if item.Status == ItemFailed {
			failed = append(failed, item)
		}
	}
	return failed
}

// Succeeded reports a batch with no failed and no skipped items
func (b *BatchResult) Succeeded() bool {
	return b.Failed == 0 && b.Skipped == 0
}

// Reporter receives coarse batch progress and the fine progress reported
// by the running optimization. Calls are made from the batch goroutine.
type Reporter interface {
	ItemStarted(index, total int, name string)
	ItemProgress(index int, percent float64, message string)
	ItemFinished(index int, result *ItemResult)
}

// NopReporter discards progress
type NopReporter struct{}

func (NopReporter) ItemStarted(int, int, string)      {}
func (NopReporter) ItemProgress(int, float64, string) {}
func (NopReporter) ItemFinished(int, *ItemResult)     {}

// Orchestrator applies optimizations sequentially
type Orchestrator struct {
	manager   *revert.Manager
	sys       *system.System
	log       logrus.FieldLogger
	reporter  Reporter
	states    *StateManager
	hooks     *HookManager
	simulated bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithReporter sets the progress reporter
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithStateManager records every batch as a run under the manager's directory
func WithStateManager(states *StateManager) Option {
	return func(o *Orchestrator) {
		o.states = states
	}
}

// WithHooks runs batch hooks
func WithHooks(hooks *HookManager) Option {
	return func(o *Orchestrator) {
		o.hooks = hooks
	}
}

// WithSimulated marks recorded runs as simulated
func WithSimulated(simulated bool) Option {
	return func(o *Orchestrator) {
		o.simulated = simulated
	}
}

// NewOrchestrator creates an orchestrator applying against sys and recording
// revert logs through manager
func NewOrchestrator(manager *revert.Manager, sys *system.System, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		manager:  manager,
		sys:      sys,
		log:      logrus.StandardLogger().WithField("component", "apply"),
		reporter: NopReporter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run applies opts in order. A failing optimization never stops the batch;
// cancellation of ctx is checked between optimizations and the remaining
// ones are reported as skipped. The returned error covers only problems
// that prevent the batch from starting.
func (o *Orchestrator) Run(ctx context.Context, opts []optimization.Optimization) (*BatchResult, error) {
	if err := validateBatch(opts); err != nil {
		return nil, err
	}

	state := NewRunState("apply", opts)
	state.Simulated = o.simulated
	result := &BatchResult{RunID: state.RunID, Items: make([]*ItemResult, 0, len(opts))}
	log := o.log.WithField("run_id", state.RunID)

	snapshot := system.Capture(ctx, o.sys.Shell)
	state.SetSnapshot(snapshot)
	state.UpdateStatus(StatusRunning)
	o.saveState(log, state)

	if err := o.runHook(ctx, HookBeforeBatch, state); err != nil {
		for i, opt := range opts {
			result.Items = append(result.Items, skipped(i, opt))
			state.SkipItem(i, "before_batch hook failed")
		}
		result.Skipped = len(opts)
		state.UpdateStatus(StatusFailed)
		o.saveState(log, state)
		return result, err
	}

	log.WithFields(logrus.Fields{"count": len(opts), "os": snapshot.String()}).Info("applying optimizations")

	total := len(opts)
	for i, opt := range opts {
		if ctx.Err() != nil {
			result.Cancelled = true
			for j := i; j < total; j++ {
				item := skipped(j, opts[j])
				result.Items = append(result.Items, item)
				result.Skipped++
				state.SkipItem(j, "cancelled")
				o.reporter.ItemFinished(j, item)
			}
			break
		}

		o.reporter.ItemStarted(i, total, opt.Name())
		state.StartItem(i)

		item := o.applyOne(ctx, i, opt, snapshot)
		result.Items = append(result.Items, item)
		result.Attempted++

		if item.Status == ItemFailed {
			result.Failed++
			state.FailItem(i, item.Steps, item.Failure())
		} else {
			state.CompleteItem(i, item.Steps)
		}
		if item.RevertErr != nil {
			state.Log("warn", item.Identity.Key, fmt.Sprintf("Revert data unavailable: %v", item.RevertErr))
		}
		o.reporter.ItemFinished(i, item)
		o.saveState(log, state)
	}

	if result.Failed > 0 {
		if err := o.runHook(context.WithoutCancel(ctx), HookOnError, state); err != nil {
			log.WithError(err).Warn("on_error hook failed")
		}
	}

	switch {
	case result.Cancelled:
		state.UpdateStatus(StatusCancelled)
	case result.Failed > 0:
		state.UpdateStatus(StatusFailed)
	default:
		state.UpdateStatus(StatusCompleted)
	}

	if err := o.runHook(context.WithoutCancel(ctx), HookAfterBatch, state); err != nil {
		log.WithError(err).Warn("after_batch hook failed")
	}
	o.saveState(log, state)

	log.WithFields(logrus.Fields{
		"attempted": result.Attempted,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("batch finished")
	return result, nil
}

// applyOne runs one optimization inside its own transaction. The
// transaction is closed on every path, including a panic in Apply.
func (o *Orchestrator) applyOne(ctx context.Context, index int, opt optimization.Optimization, snapshot system.Snapshot) (res *ItemResult) {
	identity := opt.Identity()
	res = &ItemResult{Index: index, Identity: identity, Name: opt.Name()}
	start := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"optimization":    identity.Key,
		"optimization_id": identity.ID.String(),
	})

	tx, err := o.manager.Begin(identity, opt.Name(), log)
	if err != nil {
		res.Status = ItemFailed
		res.Err = fmt.Errorf("failed to open revert transaction: %w", err)
		res.Duration = time.Since(start)
		return res
	}

	// The optimization finishes its current mutation even if the batch is
	// cancelled.
	itemCtx := revert.NewContext(context.WithoutCancel(ctx), tx)

	defer func() {
		res.Steps = tx.Len()
		if err := tx.Close(itemCtx); err != nil {
			res.RevertErr = err
			log.WithError(err).Warn("changes were applied but cannot be reverted")
		}
		res.Duration = time.Since(start)
	}()
	defer func() {
		if r := recover(); r != nil {
			res.Status = ItemFailed
			res.Err = fmt.Errorf("%w: %v", ErrOptimizationPanicked, r)
			log.WithField("stack", string(debug.Stack())).WithError(res.Err).Error("optimization panicked")
		}
	}()

	progress := optimization.ProgressFunc(func(percent float64, message string) {
		o.reporter.ItemProgress(index, percent, message)
	})
	env := &optimization.Env{
		Logger:   log,
		Snapshot: snapshot,
		System:   o.sys,
	}

	applied, err := opt.Apply(itemCtx, progress, env)
	switch {
	case err != nil:
		res.Status = ItemFailed
		res.Err = err
		log.WithError(err).Error("optimization failed unexpectedly")
	case !applied.Succeeded():
		res.Status = ItemFailed
		res.Message = applied.Message
		res.Retry = applied.Retry
		log.Warnf("optimization failed: %s", applied.Message)
	default:
		res.Status = ItemSucceeded
		log.Info("optimization applied")
	}
	return res
}

func (o *Orchestrator) runHook(ctx context.Context, event HookEvent, state *RunState) error {
	if o.hooks == nil {
		return nil
	}
	return o.hooks.ExecuteHook(ctx, event, state)
}

func (o *Orchestrator) saveState(log logrus.FieldLogger, state *RunState) {
	if o.states == nil {
		return
	}
	if err := o.states.SaveState(state); err != nil {
		log.WithError(err).Warn("failed to save run state")
	}
}

func skipped(index int, opt optimization.Optimization) *ItemResult {
	return &ItemResult{
		Index:    index,
		Identity: opt.Identity(),
		Name:     opt.Name(),
		Status:   ItemSkipped,
	}
}

// validateBatch rejects nil entries, missing identities and duplicates
func validateBatch(opts []optimization.Optimization) error {
	seen := make(map[string]int, len(opts))
	for i, opt := range opts {
		if opt == nil {
			return fmt.Errorf("optimization %d is nil", i)
		}
		identity := opt.Identity()
		if identity.IsZero() {
			return fmt.Errorf("optimization %d (%s) has no id", i, opt.Name())
		}
		if prev, ok := seen[identity.ID.String()]; ok {
			return fmt.Errorf("optimization %s appears twice (positions %d and %d)", identity, prev, i)
		}
		seen[identity.ID.String()] = i
	}
	return nil
}
