package revert

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zph/sysopt/pkg/optimization"
)

// State is the lifecycle position of a Transaction
type State int

const (
	StateOpen State = iota
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transaction collects the revert steps of one optimization's apply call.
// It is opened by Manager.Begin and must be closed exactly once, normally
// from a defer, which persists the steps.
type Transaction struct {
	manager  *Manager
	identity optimization.Identity
	name     string
	log      logrus.FieldLogger
	openedAt time.Time

	mu       sync.Mutex
	state    State
	steps    []Step
	backups  int
	closeErr error
}

// Identity returns the optimization the transaction belongs to
func (t *Transaction) Identity() optimization.Identity {
	return t.identity
}

// Name returns the optimization display name
func (t *Transaction) Name() string {
	return t.name
}

// Logger returns the transaction's logger
func (t *Transaction) Logger() logrus.FieldLogger {
	return t.log
}

// State returns the current lifecycle state
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddStep records the undo for a mutation that just happened
func (t *Transaction) AddStep(step Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrMalformedStep)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrTransactionClosed, t.identity, t.state)
	}
	t.steps = append(t.steps, step)
	t.log.WithField("kind", step.Kind()).Debugf("recorded revert step: %s", step.Describe())
	return nil
}

// Steps returns a copy of the recorded steps in application order
func (t *Transaction) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}

// Len returns the number of recorded steps
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// BackupPath reserves a unique path under the optimization's backup
// directory for a file that is about to be removed.
func (t *Transaction) BackupPath(original string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen {
		return "", fmt.Errorf("%w: %s is %s", ErrTransactionClosed, t.identity, t.state)
	}
	t.backups++
	name := fmt.Sprintf("%d-%03d-%s", t.openedAt.UnixNano(), t.backups, filepath.Base(original))
	return filepath.Join(t.manager.BackupDir(t.identity), name), nil
}

// Close finalizes the transaction: a non-empty step list is persisted, an
// empty one only logs a warning. The manager's current slot is released on
// every path. Persistence failures are returned wrapped in
// ErrRevertDataUnavailable; the forward mutations are left in place.
//
// Closing twice returns the first result.
func (t *Transaction) Close(ctx context.Context) (err error) {
	t.mu.Lock()
	if t.state != StateOpen {
		err = t.closeErr
		t.mu.Unlock()
		return err
	}
	t.state = StateFinalizing
	steps := append([]Step(nil), t.steps...)
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while saving: %v", ErrRevertDataUnavailable, r)
			t.log.WithError(err).Error("failed to persist revert log")
		}
		t.manager.release(t)

		t.mu.Lock()
		t.state = StateClosed
		t.closeErr = err
		t.mu.Unlock()

		recordTransactionClosed(ctx, len(steps), time.Since(t.openedAt), err == nil)
	}()

	if len(steps) == 0 {
		t.log.Warn("no revert steps recorded; nothing to persist")
		return nil
	}

	if saveErr := t.manager.Save(ctx, t.identity, t.name, steps); saveErr != nil {
		t.log.WithError(saveErr).Error("failed to persist revert log; this optimization cannot be reverted")
		return fmt.Errorf("%w: %w", ErrRevertDataUnavailable, saveErr)
	}

	t.log.WithField("steps", len(steps)).Info("revert log saved")
	return nil
}
