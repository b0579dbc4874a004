package revert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/system"
)

// Manager persists, loads and replays revert logs, and owns the slot for
// the one transaction that may be open at a time.
//
// Calls for the same optimization are serialized; calls for different
// optimizations may run concurrently.
type Manager struct {
	store     *Store
	backupDir string
	sys       *system.System
	log       logrus.FieldLogger
	now       func() time.Time

	mu      sync.Mutex
	current *Transaction

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(log logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock overrides time.Now for appliedAt stamps
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBackupDir sets where file-delete backups are kept.
// The default is a Backup directory next to the store directory.
func WithBackupDir(dir string) ManagerOption {
	return func(m *Manager) {
		if dir != "" {
			m.backupDir = dir
		}
	}
}

// NewManager creates a manager over store; sys is used to replay steps
func NewManager(store *Store, sys *system.System, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		backupDir: filepath.Join(filepath.Dir(store.Dir()), "Backup"),
		sys:       sys,
		log:       logrus.StandardLogger().WithField("component", "revert"),
		now:       time.Now,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store
func (m *Manager) Store() *Store {
	return m.store
}

// BackupDir returns the backup directory for one optimization
func (m *Manager) BackupDir(identity optimization.Identity) string {
	return filepath.Join(m.backupDir, identity.ID.String())
}

// Begin opens a transaction for identity. Only one transaction may be open
// at a time; a second Begin before the first is closed returns
// ErrTransactionActive and leaves the open one untouched.
func (m *Manager) Begin(identity optimization.Identity, displayName string, log logrus.FieldLogger) (*Transaction, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("optimization identity is required")
	}
	if log == nil {
		log = m.log
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, fmt.Errorf("%w: %s is still open", ErrTransactionActive, m.current.identity)
	}

	tx := &Transaction{
		manager:  m,
		identity: identity,
		name:     displayName,
		log: log.WithFields(logrus.Fields{
			"optimization":    identity.Key,
			"optimization_id": identity.ID.String(),
		}),
		openedAt: m.now(),
		state:    StateOpen,
	}
	m.current = tx
	recordTransactionOpened(context.Background())
	return tx, nil
}

// Current returns the open transaction, if any
func (m *Manager) Current() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// release clears the current slot only if it still points at tx
func (m *Manager) release(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == tx {
		m.current = nil
	}
}

func (m *Manager) lockIdentity(id uuid.UUID) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Save persists steps as the revert log for identity, replacing any
// previous log.
func (m *Manager) Save(ctx context.Context, identity optimization.Identity, displayName string, steps []Step) error {
	unlock := m.lockIdentity(identity.ID)
	defer unlock()

	err := m.saveLocked(identity, displayName, m.now(), steps)
	recordSave(ctx, len(steps), err == nil)
	return err
}

func (m *Manager) saveLocked(identity optimization.Identity, displayName string, appliedAt time.Time, steps []Step) error {
	l, err := NewLog(identity, displayName, appliedAt, steps)
	if err != nil {
		return err
	}
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.Write(identity.ID, data); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"optimization_id": identity.ID.String(),
		"steps":           len(steps),
	}).Debug("wrote revert log")
	return nil
}

// IsApplied reports whether a trusted revert log exists for identity
func (m *Manager) IsApplied(ctx context.Context, identity optimization.Identity) bool {
	_, err := m.Load(ctx, identity)
	return err == nil
}

// Load returns the validated log for identity, ErrNotFound, or an error
// wrapping ErrUntrustedLog.
func (m *Manager) Load(ctx context.Context, identity optimization.Identity) (*Log, error) {
	unlock := m.lockIdentity(identity.ID)
	defer unlock()
	return m.loadLocked(identity)
}

func (m *Manager) loadLocked(identity optimization.Identity) (*Log, error) {
	data, err := m.store.Read(identity.ID)
	if err != nil {
		return nil, err
	}
	l, err := ParseLog(data)
	if err != nil {
		return nil, err
	}
	if l.OptimizationID != identity.ID {
		return nil, fmt.Errorf("%w: file for %s holds log of %s", ErrUntrustedLog, identity.ID, l.OptimizationID)
	}
	return l, nil
}

// Revert replays the log for identity in reverse. Every step is attempted
// even when earlier ones fail. The log is deleted only when all steps
// succeed. Otherwise it keeps the first step to fail and every step before
// it, so a later replay restores them in the original order.
//
// A missing log yields StatusNothingToRevert. An untrusted log is refused
// with an error wrapping ErrUntrustedLog and nothing is executed.
func (m *Manager) Revert(ctx context.Context, identity optimization.Identity) (*Result, error) {
	unlock := m.lockIdentity(identity.ID)
	defer unlock()

	// Steps run to completion even if the caller cancels
	ctx = context.WithoutCancel(ctx)

	l, err := m.loadLocked(identity)
	if errors.Is(err, ErrNotFound) {
		recordRevert(ctx, StatusNothingToRevert, 0)
		return &Result{Identity: identity, Status: StatusNothingToRevert}, nil
	}
	if err != nil {
		m.log.WithError(err).WithField("optimization_id", identity.ID.String()).Error("refusing to revert untrusted log")
		return nil, err
	}

	steps, err := l.DecodeSteps()
	if err != nil {
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{
		"optimization":    l.OptimizationName,
		"optimization_id": identity.ID.String(),
	})
	result := &Result{
		Identity:  l.Identity(),
		Name:      l.OptimizationName,
		Attempted: len(steps),
	}

	pending := 0
	retry := m.retryFunc(l.Identity())
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := m.revertStep(ctx, step); err != nil {
			log.WithError(err).WithField("kind", step.Kind()).Warnf("revert step failed: %s", step.Describe())
			result.Failures = append(result.Failures, StepFailure{
				Index:       i,
				Kind:        step.Kind(),
				Description: step.Describe(),
				Err:         err,
				Retry:       retry,
			})
			if pending == 0 {
				pending = i + 1
			}
			continue
		}
		result.Reverted++
		log.WithField("kind", step.Kind()).Debugf("reverted: %s", step.Describe())
	}

	if len(result.Failures) == 0 {
		result.Status = StatusReverted
		if err := m.store.Remove(identity.ID); err != nil {
			return result, err
		}
		m.removeBackups(identity)
		log.WithField("steps", result.Reverted).Info("optimization reverted")
	} else {
		result.Status = StatusPartial
		if pending < len(steps) {
			if err := m.saveLocked(l.Identity(), l.OptimizationName, l.AppliedAt, steps[:pending]); err != nil {
				// The full log is still on disk and replaying it converges too
				log.WithError(err).Warn("failed to trim revert log")
			}
		}
		log.WithFields(logrus.Fields{
			"reverted": result.Reverted,
			"failed":   len(result.Failures),
			"pending":  pending,
		}).Warn("optimization partially reverted")
	}

	recordRevert(ctx, result.Status, len(result.Failures))
	return result, nil
}

func (m *Manager) revertStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("revert step panicked: %v", r)
		}
	}()
	return step.Revert(ctx, m.sys)
}

// retryFunc replays the stored log in reverse, stopping at the first step
// that fails again. The log and backups are removed once every step has
// succeeded. All failures of one revert share the same retry.
func (m *Manager) retryFunc(identity optimization.Identity) optimization.RetryFunc {
	return func(ctx context.Context) error {
		unlock := m.lockIdentity(identity.ID)
		defer unlock()

		ctx = context.WithoutCancel(ctx)

		l, err := m.loadLocked(identity)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		steps, err := l.DecodeSteps()
		if err != nil {
			return err
		}

		for i := len(steps) - 1; i >= 0; i-- {
			if err := m.revertStep(ctx, steps[i]); err != nil {
				return StepFailure{Index: i, Kind: steps[i].Kind(), Description: steps[i].Describe(), Err: err}
			}
		}

		if err := m.store.Remove(identity.ID); err != nil {
			return err
		}
		m.removeBackups(identity)
		m.log.WithField("optimization_id", identity.ID.String()).Info("optimization reverted on retry")
		return nil
	}
}

func (m *Manager) removeBackups(identity optimization.Identity) {
	if err := os.RemoveAll(m.BackupDir(identity)); err != nil {
		m.log.WithError(err).Warn("failed to remove backups")
	}
}

// Discard deletes the log and backups for identity without replaying
// anything. This is the way out for an untrusted log.
func (m *Manager) Discard(ctx context.Context, identity optimization.Identity) error {
	unlock := m.lockIdentity(identity.ID)
	defer unlock()

	if !m.store.Exists(identity.ID) {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if err := m.store.Remove(identity.ID); err != nil {
		return err
	}
	m.removeBackups(identity)
	m.log.WithField("optimization_id", identity.ID.String()).Warn("revert log discarded")
	return nil
}

// List summarizes every stored log, newest first. Untrusted logs are
// included with Err set and whatever key and name could still be read.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		summary := Summary{ID: id}
		l, err := m.Load(ctx, optimization.Identity{ID: id})
		if err != nil {
			summary.Err = err
			// Labels of an untrusted log still let callers find it by key
			if data, readErr := m.store.Read(id); readErr == nil {
				summary.Key, summary.Name = peekLabels(data)
			}
		} else {
			summary.Key = l.OptimizationKey
			summary.Name = l.OptimizationName
			summary.AppliedAt = l.AppliedAt
			summary.Steps = len(l.Steps)
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AppliedAt.After(summaries[j].AppliedAt)
	})
	return summaries, nil
}

// Resolve finds a stored log by optimization id or key
func (m *Manager) Resolve(ctx context.Context, ref string) (optimization.Identity, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		if !m.store.Exists(id) {
			return optimization.Identity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return optimization.Identity{ID: id}, nil
	}

	summaries, err := m.List(ctx)
	if err != nil {
		return optimization.Identity{}, err
	}
	for _, s := range summaries {
		if s.Key != "" && strings.EqualFold(s.Key, ref) {
			return s.Identity(), nil
		}
	}
	return optimization.Identity{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// CleanupTemp removes half-written logs left by a crash
func (m *Manager) CleanupTemp() error {
	removed, err := m.store.CleanupTemp()
	if removed > 0 {
		m.log.WithField("files", removed).Info("removed stale revert temp files")
	}
	return err
}
