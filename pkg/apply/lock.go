package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLocked is returned when another process holds the data-root lock
var ErrLocked = errors.New("data root is locked")

// DefaultLockTimeout bounds how long a crashed holder can block others
const DefaultLockTimeout = time.Hour

// DataLock represents a lock on the data root that keeps two sysopt
// processes from applying or reverting at the same time
type DataLock struct {
	RunID       string    `json:"run_id"`
	Operation   string    `json:"operation"` // "apply", "revert", "discard"
	LockedBy    string    `json:"locked_by"` // "user@host:pid"
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LockTimeout string    `json:"lock_timeout"` // Duration string like "1h"
	RenewCount  int       `json:"renew_count"`  // Number of times lock has been renewed
}

// LockManager manages the data-root lock file
type LockManager struct {
	lockPath string
	log      logrus.FieldLogger
}

// NewLockManager creates a lock manager for the lock file at lockPath
func NewLockManager(lockPath string, log logrus.FieldLogger) *LockManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LockManager{
		lockPath: lockPath,
		log:      log,
	}
}

// AcquireLock takes the lock, or returns ErrLocked while an unexpired lock
// is held by someone else. A missing lock file is created exclusively so two
// processes cannot both win; an expired one is replaced.
func (m *LockManager) AcquireLock(runID, operation string, timeout time.Duration) (*DataLock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	now := time.Now()
	lock := &DataLock{
		RunID:       runID,
		Operation:   operation,
		LockedBy:    getLockedByIdentifier(),
		LockedAt:    now,
		ExpiresAt:   now.Add(timeout),
		LockTimeout: timeout.String(),
	}

	err := m.createLock(lock)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	held, err := m.GetLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v (remove it with 'sysopt unlock --force')", ErrLocked, err)
	}
	if now.Before(held.ExpiresAt) {
		return nil, fmt.Errorf("%w by %s (run: %s, operation: %s, expires: %s)",
			ErrLocked, held.LockedBy, held.RunID, held.Operation,
			held.ExpiresAt.Format(time.RFC3339))
	}

	m.log.WithFields(logrus.Fields{
		"locked_by": held.LockedBy,
		"expired":   held.ExpiresAt.Format(time.RFC3339),
	}).Warn("taking over expired lock")
	if err := m.saveLock(lock); err != nil {
		return nil, fmt.Errorf("failed to save lock: %w", err)
	}
	return lock, nil
}

// RenewLock extends the expiration time of a lock this process owns
func (m *LockManager) RenewLock(lock *DataLock, extension time.Duration) error {
	currentLock, err := m.GetLock()
	if err != nil {
		return fmt.Errorf("lock not found: %w", err)
	}

	// Verify we own the lock
	if currentLock.LockedBy != lock.LockedBy || currentLock.RunID != lock.RunID {
		return fmt.Errorf("cannot renew lock: owned by %s, not %s", currentLock.LockedBy, lock.LockedBy)
	}

	// Verify lock hasn't expired
	if time.Now().After(currentLock.ExpiresAt) {
		return fmt.Errorf("cannot renew expired lock")
	}

	lock.ExpiresAt = time.Now().Add(extension)
	lock.RenewCount++

	if err := m.saveLock(lock); err != nil {
		return fmt.Errorf("failed to save renewed lock: %w", err)
	}

	return nil
}

// ReleaseLock removes the lock if this process owns it or it has expired
func (m *LockManager) ReleaseLock(lock *DataLock) error {
	currentLock, err := m.GetLock()
	if err != nil {
		return nil
	}

	owned := currentLock.LockedBy == lock.LockedBy && currentLock.RunID == lock.RunID
	if !owned && time.Now().Before(currentLock.ExpiresAt) {
		return fmt.Errorf("cannot release lock: owned by %s, not %s", currentLock.LockedBy, lock.LockedBy)
	}

	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	return nil
}

// GetLock retrieves the current lock
func (m *LockManager) GetLock() (*DataLock, error) {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var lock DataLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}

	return &lock, nil
}

// IsLocked checks if an unexpired lock is held
func (m *LockManager) IsLocked() (bool, error) {
	lock, err := m.GetLock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return true, err
	}

	if time.Now().After(lock.ExpiresAt) {
		return false, nil
	}

	return true, nil
}

// StartLockRenewal renews the lock every renewInterval until ctx is done
func (m *LockManager) StartLockRenewal(ctx context.Context, lock *DataLock, renewInterval, extension time.Duration) {
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RenewLock(lock, extension); err != nil {
					m.log.WithError(err).Warn("failed to renew lock")
					return
				}
				m.log.WithFields(logrus.Fields{
					"renew_count": lock.RenewCount,
					"expires":     lock.ExpiresAt.Format(time.RFC3339),
				}).Debug("lock renewed")
			}
		}
	}()
}

// ForceUnlock removes the lock regardless of ownership
func (m *LockManager) ForceUnlock() error {
	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// GetLockPath returns the path to the lock file
func (m *LockManager) GetLockPath() string {
	return m.lockPath
}

func (m *LockManager) encode(lock *DataLock) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lock: %w", err)
	}
	return data, nil
}

// createLock writes the lock file only if none exists; the error wraps
// fs.ErrExist otherwise
func (m *LockManager) createLock(lock *DataLock) error {
	data, err := m.encode(lock)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(m.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(m.lockPath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// saveLock replaces the lock file through a temp file and rename
func (m *LockManager) saveLock(lock *DataLock) error {
	data, err := m.encode(lock)
	if err != nil {
		return err
	}

	tempPath := m.lockPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tempPath, m.lockPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename lock file: %w", err)
	}
	return nil
}

// getLockedByIdentifier identifies this process as user@hostname:pid
func getLockedByIdentifier() string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	pid := os.Getpid()
	return fmt.Sprintf("%s@%s:%d", user, hostname, pid)
}
