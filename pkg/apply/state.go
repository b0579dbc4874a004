package apply

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/system"
)

// RunState tracks one batch run on disk so `sysopt history` can show it
type RunState struct {
	// Identity
	RunID     string `json:"run_id"`
	Operation string `json:"operation"` // "apply"
	Simulated bool   `json:"simulated,omitempty"`

	// Status
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Snapshot system.Snapshot `json:"snapshot"`

	// Progress
	Items []*ItemState `json:"items"`

	// Errors
	Errors []ExecutionError `json:"errors"`

	// Runtime Info
	ExecutionLog []LogEntry `json:"execution_log"`

	// Mutex for concurrent access protection (not serialized)
	mu sync.Mutex `json:"-"`
}

// RunStatus represents the status of a run or of one item in it
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
	StatusCancelled RunStatus = "cancelled"
)

// ItemState tracks one optimization within a run
type ItemState struct {
	Index       int        `json:"index"`
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Status      RunStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Steps       int        `json:"steps"`
	Error       string     `json:"error,omitempty"`
}

// ExecutionError represents an error during execution
type ExecutionError struct {
	Timestamp    time.Time `json:"timestamp"`
	Optimization string    `json:"optimization"`
	Error        string    `json:"error"`
}

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"` // "info", "warn", "error", "debug"
	Optimization string    `json:"optimization,omitempty"`
	Message      string    `json:"message"`
}

// NewRunState creates a pending run for the given optimizations
func NewRunState(operation string, opts []optimization.Optimization) *RunState {
	now := time.Now()
	state := &RunState{
		RunID:        newRunID(now),
		Operation:    operation,
		Status:       StatusPending,
		StartedAt:    now,
		UpdatedAt:    now,
		Items:        make([]*ItemState, 0, len(opts)),
		Errors:       make([]ExecutionError, 0),
		ExecutionLog: make([]LogEntry, 0),
	}
	for i, opt := range opts {
		identity := opt.Identity()
		state.Items = append(state.Items, &ItemState{
			Index:  i,
			ID:     identity.ID.String(),
			Key:    identity.Key,
			Name:   opt.Name(),
			Status: StatusPending,
		})
	}
	return state
}

// newRunID sorts by time when listed by name
func newRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405"), uuid.New().String()[:8])
}

// UpdateStatus updates the overall status
func (s *RunState) UpdateStatus(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Status = status
	s.UpdatedAt = time.Now()

	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		now := time.Now()
		s.CompletedAt = &now
	}
}

// SetSnapshot records the machine the run executed on
func (s *RunState) SetSnapshot(snapshot system.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Snapshot = snapshot
}

// StartItem marks an item as running
func (s *RunState) StartItem(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.itemUnsafe(index)
	if item == nil {
		return
	}
	now := time.Now()
	item.Status = StatusRunning
	item.StartedAt = &now
	s.UpdatedAt = now
	s.logUnsafe("info", item.Key, fmt.Sprintf("Applying: %s", item.Name))
}

// CompleteItem marks an item as applied
func (s *RunState) CompleteItem(index, steps int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.itemUnsafe(index)
	if item == nil {
		return
	}
	now := time.Now()
	item.Status = StatusCompleted
	item.CompletedAt = &now
	item.Steps = steps
	s.UpdatedAt = now
	s.logUnsafe("info", item.Key, fmt.Sprintf("Applied: %s (%d revert steps)", item.Name, steps))
}

// FailItem marks an item as failed
func (s *RunState) FailItem(index, steps int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.itemUnsafe(index)
	if item == nil {
		return
	}
	now := time.Now()
	item.Status = StatusFailed
	item.CompletedAt = &now
	item.Steps = steps
	item.Error = err.Error()

	s.Errors = append(s.Errors, ExecutionError{
		Timestamp:    now,
		Optimization: item.Key,
		Error:        err.Error(),
	})
	s.UpdatedAt = now
	s.logUnsafe("error", item.Key, fmt.Sprintf("Failed: %s - %v", item.Name, err))
}

// SkipItem marks an item as skipped
func (s *RunState) SkipItem(index int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.itemUnsafe(index)
	if item == nil {
		return
	}
	item.Status = StatusSkipped
	item.Error = reason
	s.UpdatedAt = time.Now()
	s.logUnsafe("warn", item.Key, fmt.Sprintf("Skipped: %s - %s", item.Name, reason))
}

func (s *RunState) itemUnsafe(index int) *ItemState {
	if index < 0 || index >= len(s.Items) {
		return nil
	}
	return s.Items[index]
}

// Log adds a log entry (thread-safe)
func (s *RunState) Log(level, optimizationKey, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logUnsafe(level, optimizationKey, message)
}

// logUnsafe adds a log entry without locking (must be called with lock held)
func (s *RunState) logUnsafe(level, optimizationKey, message string) {
	entry := LogEntry{
		Timestamp:    time.Now(),
		Level:        level,
		Optimization: optimizationKey,
		Message:      message,
	}
	s.ExecutionLog = append(s.ExecutionLog, entry)
	s.UpdatedAt = time.Now()
}

// IsComplete returns whether the run has finished
func (s *RunState) IsComplete() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Counts returns how many items ended in each status
func (s *RunState) Counts() map[RunStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[RunStatus]int)
	for _, item := range s.Items {
		counts[item.Status]++
	}
	return counts
}

// SaveToFile saves the state to a file
func (s *RunState) SaveToFile(path string) error {
	// Lock while marshaling to prevent concurrent modifications
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// LoadStateFromFile loads state from a file
func LoadStateFromFile(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return &state, nil
}

// StateManager manages run state persistence
type StateManager struct {
	runsDir string
}

// NewStateManager creates a state manager over runsDir (usually <data-root>/Runs)
func NewStateManager(runsDir string) *StateManager {
	return &StateManager{
		runsDir: runsDir,
	}
}

// GetStateDir returns the state directory
func (m *StateManager) GetStateDir() string {
	return m.runsDir
}

// GetStatePath returns the path to a state file
func (m *StateManager) GetStatePath(runID string) string {
	return filepath.Join(m.runsDir, fmt.Sprintf("%s.json", runID))
}

// SaveState saves the state to disk
func (m *StateManager) SaveState(state *RunState) error {
	return state.SaveToFile(m.GetStatePath(state.RunID))
}

// LoadState loads a state from disk
func (m *StateManager) LoadState(runID string) (*RunState, error) {
	return LoadStateFromFile(m.GetStatePath(runID))
}

// ListStates lists all runs, newest first
func (m *StateManager) ListStates() ([]*RunState, error) {
	entries, err := os.ReadDir(m.runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunState{}, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	states := make([]*RunState, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		state, err := LoadStateFromFile(filepath.Join(m.runsDir, entry.Name()))
		if err != nil {
			// Skip invalid state files
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

// GetLatestState returns the most recent run
func (m *StateManager) GetLatestState() (*RunState, error) {
	states, err := m.ListStates()
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("no state found")
	}
	return states[0], nil
}
