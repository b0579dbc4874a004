package revert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zph/sysopt/pkg/optimization"
)

// FormatVersion is written into every log; other versions are refused
const FormatVersion = 1

// Log is the persisted undo record of one applied optimization. Steps are
// kept in application order and replayed in reverse.
type Log struct {
	Version          int       `json:"version"`
	OptimizationID   uuid.UUID `json:"optimizationId"`
	OptimizationKey  string    `json:"optimizationKey,omitempty"`
	OptimizationName string    `json:"optimizationName"`
	AppliedAt        time.Time `json:"appliedAt"`
	Steps            []Record  `json:"steps"`
}

// NewLog encodes steps into a log
func NewLog(identity optimization.Identity, displayName string, appliedAt time.Time, steps []Step) (*Log, error) {
	if identity.IsZero() {
		return nil, fmt.Errorf("optimization identity is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("a revert log needs at least one step")
	}

	records := make([]Record, 0, len(steps))
	for i, step := range steps {
		rec, err := EncodeStep(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		records = append(records, rec)
	}

	return &Log{
		Version:          FormatVersion,
		OptimizationID:   identity.ID,
		OptimizationKey:  identity.Key,
		OptimizationName: displayName,
		AppliedAt:        appliedAt.UTC(),
		Steps:            records,
	}, nil
}

// ParseLog decodes and validates a persisted log. Any problem, including a
// single unknown or malformed step, rejects the whole log with ErrUntrustedLog.
func ParseLog(data []byte) (*Log, error) {
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedLog, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// peekLabels reads the key and name of a log without validating it. Both are
// empty when the document is not JSON.
func peekLabels(data []byte) (key, name string) {
	var envelope struct {
		Key  string `json:"optimizationKey"`
		Name string `json:"optimizationName"`
	}
	if json.Unmarshal(data, &envelope) != nil {
		return "", ""
	}
	return envelope.Key, envelope.Name
}

// Validate checks the envelope and every step
func (l *Log) Validate() error {
	// Logs written without a version field predate versioning
	if l.Version != 0 && l.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrUntrustedLog, l.Version)
	}
	if l.OptimizationID == uuid.Nil {
		return fmt.Errorf("%w: missing optimizationId", ErrUntrustedLog)
	}
	if len(l.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrUntrustedLog)
	}
	if _, err := l.DecodeSteps(); err != nil {
		return err
	}
	return nil
}

// DecodeSteps rebuilds the steps in application order
func (l *Log) DecodeSteps() ([]Step, error) {
	steps := make([]Step, 0, len(l.Steps))
	for i, rec := range l.Steps {
		step, err := DecodeStep(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrUntrustedLog, i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Identity returns the identity the log is keyed by
func (l *Log) Identity() optimization.Identity {
	return optimization.NewIdentity(l.OptimizationID, l.OptimizationKey)
}

// Marshal renders the log as indented JSON
func (l *Log) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revert log: %w", err)
	}
	return data, nil
}
