// Package optimization defines the contract between the apply orchestrator
// and the mutation logic of a single optimization.
package optimization

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zph/sysopt/pkg/system"
)

// Identity names one optimization. ID is the persistence key of its revert
// log; Key is the human-readable handle used on the command line.
type Identity struct {
	ID  uuid.UUID `json:"id" yaml:"id"`
	Key string    `json:"key" yaml:"key"`
}

// NewIdentity builds an identity
func NewIdentity(id uuid.UUID, key string) Identity {
	return Identity{ID: id, Key: strings.TrimSpace(key)}
}

// ParseIdentity builds an identity from a textual UUID
func ParseIdentity(id, key string) (Identity, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid optimization id %q: %w", id, err)
	}
	return NewIdentity(parsed, key), nil
}

// IsZero reports an unset identity
func (i Identity) IsZero() bool {
	return i.ID == uuid.Nil
}

func (i Identity) String() string {
	if i.Key == "" {
		return i.ID.String()
	}
	return fmt.Sprintf("%s (%s)", i.Key, i.ID)
}

// RetryFunc re-attempts a failed operation
type RetryFunc func(ctx context.Context) error

// Result is what Apply returns for an expected outcome. An empty Message
// means success.
type Result struct {
	Message string
	Retry   RetryFunc
}

// Success is the zero Result
func Success() Result {
	return Result{}
}

// Failure builds a failed Result
func Failure(message string) Result {
	if message == "" {
		message = "optimization failed"
	}
	return Result{Message: message}
}

// Failuref builds a failed Result from a format string
func Failuref(format string, args ...interface{}) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// WithRetry attaches a retry action
func (r Result) WithRetry(retry RetryFunc) Result {
	r.Retry = retry
	return r
}

// Succeeded reports an empty message
func (r Result) Succeeded() bool {
	return r.Message == ""
}

// Progress receives fine-grained progress from inside one optimization
type Progress interface {
	Report(percent float64, message string)
}

// ProgressFunc adapts a function to Progress
type ProgressFunc func(percent float64, message string)

// Report implements Progress
func (f ProgressFunc) Report(percent float64, message string) {
	f(percent, message)
}

// NopProgress discards progress
var NopProgress Progress = ProgressFunc(func(float64, string) {})

// Env is handed to Apply. Revert steps are registered through the
// transaction bound to the context passed alongside it.
type Env struct {
	Logger   logrus.FieldLogger
	Snapshot system.Snapshot
	System   *system.System
}

// Optimization is one selectable unit of system mutation.
//
// Apply returns a Result for expected outcomes and an error for unexpected
// faults. Either way, every mutation that should be undoable must have been
// recorded on the transaction carried by ctx before Apply returns.
type Optimization interface {
	Identity() Identity
	Name() string
	Apply(ctx context.Context, progress Progress, env *Env) (Result, error)
}
