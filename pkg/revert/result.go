package revert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zph/sysopt/pkg/optimization"
)

// Status summarizes a revert
type Status string

const (
	StatusNothingToRevert Status = "nothing_to_revert"
	StatusReverted        Status = "reverted"
	StatusPartial         Status = "partial"
)

// StepFailure describes one step whose reversal failed
type StepFailure struct {
	// Index is the step's position in application order
	Index       int
	Kind        Kind
	Description string
	Err         error
	// Retry replays the remaining log and deletes it on success
	Retry optimization.RetryFunc
}

func (f StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s: %s): %v", f.Index, f.Kind, f.Description, f.Err)
}

// Result is the outcome of Manager.Revert
type Result struct {
	Identity  optimization.Identity
	Name      string
	Status    Status
	Attempted int
	Reverted  int
	Failures  []StepFailure
}

// Succeeded reports that nothing is left to undo
func (r *Result) Succeeded() bool {
	return r.Status != StatusPartial
}

// Summary describes a stored log without replaying it
type Summary struct {
	ID        uuid.UUID
	Key       string
	Name      string
	AppliedAt time.Time
	Steps     int
	// Err is set when the log is untrusted
	Err error
}

// Identity returns the summary's identity
func (s Summary) Identity() optimization.Identity {
	return optimization.NewIdentity(s.ID, s.Key)
}

// Trusted reports whether the log passed validation
func (s Summary) Trusted() bool {
	return s.Err == nil
}
