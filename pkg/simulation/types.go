package simulation

import (
	"fmt"
	"time"
)

// Operation types recorded by the simulator
const (
	OpRunCommand          = "run_command"
	OpRegistrySet         = "registry_set"
	OpRegistryDeleteValue = "registry_delete_value"
	OpRegistryCreateKey   = "registry_create_key"
	OpRegistryDeleteKey   = "registry_delete_key"
	OpServiceStartup      = "service_startup"
	OpFileDelete          = "file_delete"
)

// Operation is one recorded mutation or command
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`    // run_command, registry_set, service_startup, etc.
	Target    string                 `json:"target"`  // Command, registry path or service name
	Details   string                 `json:"details"` // Additional information
	Result    string                 `json:"result"`  // success, failure
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Failed reports whether the operation was configured to fail
func (o Operation) Failed() bool {
	return o.Result != "success"
}

// Describe renders one operation for reports
func (o Operation) Describe() string {
	if o.Details == "" {
		return fmt.Sprintf("%s %s", o.Type, o.Target)
	}
	return fmt.Sprintf("%s %s (%s)", o.Type, o.Target, o.Details)
}

// ConfiguredFailure makes one operation fail
type ConfiguredFailure struct {
	Operation string // run_command, registry_set, etc.
	Target    string // Command, path or service name; "*" matches any
	Error     string // Error message to return
}

// State is the operation log of one simulator
type State struct {
	Operations []Operation
	StartTime  time.Time
}

// NewState creates an empty state
func NewState() *State {
	return &State{
		Operations: make([]Operation, 0),
		StartTime:  time.Now(),
	}
}

// RecordOperation adds a successful operation
func (s *State) RecordOperation(opType, target, details string, metadata map[string]interface{}) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "success",
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}

// RecordFailure records a failed operation
func (s *State) RecordFailure(opType, target, details, errorMsg string) {
	s.Operations = append(s.Operations, Operation{
		ID:        generateOperationID(len(s.Operations)),
		Type:      opType,
		Target:    target,
		Details:   details,
		Result:    "failure",
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

func generateOperationID(index int) string {
	return fmt.Sprintf("op-%04d", index+1)
}
