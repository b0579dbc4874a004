package simulation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
	"github.com/zph/sysopt/pkg/system"
)

// Simulator stands in for the registry, the service manager and the shell.
// Mutations land in in-memory collaborators and are recorded as operations;
// commands return configured responses and never run.
type Simulator struct {
	config   *Config
	state    *State
	registry *registry.Memory
	services *service.Memory
	mu       sync.Mutex
}

var (
	_ registry.Registry = (*Simulator)(nil)
	_ service.Manager   = (*Simulator)(nil)
	_ shell.Runner      = (*Simulator)(nil)
)

// NewSimulator creates a simulator seeded from config
func NewSimulator(config *Config) *Simulator {
	if config == nil {
		config = NewConfig()
	}

	config.mu.RLock()
	reg := registry.NewMemory()
	for _, v := range config.RegistryValues {
		_ = reg.SetValue(v.Root, v.Path, v.Name, v.Value)
	}
	services := service.NewMemory(config.Services)
	config.mu.RUnlock()

	return &Simulator{
		config:   config,
		state:    NewState(),
		registry: reg,
		services: services,
	}
}

// NewSystem returns a System whose collaborators are all backed by one simulator
func NewSystem(config *Config) *system.System {
	return NewSimulator(config).System()
}

// System wires the simulator into every collaborator slot
func (s *Simulator) System() *system.System {
	return &system.System{Registry: s, Services: s, Shell: s}
}

// Config returns the simulator's configuration
func (s *Simulator) Config() *Config {
	return s.config
}

// Operations returns a copy of the recorded operations
func (s *Simulator) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.state.Operations...)
}

// OperationsOfType returns recorded operations of one type in order
func (s *Simulator) OperationsOfType(opType string) []Operation {
	var out []Operation
	for _, op := range s.Operations() {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}

// Commands returns the text of every command that was run, in order
func (s *Simulator) Commands() []string {
	var out []string
	for _, op := range s.OperationsOfType(OpRunCommand) {
		out = append(out, op.Target)
	}
	return out
}

// StartTime returns when the simulator was created
func (s *Simulator) StartTime() time.Time {
	return s.state.StartTime
}

// fail records a configured failure if one matches
func (s *Simulator) fail(opType, target, details string) error {
	if shouldFail, errMsg := s.config.ShouldFail(opType, target); shouldFail {
		s.state.RecordFailure(opType, target, details, errMsg)
		return errors.New(errMsg)
	}
	return nil
}

// ========== Shell ==========

// Run records the command and returns its configured response. A configured
// failure yields exit status 1 with the error text on stderr.
func (s *Simulator) Run(ctx context.Context, req shell.Request) (*shell.Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, shell.ErrEmptyCommand
	}
	mode, err := shell.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &shell.Result{Command: req.Command, Mode: mode}
	if err := s.fail(OpRunCommand, req.Command, string(mode)); err != nil {
		res.ExitCode = 1
		res.Stderr = err.Error()
		return res, nil
	}

	res.Stdout = s.config.GetResponse(req.Command)
	s.state.RecordOperation(OpRunCommand, req.Command, string(mode), map[string]interface{}{
		"output": res.Stdout,
	})
	return res, nil
}

// ========== Registry ==========

// GetValue reads from the simulated registry
func (s *Simulator) GetValue(root registry.Root, path, name string) (registry.Value, bool) {
	return s.registry.GetValue(root, path, name)
}

// SetValue records and applies a registry write
func (s *Simulator) SetValue(root registry.Root, path, name string, value registry.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := registry.Display(root, path, name)
	if err := s.fail(OpRegistrySet, target, value.String()); err != nil {
		return err
	}
	if err := s.registry.SetValue(root, path, name, value); err != nil {
		s.state.RecordFailure(OpRegistrySet, target, value.String(), err.Error())
		return err
	}
	s.state.RecordOperation(OpRegistrySet, target, value.String(), nil)
	return nil
}

// DeleteValue records and applies a registry value delete
func (s *Simulator) DeleteValue(root registry.Root, path, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := registry.Display(root, path, name)
	if err := s.fail(OpRegistryDeleteValue, target, ""); err != nil {
		return err
	}
	if err := s.registry.DeleteValue(root, path, name); err != nil {
		return err
	}
	s.state.RecordOperation(OpRegistryDeleteValue, target, "", nil)
	return nil
}

// KeyExists reads from the simulated registry
func (s *Simulator) KeyExists(root registry.Root, path string) bool {
	return s.registry.KeyExists(root, path)
}

// CreateKey records and applies a key creation
func (s *Simulator) CreateKey(root registry.Root, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := keyTarget(root, path)
	if err := s.fail(OpRegistryCreateKey, target, ""); err != nil {
		return err
	}
	if err := s.registry.CreateKey(root, path); err != nil {
		return err
	}
	s.state.RecordOperation(OpRegistryCreateKey, target, "", nil)
	return nil
}

// DeleteKey records and applies a key delete
func (s *Simulator) DeleteKey(root registry.Root, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := keyTarget(root, path)
	if err := s.fail(OpRegistryDeleteKey, target, ""); err != nil {
		return err
	}
	if err := s.registry.DeleteKey(root, path); err != nil {
		return err
	}
	s.state.RecordOperation(OpRegistryDeleteKey, target, "", nil)
	return nil
}

// Registry exposes the backing registry for assertions
func (s *Simulator) Registry() *registry.Memory {
	return s.registry
}

func keyTarget(root registry.Root, path string) string {
	return string(root) + `\` + registry.CleanPath(path)
}

// ========== Services ==========

// StartupType reads from the simulated service table
func (s *Simulator) StartupType(name string) (service.StartupType, error) {
	return s.services.StartupType(name)
}

// SetStartupType records and applies a startup type change
func (s *Simulator) SetStartupType(name string, startup service.StartupType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpServiceStartup, name, string(startup)); err != nil {
		return err
	}
	if err := s.services.SetStartupType(name, startup); err != nil {
		s.state.RecordFailure(OpServiceStartup, name, string(startup), err.Error())
		return err
	}
	s.state.RecordOperation(OpServiceStartup, name, string(startup), nil)
	return nil
}

// Services exposes the backing service table for assertions
func (s *Simulator) Services() *service.Memory {
	return s.services
}

// ========== Files ==========

// DeleteFile records a file removal. The filesystem is never touched.
func (s *Simulator) DeleteFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpFileDelete, path, ""); err != nil {
		return err
	}
	s.state.RecordOperation(OpFileDelete, path, "", nil)
	return nil
}
