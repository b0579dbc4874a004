package simulation

import (
	"strings"
	"sync"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
)

// RegistryValue seeds one value into the simulated registry
type RegistryValue struct {
	Root  registry.Root
	Path  string
	Name  string
	Value registry.Value
}

// Config describes the simulated machine
type Config struct {
	// Responses maps a command to its stdout
	Responses map[string]string

	// Failures makes matching operations fail
	Failures []ConfiguredFailure

	// Registry values present before the run
	RegistryValues []RegistryValue

	// Services installed before the run, by startup type
	Services map[string]service.StartupType

	mu sync.RWMutex
}

// NewConfig creates a configuration with sensible defaults
func NewConfig() *Config {
	config := &Config{
		Responses:      make(map[string]string),
		Failures:       make([]ConfiguredFailure, 0),
		RegistryValues: make([]RegistryValue, 0),
		Services:       make(map[string]service.StartupType),
	}
	config.setDefaults()
	return config
}

// setDefaults answers the version probes used by system.Capture and seeds
// a few common services
func (c *Config) setDefaults() {
	c.Responses["[System.Environment]::OSVersion.Version.ToString()"] = "10.0.22631.0"
	c.Responses["sw_vers -productVersion"] = "14.4.1"
	c.Responses["uname -r"] = "6.8.0-simulated"
	c.Responses["hostname"] = "simulated-host"

	c.Services["DiagTrack"] = service.Automatic
	c.Services["SysMain"] = service.Automatic
	c.Services["WSearch"] = service.AutomaticDelayed
}

// SetResponse configures the stdout returned for a command
func (c *Config) SetResponse(command, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses[command] = response
}

// GetResponse returns the configured stdout for a command, or ""
func (c *Config) GetResponse(command string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Responses[command]
}

// SetFailure configures an operation to fail
func (c *Config) SetFailure(operation, target, errorMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Failures = append(c.Failures, ConfiguredFailure{
		Operation: operation,
		Target:    target,
		Error:     errorMsg,
	})
}

// ClearFailures removes every configured failure
func (c *Config) ClearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failures = c.Failures[:0]
}

// ShouldFail checks if an operation should fail based on configuration.
// Targets compare case-insensitively; "*" matches any target.
func (c *Config) ShouldFail(operation, target string) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, failure := range c.Failures {
		if failure.Operation != operation {
			continue
		}
		if failure.Target == "*" || strings.EqualFold(failure.Target, target) {
			return true, failure.Error
		}
	}
	return false, ""
}

// AddRegistryValue seeds a registry value
func (c *Config) AddRegistryValue(root registry.Root, path, name string, value registry.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RegistryValues = append(c.RegistryValues, RegistryValue{Root: root, Path: path, Name: name, Value: value})
}

// AddService seeds an installed service
func (c *Config) AddService(name string, startup service.StartupType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Services[name] = startup
}
