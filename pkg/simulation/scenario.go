package simulation

import (
	"fmt"
	"os"

	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/service"
	"gopkg.in/yaml.v3"
)

// Scenario describes a simulated machine in YAML
type Scenario struct {
	Responses map[string]string `yaml:"responses"`
	Failures  []FailureSpec     `yaml:"failures"`
	Registry  []RegistrySpec    `yaml:"registry"`
	Services  map[string]string `yaml:"services"`
}

// FailureSpec defines when an operation should fail
type FailureSpec struct {
	Operation string `yaml:"operation"`
	Target    string `yaml:"target"`
	Error     string `yaml:"error"`
}

// RegistrySpec seeds one registry value
type RegistrySpec struct {
	Root string             `yaml:"root"`
	Path string             `yaml:"path"`
	Name string             `yaml:"name"`
	Type registry.ValueType `yaml:"type"`
	Data string             `yaml:"data"`
}

// ScenarioFile nests a Scenario under the top-level simulation key
type ScenarioFile struct {
	Simulation Scenario `yaml:"simulation"`
}

// LoadScenarioFromFile loads a simulation scenario from a YAML file
func LoadScenarioFromFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenarioFile ScenarioFile
	if err := yaml.Unmarshal(data, &scenarioFile); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	return &scenarioFile.Simulation, nil
}

// ApplyScenarioToConfig applies a scenario to a simulation config
func ApplyScenarioToConfig(scenario *Scenario, config *Config) error {
	if scenario == nil {
		return nil
	}

	config.mu.Lock()
	defer config.mu.Unlock()

	for command, response := range scenario.Responses {
		config.Responses[command] = response
	}

	for _, failure := range scenario.Failures {
		config.Failures = append(config.Failures, ConfiguredFailure{
			Operation: failure.Operation,
			Target:    failure.Target,
			Error:     failure.Error,
		})
	}

	for i, spec := range scenario.Registry {
		root, ok := registry.ParseRoot(spec.Root)
		if !ok {
			return fmt.Errorf("registry[%d]: %w: %q", i, registry.ErrInvalidRoot, spec.Root)
		}
		value, err := registry.ParseValue(spec.Type, spec.Data)
		if err != nil {
			return fmt.Errorf("registry[%d]: %w", i, err)
		}
		config.RegistryValues = append(config.RegistryValues, RegistryValue{
			Root:  root,
			Path:  spec.Path,
			Name:  spec.Name,
			Value: value,
		})
	}

	for name, text := range scenario.Services {
		startup, err := service.ParseStartupType(text)
		if err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		config.Services[name] = startup
	}

	return nil
}

// LoadConfigWithScenario creates a new config with a scenario applied
func LoadConfigWithScenario(scenarioPath string) (*Config, error) {
	scenario, err := LoadScenarioFromFile(scenarioPath)
	if err != nil {
		return nil, err
	}

	config := NewConfig()
	if err := ApplyScenarioToConfig(scenario, config); err != nil {
		return nil, err
	}
	return config, nil
}
