// Package catalog loads optimizations declared in YAML. Every action maps
// to one of the revert mutation helpers, so whatever a catalog entry does
// can be undone.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// ActionType names one kind of catalog action
type ActionType string

const (
	ActionRegistrySet    ActionType = "registry_set"
	ActionRegistryDelete ActionType = "registry_delete"
	ActionServiceStartup ActionType = "service_startup"
	ActionFileDelete     ActionType = "file_delete"
	ActionShell          ActionType = "shell"
)

// Catalog is a YAML document of optimization definitions
type Catalog struct {
	Optimizations []*Definition `yaml:"optimizations" validate:"dive,required"`
}

// Definition declares one optimization
type Definition struct {
	ID          string   `yaml:"id" validate:"required,uuid"`
	Key         string   `yaml:"key" validate:"required"`
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description,omitempty"`
	Category    string   `yaml:"category,omitempty"`
	Platforms   []string `yaml:"platforms,omitempty" validate:"dive,oneof=windows linux darwin"`
	// Requires is a version constraint on the OS version, e.g. ">= 10.0.19041"
	Requires string    `yaml:"requires,omitempty"`
	Actions  []*Action `yaml:"actions" validate:"required,min=1,dive,required"`

	id          uuid.UUID
	constraints version.Constraints
}

// Action is one mutation. Which fields apply depends on Type.
type Action struct {
	Type        ActionType `yaml:"type" validate:"required,oneof=registry_set registry_delete service_startup file_delete shell"`
	Description string     `yaml:"description,omitempty"`

	// registry_set, registry_delete
	Root      string `yaml:"root,omitempty"`
	Key       string `yaml:"key,omitempty"`
	Value     string `yaml:"value,omitempty"`
	ValueType string `yaml:"value_type,omitempty"`
	Data      string `yaml:"data,omitempty"`

	// service_startup
	Service       string `yaml:"service,omitempty"`
	Startup       string `yaml:"startup,omitempty"`
	IgnoreMissing bool   `yaml:"ignore_missing,omitempty"`

	// file_delete
	Path string `yaml:"path,omitempty"`

	// shell
	Command        string `yaml:"command,omitempty"`
	Mode           string `yaml:"mode,omitempty"`
	Undo           string `yaml:"undo,omitempty"`
	UndoMode       string `yaml:"undo_mode,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Load reads and validates a catalog file
func Load(path string, exec *Executor) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	cat, err := Decode(f, exec)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes and validates a catalog document
func Parse(data []byte, exec *Executor) (*Catalog, error) {
	return Decode(bytes.NewReader(data), exec)
}

// Decode reads a catalog, rejecting unknown fields, and validates every
// definition and action against exec's handlers
func Decode(r io.Reader, exec *Executor) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := cat.Validate(exec); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks field rules, action parameters and uniqueness of ids and keys
func (c *Catalog) Validate(exec *Executor) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	ids := make(map[uuid.UUID]string)
	keys := make(map[string]string)
	for _, def := range c.Optimizations {
		id, err := uuid.Parse(def.ID)
		if err != nil {
			return fmt.Errorf("optimization %s: invalid id: %w", def.Key, err)
		}
		if other, ok := ids[id]; ok {
			return fmt.Errorf("optimization %s: id %s already used by %s", def.Key, id, other)
		}
		ids[id] = def.Key

		if strings.ContainsAny(def.Key, " \t") {
			return fmt.Errorf("optimization key %q must not contain whitespace", def.Key)
		}
		lower := strings.ToLower(def.Key)
		if _, ok := keys[lower]; ok {
			return fmt.Errorf("duplicate optimization key %q", def.Key)
		}
		keys[lower] = def.Key

		def.id = id
		if def.Requires != "" {
			constraints, err := version.NewConstraint(def.Requires)
			if err != nil {
				return fmt.Errorf("optimization %s: invalid requires %q: %w", def.Key, def.Requires, err)
			}
			def.constraints = constraints
		}

		if exec == nil {
			continue
		}
		for i, action := range def.Actions {
			if err := exec.Validate(action); err != nil {
				return fmt.Errorf("optimization %s: action %d (%s): %w", def.Key, i+1, action.Type, err)
			}
		}
	}
	return nil
}

// Find returns the definition whose key (case-insensitive) or id matches ref
func (c *Catalog) Find(ref string) (*Definition, bool) {
	ref = strings.TrimSpace(ref)
	for _, def := range c.Optimizations {
		if strings.EqualFold(def.Key, ref) || strings.EqualFold(def.ID, ref) {
			return def, true
		}
	}
	return nil, false
}

// Supports reports whether the definition applies to goos and osVersion.
// The returned reason explains a false result.
func (d *Definition) Supports(goos, osVersion string) (bool, string) {
	if len(d.Platforms) > 0 {
		found := false
		for _, p := range d.Platforms {
			if strings.EqualFold(p, goos) {
				found = true
				break
			}
		}
		if !found {
			return false, fmt.Sprintf("not available on %s (supported: %s)", goos, strings.Join(d.Platforms, ", "))
		}
	}

	if d.constraints == nil {
		return true, ""
	}
	v, err := version.NewVersion(osVersion)
	if err != nil {
		return false, fmt.Sprintf("cannot determine OS version %q to check %q", osVersion, d.Requires)
	}
	if !d.constraints.Check(v) {
		return false, fmt.Sprintf("requires OS version %s, found %s", d.Requires, v)
	}
	return true, ""
}

// Describe returns a one-line summary of the action
func (a *Action) Describe() string {
	if a.Description != "" {
		return a.Description
	}
	switch a.Type {
	case ActionRegistrySet:
		return fmt.Sprintf("set %s\\%s\\%s = %s", a.Root, a.Key, a.Value, a.Data)
	case ActionRegistryDelete:
		return fmt.Sprintf("delete %s\\%s\\%s", a.Root, a.Key, a.Value)
	case ActionServiceStartup:
		return fmt.Sprintf("set service %s to %s", a.Service, a.Startup)
	case ActionFileDelete:
		return fmt.Sprintf("delete %s", a.Path)
	case ActionShell:
		return fmt.Sprintf("run %s", a.Command)
	}
	return string(a.Type)
}
