package service

import (
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process service table used by simulation and tests
type Memory struct {
	mu       sync.RWMutex
	services map[string]StartupType
}

var _ Manager = (*Memory)(nil)

// NewMemory creates a service table seeded with the given services
func NewMemory(seed map[string]StartupType) *Memory {
	m := &Memory{services: make(map[string]StartupType)}
	for name, startup := range seed {
		m.services[strings.ToLower(name)] = startup
	}
	return m
}

// Install adds or replaces a service
func (m *Memory) Install(name string, startup StartupType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[strings.ToLower(name)] = startup
}

// Uninstall removes a service
func (m *Memory) Uninstall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, strings.ToLower(name))
}

// StartupType returns the configured startup type or ErrNotFound
func (m *Memory) StartupType(name string) (StartupType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	startup, ok := m.services[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return startup, nil
}

// SetStartupType changes the startup type or returns ErrNotFound
func (m *Memory) SetStartupType(name string, startup StartupType) error {
	parsed, err := ParseStartupType(string(startup))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := m.services[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.services[key] = parsed
	return nil
}
