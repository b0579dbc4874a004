// Package service reads and changes the startup type of OS services.
package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the named service is not installed
	ErrNotFound = errors.New("service not found")

	// ErrUnsupported is returned by the native manager on platforms without a service control manager
	ErrUnsupported = errors.New("service control is not supported on this platform")
)

// StartupType is how the service control manager starts a service
type StartupType string

const (
	Boot             StartupType = "boot"
	System           StartupType = "system"
	Automatic        StartupType = "automatic"
	AutomaticDelayed StartupType = "automatic-delayed"
	Manual           StartupType = "manual"
	Disabled         StartupType = "disabled"
)

// ParseStartupType accepts the canonical names plus the common sc.exe spellings
func ParseStartupType(s string) (StartupType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boot":
		return Boot, nil
	case "system":
		return System, nil
	case "automatic", "auto":
		return Automatic, nil
	case "automatic-delayed", "delayed-auto", "delayed":
		return AutomaticDelayed, nil
	case "manual", "demand":
		return Manual, nil
	case "disabled":
		return Disabled, nil
	}
	return "", fmt.Errorf("unknown startup type %q", s)
}

// Manager is the service collaborator
type Manager interface {
	// StartupType returns the configured startup type or ErrNotFound
	StartupType(name string) (StartupType, error)

	// SetStartupType changes the startup type or returns ErrNotFound
	SetStartupType(name string, startup StartupType) error
}
