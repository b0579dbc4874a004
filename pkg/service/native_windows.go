//go:build windows

package service

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc/mgr"
)

// Native drives the Windows service control manager
type Native struct{}

var _ Manager = (*Native)(nil)

// NewNative returns the live service manager
func NewNative() (Manager, error) {
	return &Native{}, nil
}

func openService(name string) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to service manager: %w", err)
	}
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, fmt.Errorf("failed to open service %s: %w", name, err)
	}
	return m, s, nil
}

// StartupType returns the configured startup type or ErrNotFound
func (n *Native) StartupType(name string) (StartupType, error) {
	m, s, err := openService(name)
	if err != nil {
		return "", err
	}
	defer m.Disconnect()
	defer s.Close()

	cfg, err := s.Config()
	if err != nil {
		return "", fmt.Errorf("failed to read config of %s: %w", name, err)
	}

	switch cfg.StartType {
	case windows.SERVICE_BOOT_START:
		return Boot, nil
	case windows.SERVICE_SYSTEM_START:
		return System, nil
	case mgr.StartAutomatic:
		if cfg.DelayedAutoStart {
			return AutomaticDelayed, nil
		}
		return Automatic, nil
	case mgr.StartManual:
		return Manual, nil
	case mgr.StartDisabled:
		return Disabled, nil
	}
	return "", fmt.Errorf("service %s has unknown start type %d", name, cfg.StartType)
}

// SetStartupType changes the startup type or returns ErrNotFound
func (n *Native) SetStartupType(name string, startup StartupType) error {
	m, s, err := openService(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	cfg, err := s.Config()
	if err != nil {
		return fmt.Errorf("failed to read config of %s: %w", name, err)
	}

	cfg.DelayedAutoStart = false
	switch startup {
	case Boot:
		cfg.StartType = windows.SERVICE_BOOT_START
	case System:
		cfg.StartType = windows.SERVICE_SYSTEM_START
	case Automatic:
		cfg.StartType = mgr.StartAutomatic
	case AutomaticDelayed:
		cfg.StartType = mgr.StartAutomatic
		cfg.DelayedAutoStart = true
	case Manual:
		cfg.StartType = mgr.StartManual
	case Disabled:
		cfg.StartType = mgr.StartDisabled
	default:
		return fmt.Errorf("unknown startup type %q", startup)
	}

	if err := s.UpdateConfig(cfg); err != nil {
		return fmt.Errorf("failed to update %s: %w", name, err)
	}
	return nil
}
