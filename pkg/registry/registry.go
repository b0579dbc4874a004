// Package registry wraps typed reads and writes against a hierarchical
// key/value registry addressed by a root, a key path and a value name.
package registry

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidRoot is returned by writes against an unknown root.
	ErrInvalidRoot = errors.New("invalid registry root")

	// ErrUnsupported is returned by the native registry on platforms without one.
	ErrUnsupported = errors.New("registry is not supported on this platform")
)

// Root names one of the predefined top-level keys
type Root string

const (
	LocalMachine  Root = "HKLM"
	CurrentUser   Root = "HKCU"
	ClassesRoot   Root = "HKCR"
	Users         Root = "HKU"
	CurrentConfig Root = "HKCC"
)

var rootAliases = map[string]Root{
	"HKLM":                LocalMachine,
	"HKEY_LOCAL_MACHINE":  LocalMachine,
	"HKCU":                CurrentUser,
	"HKEY_CURRENT_USER":   CurrentUser,
	"HKCR":                ClassesRoot,
	"HKEY_CLASSES_ROOT":   ClassesRoot,
	"HKU":                 Users,
	"HKEY_USERS":          Users,
	"HKCC":                CurrentConfig,
	"HKEY_CURRENT_CONFIG": CurrentConfig,
}

// ParseRoot accepts short (HKLM) and long (HKEY_LOCAL_MACHINE) root names
func ParseRoot(s string) (Root, bool) {
	root, ok := rootAliases[strings.ToUpper(strings.TrimSpace(s))]
	return root, ok
}

// Valid reports whether r is one of the predefined roots
func (r Root) Valid() bool {
	switch r {
	case LocalMachine, CurrentUser, ClassesRoot, Users, CurrentConfig:
		return true
	}
	return false
}

// Registry is the collaborator used by mutation logic and revert steps.
// Invalid roots and missing keys never panic: reads report absence and
// deletes of missing entries succeed.
type Registry interface {
	// GetValue returns the value and whether it exists
	GetValue(root Root, path, name string) (Value, bool)

	// SetValue writes a value, creating the key if needed
	SetValue(root Root, path, name string, value Value) error

	// DeleteValue removes a value; a missing value is not an error
	DeleteValue(root Root, path, name string) error

	// KeyExists reports whether the key exists
	KeyExists(root Root, path string) bool

	// CreateKey creates the key and any missing parents
	CreateKey(root Root, path string) error

	// DeleteKey removes the key and its values; a missing key is not an error
	DeleteKey(root Root, path string) error
}

// CleanPath normalizes separators and trims leading/trailing backslashes
func CleanPath(path string) string {
	path = strings.ReplaceAll(path, "/", `\`)
	for strings.Contains(path, `\\`) {
		path = strings.ReplaceAll(path, `\\`, `\`)
	}
	return strings.Trim(path, `\`)
}

// Display renders root, path and name the way the regedit address bar does
func Display(root Root, path, name string) string {
	full := string(root) + `\` + CleanPath(path)
	if name == "" {
		return full + `\(Default)`
	}
	return full + `\` + name
}
