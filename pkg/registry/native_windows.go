//go:build windows

package registry

import (
	"errors"
	"fmt"

	winreg "golang.org/x/sys/windows/registry"
)

// Native talks to the live Windows registry
type Native struct {
	// access is OR'ed into every open, e.g. winreg.WOW64_64KEY
	access uint32
}

var _ Registry = (*Native)(nil)

// NewNative returns the live registry, always addressing the 64-bit view
func NewNative() (Registry, error) {
	return &Native{access: winreg.WOW64_64KEY}, nil
}

func rootKey(root Root) (winreg.Key, bool) {
	switch root {
	case LocalMachine:
		return winreg.LOCAL_MACHINE, true
	case CurrentUser:
		return winreg.CURRENT_USER, true
	case ClassesRoot:
		return winreg.CLASSES_ROOT, true
	case Users:
		return winreg.USERS, true
	case CurrentConfig:
		return winreg.CURRENT_CONFIG, true
	}
	return 0, false
}

// GetValue returns the value and whether it exists
func (n *Native) GetValue(root Root, path, name string) (Value, bool) {
	base, ok := rootKey(root)
	if !ok {
		return Value{}, false
	}
	k, err := winreg.OpenKey(base, CleanPath(path), winreg.QUERY_VALUE|n.access)
	if err != nil {
		return Value{}, false
	}
	defer k.Close()

	_, valType, err := k.GetValue(name, nil)
	if err != nil {
		return Value{}, false
	}

	switch valType {
	case winreg.SZ, winreg.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		if err != nil {
			return Value{}, false
		}
		if valType == winreg.EXPAND_SZ {
			return ExpandStringValue(s), true
		}
		return StringValue(s), true
	case winreg.DWORD:
		v, _, err := k.GetIntegerValue(name)
		if err != nil {
			return Value{}, false
		}
		return DWordValue(uint32(v)), true
	case winreg.QWORD:
		v, _, err := k.GetIntegerValue(name)
		if err != nil {
			return Value{}, false
		}
		return QWordValue(v), true
	case winreg.MULTI_SZ:
		v, _, err := k.GetStringsValue(name)
		if err != nil {
			return Value{}, false
		}
		return MultiStringValue(v), true
	default:
		v, _, err := k.GetBinaryValue(name)
		if err != nil {
			return Value{}, false
		}
		return BinaryValue(v), true
	}
}

// SetValue writes a value, creating the key if needed
func (n *Native) SetValue(root Root, path, name string, value Value) error {
	base, ok := rootKey(root)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	if err := value.Validate(); err != nil {
		return err
	}

	k, _, err := winreg.CreateKey(base, CleanPath(path), winreg.SET_VALUE|n.access)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", Display(root, path, ""), err)
	}
	defer k.Close()

	switch value.Type {
	case String:
		err = k.SetStringValue(name, value.Data)
	case ExpandString:
		err = k.SetExpandStringValue(name, value.Data)
	case DWord:
		var v uint64
		v, err = value.Uint64()
		if err == nil {
			err = k.SetDWordValue(name, uint32(v))
		}
	case QWord:
		var v uint64
		v, err = value.Uint64()
		if err == nil {
			err = k.SetQWordValue(name, v)
		}
	case MultiString:
		err = k.SetStringsValue(name, value.Strings())
	case Binary:
		var b []byte
		b, err = value.Bytes()
		if err == nil {
			err = k.SetBinaryValue(name, b)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", Display(root, path, name), err)
	}
	return nil
}

// DeleteValue removes a value; a missing value is not an error
func (n *Native) DeleteValue(root Root, path, name string) error {
	base, ok := rootKey(root)
	if !ok {
		return nil
	}
	k, err := winreg.OpenKey(base, CleanPath(path), winreg.SET_VALUE|n.access)
	if err != nil {
		if errors.Is(err, winreg.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", Display(root, path, ""), err)
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil && !errors.Is(err, winreg.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", Display(root, path, name), err)
	}
	return nil
}

// KeyExists reports whether the key exists
func (n *Native) KeyExists(root Root, path string) bool {
	base, ok := rootKey(root)
	if !ok {
		return false
	}
	k, err := winreg.OpenKey(base, CleanPath(path), winreg.QUERY_VALUE|n.access)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

// CreateKey creates the key and any missing parents
func (n *Native) CreateKey(root Root, path string) error {
	base, ok := rootKey(root)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	k, _, err := winreg.CreateKey(base, CleanPath(path), winreg.CREATE_SUB_KEY|n.access)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", Display(root, path, ""), err)
	}
	return k.Close()
}

// DeleteKey removes the key and its subkeys
func (n *Native) DeleteKey(root Root, path string) error {
	base, ok := rootKey(root)
	if !ok {
		return nil
	}
	clean := CleanPath(path)

	k, err := winreg.OpenKey(base, clean, winreg.ENUMERATE_SUB_KEYS|n.access)
	if err != nil {
		if errors.Is(err, winreg.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", Display(root, path, ""), err)
	}
	subkeys, err := k.ReadSubKeyNames(-1)
	k.Close()
	if err != nil {
		return fmt.Errorf("failed to enumerate %s: %w", Display(root, path, ""), err)
	}
	for _, sub := range subkeys {
		if err := n.DeleteKey(root, clean+`\`+sub); err != nil {
			return err
		}
	}

	if err := winreg.DeleteKey(base, clean); err != nil && !errors.Is(err, winreg.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", Display(root, path, ""), err)
	}
	return nil
}
