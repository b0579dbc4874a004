package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process registry used by simulation and tests.
// Key paths and value names are case-insensitive like the real registry.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*memKey
}

type memKey struct {
	path   string
	values map[string]namedValue
}

type namedValue struct {
	name  string
	value Value
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an empty in-memory registry
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*memKey)}
}

func keyID(root Root, path string) string {
	return string(root) + `\` + strings.ToLower(CleanPath(path))
}

// GetValue returns the value and whether it exists
func (m *Memory) GetValue(root Root, path, name string) (Value, bool) {
	if !root.Valid() {
		return Value{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[keyID(root, path)]
	if !ok {
		return Value{}, false
	}
	v, ok := k.values[strings.ToLower(name)]
	return v.value, ok
}

// SetValue writes a value, creating the key if needed
func (m *Memory) SetValue(root Root, path, name string, value Value) error {
	if !root.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	if err := value.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.createKeyLocked(root, path)
	k.values[strings.ToLower(name)] = namedValue{name: name, value: value}
	return nil
}

// DeleteValue removes a value; a missing value is not an error
func (m *Memory) DeleteValue(root Root, path, name string) error {
	if !root.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[keyID(root, path)]; ok {
		delete(k.values, strings.ToLower(name))
	}
	return nil
}

// KeyExists reports whether the key exists
func (m *Memory) KeyExists(root Root, path string) bool {
	if !root.Valid() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[keyID(root, path)]
	return ok
}

// CreateKey creates the key and any missing parents
func (m *Memory) CreateKey(root Root, path string) error {
	if !root.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createKeyLocked(root, path)
	return nil
}

// DeleteKey removes the key, its values and its subkeys
func (m *Memory) DeleteKey(root Root, path string) error {
	if !root.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := keyID(root, path)
	for existing := range m.keys {
		if existing == id || strings.HasPrefix(existing, id+`\`) {
			delete(m.keys, existing)
		}
	}
	return nil
}

// Keys lists every key in display form, sorted
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.path)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) createKeyLocked(root Root, path string) *memKey {
	clean := CleanPath(path)
	parts := strings.Split(clean, `\`)

	var k *memKey
	for i := range parts {
		partial := strings.Join(parts[:i+1], `\`)
		id := keyID(root, partial)
		existing, ok := m.keys[id]
		if !ok {
			existing = &memKey{
				path:   string(root) + `\` + partial,
				values: make(map[string]namedValue),
			}
			m.keys[id] = existing
		}
		k = existing
	}
	return k
}
