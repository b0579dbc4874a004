//go:build !windows

package registry

// NewNative reports ErrUnsupported outside Windows; use Memory instead.
func NewNative() (Registry, error) {
	return nil, ErrUnsupported
}
