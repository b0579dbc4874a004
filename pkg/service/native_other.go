//go:build !windows

package service

// NewNative reports ErrUnsupported outside Windows; use Memory instead.
func NewNative() (Manager, error) {
	return nil, ErrUnsupported
}
