//go:build !linux

package codebuf

import "errors"

// New is not supported on this platform.
func New(code []byte) (*Buffer, error) {
	return nil, errors.New("executable memory is not supported on this platform")
}

// Release is a no-op on this platform.
func (b *Buffer) Release() error {
	b.mem = nil
	return nil
}
