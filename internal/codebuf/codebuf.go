// Package codebuf places generated machine code in executable memory.
//
// A buffer is mapped writable, filled, and then switched to read+execute so it is never writable and executable at
// the same time.
package codebuf

import (
	"errors"
	"unsafe"
)

// ErrReleased is returned when using a released buffer.
var ErrReleased = errors.New("code buffer released")

// Buffer is executable memory holding a copy of generated code.
type Buffer struct {
	mem  []byte
	size int
}

// Addr returns the address of the first instruction.
func (b *Buffer) Addr() (uintptr, error) {
	if b.mem == nil {
		return 0, ErrReleased
	}
	return uintptr(unsafe.Pointer(&b.mem[0])), nil
}

// Len returns the size of the code, excluding page padding.
func (b *Buffer) Len() int {
	return b.size
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	return b.mem == nil
}
