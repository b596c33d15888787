//go:build linux

package codebuf

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// New maps a buffer large enough for code, copies the code and makes it executable.
func New(code []byte) (*Buffer, error) {
	if len(code) == 0 {
		return nil, errors.New("no code")
	}

	pageSize := unix.Getpagesize()
	length := (len(code) + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	copy(mem, code)

	if err = unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect: %w", err)
	}

	return &Buffer{mem: mem, size: len(code)}, nil
}

// Release unmaps the buffer. Calling it more than once is a no-op.
func (b *Buffer) Release() error {
	if b.mem == nil {
		return nil
	}

	err := unix.Munmap(b.mem)
	b.mem = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
