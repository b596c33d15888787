package jit

import (
	"github.com/dylandreimerink/gobpfvm/internal/codebuf"
)

// Function is translated code placed in executable memory.
type Function struct {
	code *Code
	buf  *codebuf.Buffer
}

// Code returns the translation the function was created from.
func (f *Function) Code() *Code {
	return f.code
}

// Release unmaps the executable memory, running a released function returns an error.
func (f *Function) Release() error {
	return f.buf.Release()
}
