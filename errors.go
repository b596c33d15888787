package gobpfvm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProgram is returned when executing or compiling without a loaded program.
	ErrNoProgram = errors.New("no program loaded")
	// ErrStaleCompiledFunc is returned when running a compiled function after its program was unloaded or replaced.
	ErrStaleCompiledFunc = errors.New("compiled function belongs to a program which is no longer loaded")
	// ErrClosed is returned by every operation on a closed VM.
	ErrClosed = errors.New("vm is closed")
)

// LoadError is returned when a program is rejected, it wraps the *verifier.Error or ELF parsing error.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load: %s", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConfigError is returned when a configuration step is not allowed or has an invalid value.
type ConfigError struct {
	// Op is the name of the failing configuration step
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
