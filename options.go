package gobpfvm

import (
	"github.com/dylandreimerink/gobpfvm/machine"
)

// Option configures a VM at creation.
type Option func(*VM)

// WithBoundsCheck sets the initial bounds check setting, it is enabled by default.
func WithBoundsCheck(enable bool) Option {
	return func(vm *VM) {
		vm.cfg.BoundsCheck = enable
	}
}

// WithStackSize sets the size of the stack of each execution in bytes.
func WithStackSize(size int) Option {
	return func(vm *VM) {
		if size > 0 {
			vm.cfg.StackSize = size
		}
	}
}

// WithMaxInstructions sets the largest program the VM accepts.
func WithMaxInstructions(n int) Option {
	return func(vm *VM) {
		vm.verifierOpts.MaxInstructions = n
	}
}

// WithMaxCodeSize limits the size of JIT generated code.
func WithMaxCodeSize(n int) Option {
	return func(vm *VM) {
		vm.cfg.MaxCodeSize = n
	}
}

// WithErrorPrinter sets the sink for fault reports, nil disables reporting.
func WithErrorPrinter(printer machine.ErrorPrinter) Option {
	return func(vm *VM) {
		vm.cfg.ErrorPrinter = printer
	}
}

// WithPointerSecret sets the pointer secret, see SetPointerSecret.
func WithPointerSecret(secret uint64) Option {
	return func(vm *VM) {
		vm.cfg.Secret = secret
	}
}
