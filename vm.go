// Package gobpfvm is a userspace eBPF virtual machine. A VM holds one verified program, a table of external Go
// functions the program can call, and the execution configuration. The program can be executed by the interpreter or
// compiled to x86-64 machine code.
//
// A VM is not safe for concurrent use. Independent VMs share no state.
package gobpfvm

import (
	"errors"
	"fmt"
	"io"

	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/elfcode"
	"github.com/dylandreimerink/gobpfvm/functable"
	"github.com/dylandreimerink/gobpfvm/interpreter"
	"github.com/dylandreimerink/gobpfvm/jit"
	"github.com/dylandreimerink/gobpfvm/machine"
	"github.com/dylandreimerink/gobpfvm/verifier"
)

// Engine executes a loaded program against a memory region.
type Engine interface {
	Run(mem []byte) (uint64, error)
}

var (
	_ Engine = (*interpreter.Interpreter)(nil)
	_ Engine = (*jit.Function)(nil)
	_ Engine = (*CompiledFunc)(nil)
)

// VM is a handle binding a program, an external function table and the execution configuration.
type VM struct {
	table        functable.Table
	cfg          jit.Config
	verifierOpts verifier.Options
	unwindSet    bool
	closed       bool

	prog *verifier.Program
	// generation is incremented every time the loaded program changes
	generation uint64
	// compiled is the cached compilation for the current configuration, nil after a change
	compiled *CompiledFunc
	// functions holds all executable code of the current generation
	functions []*jit.Function
}

// New creates a VM. Bounds checking is enabled and faults are printed to stderr unless options say otherwise.
func New(opts ...Option) *VM {
	vm := &VM{
		cfg: jit.Config{Config: machine.DefaultConfig()},
	}
	for _, opt := range opts {
		opt(vm)
	}

	return vm
}

// Close unloads the program and releases all executable memory. Compiled functions of the VM refuse to run after
// Close.
func (vm *VM) Close() error {
	if vm.closed {
		return nil
	}

	err := vm.unload()
	vm.closed = true
	return err
}

// ToggleBoundsCheck enables or disables bounds checking of memory accesses and returns the previous setting.
// Disabling it allows programs to access any address, unchecked.
func (vm *VM) ToggleBoundsCheck(enable bool) bool {
	previous := vm.cfg.BoundsCheck
	if vm.closed {
		return previous
	}
	vm.cfg.BoundsCheck = enable
	if previous != enable {
		vm.invalidate()
	}
	return previous
}

// SetErrorPrinter sets the sink for fault reports, nil disables reporting.
func (vm *VM) SetErrorPrinter(printer machine.ErrorPrinter) {
	if vm.closed {
		return
	}
	vm.cfg.ErrorPrinter = printer
	vm.invalidate()
}

// Register adds or replaces an external function. Registrations survive unloading and reloading programs.
func (vm *VM) Register(index uint32, name string, fn functable.Func) error {
	if vm.closed {
		return ErrClosed
	}
	if err := vm.table.Register(index, name, fn); err != nil {
		return &ConfigError{Op: "register", Err: err}
	}

	// Compiled code resolves functions from the table at translation time
	vm.invalidate()
	return nil
}

// Functions returns the table of external functions.
func (vm *VM) Functions() *functable.Table {
	return &vm.table
}

// Load verifies and loads raw little endian bytecode, replacing the current program. If verification fails the
// current program stays loaded.
func (vm *VM) Load(code []byte) error {
	if vm.closed {
		return ErrClosed
	}

	prog, err := verifier.Load(code, vm.verifierOpts)
	if err != nil {
		return &LoadError{Err: err}
	}

	return vm.replace(prog)
}

// LoadInstructions verifies and loads decoded instructions, replacing the current program.
func (vm *VM) LoadInstructions(insts []ebpf.RawInstruction) error {
	if vm.closed {
		return ErrClosed
	}

	prog, err := verifier.LoadInstructions(insts, vm.verifierOpts)
	if err != nil {
		return &LoadError{Err: err}
	}

	return vm.replace(prog)
}

// LoadELF loads the .text section of an eBPF ELF object. Calls relocated against function names are resolved
// against the functions registered so far.
func (vm *VM) LoadELF(r io.ReaderAt) error {
	if vm.closed {
		return ErrClosed
	}

	insts, err := elfcode.Load(r, &vm.table)
	if err != nil {
		return &LoadError{Err: fmt.Errorf("elf: %w", err)}
	}

	return vm.LoadInstructions(insts)
}

// Unload removes the current program and releases its compiled code. Registered functions and configuration are
// kept.
func (vm *VM) Unload() error {
	if vm.closed {
		return ErrClosed
	}

	return vm.unload()
}

// Loaded reports whether a program is loaded.
func (vm *VM) Loaded() bool {
	return vm.prog != nil
}

// Program returns the loaded program, nil if there is none.
func (vm *VM) Program() *verifier.Program {
	return vm.prog
}

// Exec runs the loaded program in the interpreter with mem as memory region and returns r0. A failed execution
// returns a *machine.Fault, which has also been sent to the error printer. The VM stays usable after a fault.
func (vm *VM) Exec(mem []byte) (uint64, error) {
	if vm.closed {
		return 0, ErrClosed
	}
	if vm.prog == nil {
		return 0, ErrNoProgram
	}

	return interpreter.New(vm.prog, &vm.table, vm.cfg.Config).Run(mem)
}

// Compile translates the loaded program to machine code and places it in executable memory. The result is cached
// until the program, the function table or the configuration changes. A translation error leaves the VM usable with
// Exec.
//
// Functions compiled before such a change stay mapped until the program is unloaded or replaced, or until they are
// released with CompiledFunc.Release. A VM that keeps reconfiguring a loaded program should release the functions it
// no longer runs.
func (vm *VM) Compile() (*CompiledFunc, error) {
	if vm.closed {
		return nil, ErrClosed
	}
	if vm.compiled != nil {
		return vm.compiled, nil
	}

	code, err := vm.translate()
	if err != nil {
		return nil, err
	}

	fn, err := code.Compile()
	if err != nil {
		return nil, err
	}

	vm.functions = append(vm.functions, fn)
	vm.compiled = &CompiledFunc{vm: vm, generation: vm.generation, fn: fn}
	return vm.compiled, nil
}

// Translate returns the machine code for the loaded program without making it executable, this also works on
// platforms on which Compile is not supported.
func (vm *VM) Translate() ([]byte, error) {
	if vm.closed {
		return nil, ErrClosed
	}

	code, err := vm.translate()
	if err != nil {
		return nil, err
	}
	return code.Bytes(), nil
}

// TranslateCode is Translate returning the full translation, which can be disassembled.
func (vm *VM) TranslateCode() (*jit.Code, error) {
	if vm.closed {
		return nil, ErrClosed
	}
	return vm.translate()
}

func (vm *VM) translate() (*jit.Code, error) {
	if vm.prog == nil {
		return nil, ErrNoProgram
	}

	return jit.Translate(vm.prog, &vm.table, vm.cfg)
}

// SetUnwindFunctionIndex configures the external function which ends the program when it returns 0. It can be set
// once.
func (vm *VM) SetUnwindFunctionIndex(index uint32) error {
	if vm.closed {
		return ErrClosed
	}
	if vm.unwindSet {
		return &ConfigError{Op: "set unwind function index", Err: errors.New("unwind function index is already set")}
	}
	if index >= functable.MaxFunctions {
		return &ConfigError{
			Op:  "set unwind function index",
			Err: fmt.Errorf("index %d: %w", index, functable.ErrIndexOutOfRange),
		}
	}

	vm.cfg.Unwind = true
	vm.cfg.UnwindIndex = index
	vm.unwindSet = true
	vm.invalidate()
	return nil
}

// SetRegisters makes executions use regs as register storage. Executions start with the values in regs, except for
// r1, r2 and r10, and leave their final register values in it. regs must have room for all registers, nil restores
// engine owned registers.
func (vm *VM) SetRegisters(regs []uint64) error {
	if vm.closed {
		return ErrClosed
	}
	if regs != nil && len(regs) < machine.NumRegisters {
		return &ConfigError{
			Op:  "set registers",
			Err: fmt.Errorf("register storage has %d elements, need %d", len(regs), machine.NumRegisters),
		}
	}

	vm.cfg.Registers = regs
	vm.invalidate()
	return nil
}

// Registers returns the register storage set by SetRegisters.
func (vm *VM) Registers() []uint64 {
	return vm.cfg.Registers
}

// SetPointerSecret sets the value mixed into code offsets stored by generated code. It can only be changed while
// no program is loaded.
func (vm *VM) SetPointerSecret(secret uint64) error {
	if vm.closed {
		return ErrClosed
	}
	if vm.prog != nil {
		return &ConfigError{Op: "set pointer secret", Err: errors.New("a program is already loaded")}
	}

	vm.cfg.Secret = secret
	return nil
}

// Disassemble renders the loaded program in assembly syntax.
func (vm *VM) Disassemble() (string, error) {
	if vm.closed {
		return "", ErrClosed
	}
	if vm.prog == nil {
		return "", ErrNoProgram
	}

	return ebpf.Disassemble(vm.prog.Instructions())
}

func (vm *VM) replace(prog *verifier.Program) error {
	err := vm.releaseFunctions()
	vm.prog = prog
	vm.generation++
	return err
}

func (vm *VM) unload() error {
	err := vm.releaseFunctions()
	vm.prog = nil
	vm.generation++
	return err
}

// invalidate drops the cached compilation, functions compiled earlier stay valid for the current program.
func (vm *VM) invalidate() {
	vm.compiled = nil
}

func (vm *VM) releaseFunctions() error {
	var errs []error
	for _, fn := range vm.functions {
		if err := fn.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	vm.functions = nil
	vm.compiled = nil

	return errors.Join(errs...)
}

// CompiledFunc is the native code of a program. It is valid until the program is unloaded or replaced, or the VM is
// closed.
type CompiledFunc struct {
	vm         *VM
	generation uint64
	fn         *jit.Function
	released   bool
}

// Run executes the native code with mem as memory region and returns r0. A failed execution returns a
// *machine.Fault.
func (f *CompiledFunc) Run(mem []byte) (uint64, error) {
	if f.released || f.vm.closed || f.generation != f.vm.generation {
		return 0, ErrStaleCompiledFunc
	}

	return f.fn.Run(mem)
}

// Release unmaps the native code before the program is unloaded. Running the function afterwards returns
// ErrStaleCompiledFunc, the next Compile call compiles again if f was the cached function.
func (f *CompiledFunc) Release() error {
	if f.released {
		return nil
	}
	f.released = true

	vm := f.vm
	if vm.compiled == f {
		vm.compiled = nil
	}
	for i, fn := range vm.functions {
		if fn == f.fn {
			vm.functions = append(vm.functions[:i], vm.functions[i+1:]...)
			return fn.Release()
		}
	}

	// Already released together with its program
	return nil
}

// Code returns the translation the function was compiled from.
func (f *CompiledFunc) Code() *jit.Code {
	return f.fn.Code()
}
