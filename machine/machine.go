// Package machine contains the parts of the abstract eBPF machine which are shared by the interpreter and the JIT:
// the register file, the address space of an execution, runtime faults and the call boundary into Go.
package machine

import (
	"fmt"
	"os"
	"strings"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

const (
	// NumRegisters is the number of registers of the VM, r0 - r10
	NumRegisters = int(ebpf.BPF_REG_MAX)
	// DefaultStackSize is the amount of stack available to a program
	DefaultStackSize = 512
)

// Registers the registers of the eBPF VM
// https://github.com/torvalds/linux/blob/master/Documentation/bpf/instruction-set.rst#Registers-and-calling-convention
//
// R0 is the return value, R1 - R5 are arguments of external functions, R6 - R9 are preserved across calls and R10
// is the read-only frame pointer.
type Registers [NumRegisters]uint64

func (r *Registers) String() string {
	var sb strings.Builder
	for i, v := range r {
		fmt.Fprintf(&sb, "%3s: 0x%016x\n", ebpf.Register(i), v)
	}
	return sb.String()
}

// ErrorPrinter receives a formatted description of every fault.
type ErrorPrinter func(format string, args ...interface{})

// StderrPrinter is the default ErrorPrinter.
func StderrPrinter(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// Config is the execution configuration shared by both engines. It is read only to the engines.
type Config struct {
	// BoundsCheck enables checking of every memory access against the memory region and the stack. Disabling it
	// makes memory accesses go straight to the computed address.
	BoundsCheck bool
	// Unwind enables early termination when the function at UnwindIndex returns 0
	Unwind      bool
	UnwindIndex uint32
	// StackSize is the size of the stack of one execution in bytes
	StackSize int
	// ErrorPrinter is called for every fault, nil disables reporting
	ErrorPrinter ErrorPrinter
	// Registers optionally overrides the register storage. It must have at least NumRegisters elements. The initial
	// register values are taken from it, except r1, r2 and r10, and the final values are written back.
	Registers []uint64
}

// DefaultConfig returns the configuration of a new VM.
func DefaultConfig() Config {
	return Config{
		BoundsCheck:  true,
		StackSize:    DefaultStackSize,
		ErrorPrinter: StderrPrinter,
	}
}

// Report sends a fault to the error printer.
func (c *Config) Report(err error) {
	if c.ErrorPrinter != nil && err != nil {
		c.ErrorPrinter("%s\n", err)
	}
}

// IsUnwind returns true if a call to index returning result ends the program.
func (c *Config) IsUnwind(index uint32, result uint64) bool {
	return c.Unwind && index == c.UnwindIndex && result == 0
}

// Init sets up the initial register file of an execution.
func (c *Config) Init(regs *Registers, mem *Memory) {
	if c.Registers != nil {
		copy(regs[:], c.Registers)
	} else {
		*regs = Registers{}
	}

	regs[ebpf.BPF_REG_1] = mem.RegionBase
	regs[ebpf.BPF_REG_2] = uint64(len(mem.Region))
	regs[ebpf.BPF_REG_10] = mem.StackBase + uint64(len(mem.Stack))
}

// Finish writes the final register file back to the register storage override.
func (c *Config) Finish(regs *Registers) {
	if c.Registers != nil {
		copy(c.Registers, regs[:])
	}
}
