package machine

import (
	"errors"
	"fmt"
)

// FaultKind is the category of a runtime fault.
type FaultKind int

const (
	FaultDivideByZero FaultKind = iota + 1
	FaultOutOfBounds
	FaultUnknownFunction
	FaultFunctionPanic
)

var (
	ErrDivideByZero    = errors.New("division by zero")
	ErrOutOfBounds     = errors.New("out of bounds memory access")
	ErrUnknownFunction = errors.New("call to unregistered function")
	ErrFunctionPanic   = errors.New("external function panicked")
)

func (k FaultKind) sentinel() error {
	switch k {
	case FaultDivideByZero:
		return ErrDivideByZero
	case FaultOutOfBounds:
		return ErrOutOfBounds
	case FaultUnknownFunction:
		return ErrUnknownFunction
	case FaultFunctionPanic:
		return ErrFunctionPanic
	}
	return nil
}

func (k FaultKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// A Fault aborts a single execution. It contains a copy of the registers at the time of the fault.
type Fault struct {
	Kind FaultKind
	// PC is the index of the faulting instruction
	PC int

	// Addr, Size and Store describe the access of an out of bounds fault
	Addr  uint64
	Size  int
	Store bool

	// Index and Name identify the function of a call fault
	Index uint32
	Name  string
	// Panic is the value recovered from a panicking function
	Panic interface{}

	Registers Registers

	// Memory region and stack bounds, for out of bounds diagnostics
	RegionBase, RegionLen uint64
	StackBase, StackLen   uint64
}

func (f *Fault) Error() string {
	switch f.Kind {
	case FaultOutOfBounds:
		access := "load"
		if f.Store {
			access = "store"
		}
		return fmt.Sprintf("instruction %d: out of bounds memory %s at 0x%x, size %d (mem 0x%x/%d, stack 0x%x/%d)",
			f.PC, access, f.Addr, f.Size, f.RegionBase, f.RegionLen, f.StackBase, f.StackLen)
	case FaultUnknownFunction:
		return fmt.Sprintf("instruction %d: call to unregistered function %d", f.PC, f.Index)
	case FaultFunctionPanic:
		return fmt.Sprintf("instruction %d: function %d (%s) panicked: %v", f.PC, f.Index, f.Name, f.Panic)
	}

	return fmt.Sprintf("instruction %d: %s", f.PC, f.Kind)
}

// Unwrap allows errors.Is(err, ErrOutOfBounds) and the other sentinels to be used.
func (f *Fault) Unwrap() error {
	return f.Kind.sentinel()
}

// DivideByZero creates a division by zero fault.
func DivideByZero(pc int, regs *Registers) *Fault {
	return &Fault{Kind: FaultDivideByZero, PC: pc, Registers: *regs}
}

// OutOfBounds creates an out of bounds fault for an access to mem.
func OutOfBounds(pc int, addr uint64, size int, store bool, regs *Registers, mem *Memory) *Fault {
	return &Fault{
		Kind:       FaultOutOfBounds,
		PC:         pc,
		Addr:       addr,
		Size:       size,
		Store:      store,
		Registers:  *regs,
		RegionBase: mem.RegionBase,
		RegionLen:  uint64(len(mem.Region)),
		StackBase:  mem.StackBase,
		StackLen:   uint64(len(mem.Stack)),
	}
}
