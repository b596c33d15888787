package main

import (
	"math"
	"unsafe"

	"github.com/dylandreimerink/gobpfvm"
	"github.com/dylandreimerink/gobpfvm/functable"
)

// builtin is a host function available to programs run by the command.
type builtin struct {
	index uint32
	name  string
	fn    functable.Func
}

var builtins = []builtin{
	{index: 0, name: "gather_bytes", fn: gatherBytes},
	{index: 1, name: "memfrob", fn: memfrob},
	{index: 2, name: "no_op", fn: func(r1, r2, r3, r4, r5 uint64) uint64 { return 0 }},
	{index: 3, name: "sqrti", fn: sqrti},
	{index: 4, name: "strcmp_ext", fn: strcmpExt},
	{index: 5, name: "unwind", fn: func(r1, r2, r3, r4, r5 uint64) uint64 { return r1 }},
}

func registerBuiltins(vm *gobpfvm.VM) error {
	for _, b := range builtins {
		if err := vm.Register(b.index, b.name, b.fn); err != nil {
			return err
		}
	}
	return nil
}

// gatherBytes packs the low byte of each argument, r1 most significant.
func gatherBytes(r1, r2, r3, r4, r5 uint64) uint64 {
	return uint64(byte(r1))<<32 |
		uint64(byte(r2))<<24 |
		uint64(byte(r3))<<16 |
		uint64(byte(r4))<<8 |
		uint64(byte(r5))
}

// memfrob XORs r2 bytes at address r1 with 42.
func memfrob(r1, r2, r3, r4, r5 uint64) uint64 {
	if r1 == 0 {
		return 0
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r1))), int(r2))
	for i := range b {
		b[i] ^= 42
	}
	return 0
}

func sqrti(r1, r2, r3, r4, r5 uint64) uint64 {
	return uint64(math.Sqrt(float64(r1)))
}

// strcmpExt compares the NUL terminated strings at addresses r1 and r2.
func strcmpExt(r1, r2, r3, r4, r5 uint64) uint64 {
	a := (*byte)(unsafe.Pointer(uintptr(r1)))
	b := (*byte)(unsafe.Pointer(uintptr(r2)))
	for *a != 0 && *a == *b {
		a = (*byte)(unsafe.Add(unsafe.Pointer(a), 1))
		b = (*byte)(unsafe.Add(unsafe.Pointer(b), 1))
	}
	return uint64(int64(*a) - int64(*b))
}
