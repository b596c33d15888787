package machine

import (
	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/functable"
)

// Call invokes the external function at index with r1 - r5 as arguments and stores the result in r0. A panic in the
// function is recovered and turned into a fault. r1 - r5 are left untouched.
func Call(table *functable.Table, index uint32, pc int, regs *Registers) (fault *Fault) {
	entry, ok := table.Lookup(index)
	if !ok {
		return &Fault{Kind: FaultUnknownFunction, PC: pc, Index: index, Registers: *regs}
	}

	defer func() {
		if r := recover(); r != nil {
			fault = &Fault{
				Kind:      FaultFunctionPanic,
				PC:        pc,
				Index:     index,
				Name:      entry.Name,
				Panic:     r,
				Registers: *regs,
			}
		}
	}()

	regs[ebpf.BPF_REG_0] = entry.Fn(
		regs[ebpf.BPF_REG_1],
		regs[ebpf.BPF_REG_2],
		regs[ebpf.BPF_REG_3],
		regs[ebpf.BPF_REG_4],
		regs[ebpf.BPF_REG_5],
	)

	return nil
}
