// Package interpreter executes verified eBPF programs one instruction at a time.
package interpreter

import (
	"math/bits"

	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/functable"
	"github.com/dylandreimerink/gobpfvm/machine"
	"github.com/dylandreimerink/gobpfvm/verifier"
)

// Interpreter runs a single program. External functions are resolved through the table at the moment of the call,
// so functions registered after New are visible to the program.
type Interpreter struct {
	prog  *verifier.Program
	table *functable.Table
	cfg   machine.Config

	// region of the running execution, held so it stays at a fixed heap address while addresses of it live in
	// registers
	region []byte
}

// New creates an interpreter for a verified program.
func New(prog *verifier.Program, table *functable.Table, cfg machine.Config) *Interpreter {
	if cfg.StackSize <= 0 {
		cfg.StackSize = machine.DefaultStackSize
	}

	return &Interpreter{
		prog:  prog,
		table: table,
		cfg:   cfg,
	}
}

// Run executes the program with mem as memory region and returns r0. A failed execution returns a *machine.Fault
// which has also been sent to the error printer.
func (in *Interpreter) Run(mem []byte) (uint64, error) {
	in.region = mem
	defer func() { in.region = nil }()

	stack := make([]byte, in.cfg.StackSize)
	memory := machine.NewMemory(mem, stack, in.cfg.BoundsCheck)

	var regs machine.Registers
	in.cfg.Init(&regs, memory)

	result, fault := in.exec(&regs, memory)
	in.cfg.Finish(&regs)
	if fault != nil {
		in.cfg.Report(fault)
		return 0, fault
	}

	return result, nil
}

func (in *Interpreter) exec(regs *machine.Registers, mem *machine.Memory) (uint64, *machine.Fault) {
	insts := in.prog.Instructions()

	for pc := 0; pc < len(insts); pc++ {
		inst := insts[pc]
		dst := inst.GetDestReg()
		src := inst.GetSourceReg()

		switch inst.Class() {
		case ebpf.BPF_ALU64:
			b := uint64(int64(inst.Imm))
			if ebpf.IsSourceReg(inst.Op) {
				b = regs[src]
			}

			v, ok := alu64(ebpf.AluOp(inst.Op), regs[dst], b)
			if !ok {
				return 0, machine.DivideByZero(pc, regs)
			}
			regs[dst] = v

		case ebpf.BPF_ALU:
			if ebpf.AluOp(inst.Op) == ebpf.BPF_END {
				regs[dst] = endian(inst.Op&ebpf.BPF_TO_BE, inst.Imm, regs[dst])
				continue
			}

			b := uint32(inst.Imm)
			if ebpf.IsSourceReg(inst.Op) {
				b = uint32(regs[src])
			}

			v, ok := alu32(ebpf.AluOp(inst.Op), uint32(regs[dst]), b)
			if !ok {
				return 0, machine.DivideByZero(pc, regs)
			}
			regs[dst] = uint64(v)

		case ebpf.BPF_LD:
			// Only lddw passes verification
			regs[dst] = uint64(uint32(inst.Imm)) | uint64(uint32(insts[pc+1].Imm))<<32
			pc++

		case ebpf.BPF_LDX:
			size := ebpf.Size(inst.Op & 0x18)
			addr := regs[src] + uint64(int64(inst.Off))
			v, ok := mem.Load(addr, size)
			if !ok {
				return 0, machine.OutOfBounds(pc, addr, size.Bytes(), false, regs, mem)
			}
			regs[dst] = v

		case ebpf.BPF_ST, ebpf.BPF_STX:
			size := ebpf.Size(inst.Op & 0x18)
			addr := regs[dst] + uint64(int64(inst.Off))
			v := uint64(int64(inst.Imm))
			if inst.Class() == ebpf.BPF_STX {
				v = regs[src]
			}
			if !mem.Store(addr, size, v) {
				return 0, machine.OutOfBounds(pc, addr, size.Bytes(), true, regs, mem)
			}

		case ebpf.BPF_JMP, ebpf.BPF_JMP32:
			op := ebpf.AluOp(inst.Op)
			switch op {
			case ebpf.BPF_JA:
				pc += int(inst.Off)
				continue

			case ebpf.BPF_EXIT:
				return regs[ebpf.BPF_REG_0], nil

			case ebpf.BPF_CALL:
				index := uint32(inst.Imm)
				if fault := machine.Call(in.table, index, pc, regs); fault != nil {
					return 0, fault
				}
				if in.cfg.IsUnwind(index, regs[ebpf.BPF_REG_0]) {
					return 0, nil
				}
				continue
			}

			b := uint64(int64(inst.Imm))
			if ebpf.IsSourceReg(inst.Op) {
				b = regs[src]
			}

			var taken bool
			if inst.Class() == ebpf.BPF_JMP32 {
				taken = cond32(op, uint32(regs[dst]), uint32(b))
			} else {
				taken = cond64(op, regs[dst], b)
			}
			if taken {
				pc += int(inst.Off)
			}
		}
	}

	// Unreachable for verified programs, which always end with exit
	return regs[ebpf.BPF_REG_0], nil
}

func alu64(op uint8, a, b uint64) (uint64, bool) {
	switch op {
	case ebpf.BPF_ADD:
		return a + b, true
	case ebpf.BPF_SUB:
		return a - b, true
	case ebpf.BPF_MUL:
		return a * b, true
	case ebpf.BPF_DIV:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case ebpf.BPF_OR:
		return a | b, true
	case ebpf.BPF_AND:
		return a & b, true
	case ebpf.BPF_LSH:
		return a << (b & 63), true
	case ebpf.BPF_RSH:
		return a >> (b & 63), true
	case ebpf.BPF_NEG:
		return -a, true
	case ebpf.BPF_MOD:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case ebpf.BPF_XOR:
		return a ^ b, true
	case ebpf.BPF_MOV:
		return b, true
	case ebpf.BPF_ARSH:
		return uint64(int64(a) >> (b & 63)), true
	}

	return a, true
}

func alu32(op uint8, a, b uint32) (uint32, bool) {
	switch op {
	case ebpf.BPF_ADD:
		return a + b, true
	case ebpf.BPF_SUB:
		return a - b, true
	case ebpf.BPF_MUL:
		return a * b, true
	case ebpf.BPF_DIV:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case ebpf.BPF_OR:
		return a | b, true
	case ebpf.BPF_AND:
		return a & b, true
	case ebpf.BPF_LSH:
		return a << (b & 31), true
	case ebpf.BPF_RSH:
		return a >> (b & 31), true
	case ebpf.BPF_NEG:
		return -a, true
	case ebpf.BPF_MOD:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case ebpf.BPF_XOR:
		return a ^ b, true
	case ebpf.BPF_MOV:
		return b, true
	case ebpf.BPF_ARSH:
		return uint32(int32(a) >> (b & 31)), true
	}

	return a, true
}

// endian converts a little endian value to the requested byte order and truncates it to width bits.
func endian(order uint8, width int32, v uint64) uint64 {
	if order == ebpf.BPF_TO_LE {
		switch width {
		case 16:
			return uint64(uint16(v))
		case 32:
			return uint64(uint32(v))
		}
		return v
	}

	switch width {
	case 16:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case 32:
		return uint64(bits.ReverseBytes32(uint32(v)))
	}
	return bits.ReverseBytes64(v)
}

func cond64(op uint8, a, b uint64) bool {
	switch op {
	case ebpf.BPF_JEQ:
		return a == b
	case ebpf.BPF_JGT:
		return a > b
	case ebpf.BPF_JGE:
		return a >= b
	case ebpf.BPF_JSET:
		return a&b != 0
	case ebpf.BPF_JNE:
		return a != b
	case ebpf.BPF_JSGT:
		return int64(a) > int64(b)
	case ebpf.BPF_JSGE:
		return int64(a) >= int64(b)
	case ebpf.BPF_JLT:
		return a < b
	case ebpf.BPF_JLE:
		return a <= b
	case ebpf.BPF_JSLT:
		return int64(a) < int64(b)
	case ebpf.BPF_JSLE:
		return int64(a) <= int64(b)
	}

	return false
}

func cond32(op uint8, a, b uint32) bool {
	switch op {
	case ebpf.BPF_JEQ:
		return a == b
	case ebpf.BPF_JGT:
		return a > b
	case ebpf.BPF_JGE:
		return a >= b
	case ebpf.BPF_JSET:
		return a&b != 0
	case ebpf.BPF_JNE:
		return a != b
	case ebpf.BPF_JSGT:
		return int32(a) > int32(b)
	case ebpf.BPF_JSGE:
		return int32(a) >= int32(b)
	case ebpf.BPF_JLT:
		return a < b
	case ebpf.BPF_JLE:
		return a <= b
	case ebpf.BPF_JSLT:
		return int32(a) < int32(b)
	case ebpf.BPF_JSLE:
		return int32(a) <= int32(b)
	}

	return false
}
