// Package verifier validates raw eBPF bytecode before it is handed to an engine.
//
// The checks are structural: opcodes, register numbers, jump targets, wide immediate pairs and the final exit.
// No register dataflow or loop analysis is performed, memory safety is enforced at runtime by the bounds checks of
// the engines instead.
package verifier

import (
	"fmt"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

const (
	// DefaultMaxInstructions is the largest program accepted when no limit is configured
	DefaultMaxInstructions = 65536
	// MaxRegister is the highest valid register number
	MaxRegister = ebpf.BPF_REG_10
)

// Options tune program verification.
type Options struct {
	// MaxInstructions limits the number of instruction slots, 0 means DefaultMaxInstructions
	MaxInstructions int
}

func (o Options) maxInstructions() int {
	if o.MaxInstructions <= 0 {
		return DefaultMaxInstructions
	}
	return o.MaxInstructions
}

// Reason is the category of a verification failure.
type Reason int

const (
	EmptyProgram Reason = iota
	InvalidLength
	TooManyInstructions
	UnknownOpcode
	InvalidSourceRegister
	InvalidDestinationRegister
	ReadOnlyRegister
	IncompleteLoadImm64
	JumpOutOfBounds
	JumpIntoLoadImm64
	InfiniteLoop
	DivisionByZero
	InvalidEndianWidth
	MissingExit
)

var reasonText = map[Reason]string{
	EmptyProgram:               "empty program",
	InvalidLength:              "code length is not a multiple of the instruction size",
	TooManyInstructions:        "too many instructions",
	UnknownOpcode:              "unknown opcode",
	InvalidSourceRegister:      "invalid source register",
	InvalidDestinationRegister: "invalid destination register",
	ReadOnlyRegister:           "invalid write to read only register r10",
	IncompleteLoadImm64:        "incomplete lddw",
	JumpOutOfBounds:            "jump out of bounds",
	JumpIntoLoadImm64:          "jump to middle of lddw",
	InfiniteLoop:               "infinite loop",
	DivisionByZero:             "division by zero",
	InvalidEndianWidth:         "invalid endian conversion width",
	MissingExit:                "program does not end with exit",
}

func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Error is a verification failure. PC is the offending instruction index, or -1 for failures about the program as
// a whole. Value holds the offending opcode, register, immediate or count, depending on the reason.
type Error struct {
	Reason Reason
	PC     int
	Value  int64
}

func (e *Error) Error() string {
	var detail string
	switch e.Reason {
	case InvalidLength:
		detail = fmt.Sprintf(" (%d bytes)", e.Value)
	case TooManyInstructions:
		detail = fmt.Sprintf(" (%d)", e.Value)
	case UnknownOpcode:
		detail = fmt.Sprintf(" 0x%02x", e.Value)
	case InvalidSourceRegister, InvalidDestinationRegister:
		detail = fmt.Sprintf(" %d", e.Value)
	case JumpOutOfBounds, JumpIntoLoadImm64:
		detail = fmt.Sprintf(" (target %d)", e.Value)
	case InvalidEndianWidth:
		detail = fmt.Sprintf(" %d", e.Value)
	}

	if e.PC < 0 {
		return e.Reason.String() + detail
	}
	return fmt.Sprintf("instruction %d: %s%s", e.PC, e.Reason, detail)
}

// Program is a verified program. It must not be modified after verification.
type Program struct {
	insts []ebpf.RawInstruction
}

// Instructions returns the instruction slots of the program. The returned slice must be treated as read only.
func (p *Program) Instructions() []ebpf.RawInstruction {
	return p.insts
}

// Len returns the amount of instruction slots, lddw counts as two.
func (p *Program) Len() int {
	return len(p.insts)
}

// Load decodes and verifies little-endian bytecode.
func Load(code []byte, opts Options) (*Program, error) {
	if len(code) == 0 {
		return nil, &Error{Reason: EmptyProgram, PC: -1}
	}
	if len(code)%ebpf.BPFInstSize != 0 {
		return nil, &Error{Reason: InvalidLength, PC: -1, Value: int64(len(code))}
	}
	if n := len(code) / ebpf.BPFInstSize; n > opts.maxInstructions() {
		return nil, &Error{Reason: TooManyInstructions, PC: -1, Value: int64(n)}
	}

	insts, err := ebpf.DecodeBytes(code)
	if err != nil {
		return nil, err
	}

	return verify(insts, opts)
}

// LoadInstructions verifies already decoded instructions. The slice is copied.
func LoadInstructions(insts []ebpf.RawInstruction, opts Options) (*Program, error) {
	if len(insts) == 0 {
		return nil, &Error{Reason: EmptyProgram, PC: -1}
	}
	if len(insts) > opts.maxInstructions() {
		return nil, &Error{Reason: TooManyInstructions, PC: -1, Value: int64(len(insts))}
	}

	return verify(append([]ebpf.RawInstruction(nil), insts...), opts)
}

func verify(insts []ebpf.RawInstruction, opts Options) (*Program, error) {
	n := len(insts)

	// Mark the second slots of wide immediate loads so jumps into them can be detected
	secondHalf := make([]bool, n)
	for pc := 0; pc < n; pc++ {
		if insts[pc].Op == ebpf.OpLoadImm64 && pc+1 < n {
			secondHalf[pc+1] = true
			pc++
		}
	}

	for pc := 0; pc < n; pc++ {
		inst := insts[pc]

		info, ok := ebpf.LookupOp(inst.Op)
		if !ok {
			return nil, &Error{Reason: UnknownOpcode, PC: pc, Value: int64(inst.Op)}
		}

		src, dst := inst.GetSourceReg(), inst.GetDestReg()
		if src > MaxRegister {
			return nil, &Error{Reason: InvalidSourceRegister, PC: pc, Value: int64(src)}
		}
		if dst > MaxRegister {
			return nil, &Error{Reason: InvalidDestinationRegister, PC: pc, Value: int64(dst)}
		}
		if dst == MaxRegister && info.Kind != ebpf.KindStore && info.Kind != ebpf.KindStoreReg {
			return nil, &Error{Reason: ReadOnlyRegister, PC: pc}
		}

		switch info.Kind {
		case ebpf.KindALU:
			op := ebpf.AluOp(inst.Op)
			if (op == ebpf.BPF_DIV || op == ebpf.BPF_MOD) && !ebpf.IsSourceReg(inst.Op) && inst.Imm == 0 {
				return nil, &Error{Reason: DivisionByZero, PC: pc}
			}

		case ebpf.KindEndian:
			if inst.Imm != 16 && inst.Imm != 32 && inst.Imm != 64 {
				return nil, &Error{Reason: InvalidEndianWidth, PC: pc, Value: int64(inst.Imm)}
			}

		case ebpf.KindLoadImm64:
			if pc+1 >= n || insts[pc+1].Op != 0 {
				return nil, &Error{Reason: IncompleteLoadImm64, PC: pc}
			}
			// The second slot only carries the upper half of the immediate
			pc++

		case ebpf.KindJumpAlways, ebpf.KindJump:
			target := pc + int(inst.Off) + 1
			if target < 0 || target >= n {
				return nil, &Error{Reason: JumpOutOfBounds, PC: pc, Value: int64(target)}
			}
			if target == pc {
				return nil, &Error{Reason: InfiniteLoop, PC: pc}
			}
			if secondHalf[target] {
				return nil, &Error{Reason: JumpIntoLoadImm64, PC: pc, Value: int64(target)}
			}

		case ebpf.KindCall:
			// Local function calls are not supported, only external functions
			if src != 0 {
				return nil, &Error{Reason: UnknownOpcode, PC: pc, Value: int64(inst.Op)}
			}
		}
	}

	if insts[n-1].Op != ebpf.OpExit || secondHalf[n-1] {
		return nil, &Error{Reason: MissingExit, PC: n - 1}
	}

	return &Program{insts: insts}, nil
}
