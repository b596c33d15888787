// Package jit translates verified eBPF programs into x86-64 machine code.
//
// The generated code is position independent. It is entered through a small assembly trampoline with a pointer to
// a context, which holds the register file and the bounds of the memory region and stack. Whenever the program
// calls an external function or faults, the code stores the registers in the context and returns to Go. External
// functions are then called from Go and the code is re-entered at the continuation of the call site.
package jit

import (
	"errors"
	"fmt"

	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/functable"
	"github.com/dylandreimerink/gobpfvm/machine"
	"github.com/dylandreimerink/gobpfvm/verifier"
)

// DefaultMaxCodeSize is the largest amount of machine code generated for one program when no limit is configured.
const DefaultMaxCodeSize = 16 << 20

// ErrUnsupportedPlatform is returned by Compile on platforms other than linux/amd64.
var ErrUnsupportedPlatform = errors.New("jit: native execution is only supported on linux/amd64")

// Error is a translation failure. PC is -1 for failures not caused by a specific instruction.
type Error struct {
	PC  int
	Msg string
}

func (e *Error) Error() string {
	if e.PC < 0 {
		return "jit: " + e.Msg
	}
	return fmt.Sprintf("jit: instruction %d: %s", e.PC, e.Msg)
}

// Config is the configuration of a translation.
type Config struct {
	machine.Config

	// Secret, if non-zero, is XOR'ed into the code offsets the generated code stores in the context and is removed
	// again by the entry sequence.
	Secret uint64
	// MaxCodeSize limits the size of the generated code, 0 means DefaultMaxCodeSize
	MaxCodeSize int
}

// Code is the result of a translation.
type Code struct {
	bytes []byte
	// entry is the offset of the first instruction
	entry int
	// offsets holds the code offset of every instruction slot, -1 for the second slot of lddw
	offsets []int

	insts []ebpf.RawInstruction
	table *functable.Table
	cfg   Config
}

// Bytes returns the machine code.
func (c *Code) Bytes() []byte {
	return c.bytes
}

type stubKind uint8

const (
	stubDivideByZero stubKind = iota
	stubOutOfBounds
)

// stub is an out of line exit for a fault, emitted after the program body.
type stub struct {
	label label
	kind  stubKind
	pc    int
	size  int
	store bool
}

type translator struct {
	a     *assembler
	insts []ebpf.RawInstruction
	cfg   Config

	start      label
	exitCommon label
	exitReturn label
	pcLabels   []label
	stubs      []stub
}

// Translate generates machine code for prog. External functions are resolved through a snapshot of table taken
// now, so functions registered later are not visible to the code.
func Translate(prog *verifier.Program, table *functable.Table, cfg Config) (*Code, error) {
	if cfg.StackSize <= 0 {
		cfg.StackSize = machine.DefaultStackSize
	}
	if cfg.MaxCodeSize <= 0 {
		cfg.MaxCodeSize = DefaultMaxCodeSize
	}

	insts := prog.Instructions()
	t := &translator{
		a:        newAssembler(len(insts) * 16),
		insts:    insts,
		cfg:      cfg,
		pcLabels: make([]label, len(insts)),
	}
	t.start = t.a.newLabel()
	t.exitCommon = t.a.newLabel()
	t.exitReturn = t.a.newLabel()
	for i := range t.pcLabels {
		t.pcLabels[i] = t.a.newLabel()
	}

	t.a.bind(t.start)
	t.prologue()
	t.epilogue()

	offsets := make([]int, len(insts))
	for pc := 0; pc < len(insts); pc++ {
		t.a.bind(t.pcLabels[pc])
		offsets[pc] = t.a.len()

		inst := insts[pc]
		if err := t.lower(pc, inst); err != nil {
			return nil, err
		}

		if inst.Op == ebpf.OpLoadImm64 {
			pc++
			t.a.bind(t.pcLabels[pc])
			offsets[pc] = -1
		}

		if t.a.len() > cfg.MaxCodeSize {
			return nil, &Error{PC: -1, Msg: fmt.Sprintf("generated code exceeds %d bytes", cfg.MaxCodeSize)}
		}
	}

	t.emitStubs()

	if t.a.len() > cfg.MaxCodeSize {
		return nil, &Error{PC: -1, Msg: fmt.Sprintf("generated code exceeds %d bytes", cfg.MaxCodeSize)}
	}
	if !t.a.resolve(cfg.Secret) {
		return nil, &Error{PC: -1, Msg: "unresolved label"}
	}

	return &Code{
		bytes:   t.a.code,
		entry:   t.a.offset(t.pcLabels[0]),
		offsets: offsets,
		insts:   insts,
		table:   table.Snapshot(),
		cfg:     cfg,
	}, nil
}

// prologue saves the host registers, loads the eBPF registers from the context and jumps to the resume offset.
func (t *translator) prologue() {
	a := t.a
	for _, r := range calleeSaved {
		a.push(r)
	}
	a.movRR(true, regCtx, RDI)

	for i, r := range regMap {
		a.load(r, regCtx, int32(ctxRegs+i*8))
	}

	a.load(regAddr, regCtx, ctxResume)
	if t.cfg.Secret != 0 {
		a.movabs(regScratch, t.cfg.Secret)
		a.aluRR(true, opXor, regAddr, regScratch)
	}
	a.leaLabel(regScratch, t.start)
	a.aluRR(true, opAdd, regAddr, regScratch)
	a.jmpReg(regAddr)
}

// epilogue is the shared exit: store the eBPF registers, restore the host registers and return to Go.
func (t *translator) epilogue() {
	a := t.a
	a.bind(t.exitCommon)
	for i, r := range regMap {
		a.store(regCtx, int32(ctxRegs+i*8), r)
	}
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		a.pop(calleeSaved[i])
	}
	a.ret()

	a.bind(t.exitReturn)
	a.storeImm(regCtx, ctxExit, exitReturn)
	a.jmp(t.exitCommon)
}

func (t *translator) newStub(kind stubKind, pc, size int, store bool) label {
	l := t.a.newLabel()
	t.stubs = append(t.stubs, stub{label: l, kind: kind, pc: pc, size: size, store: store})
	return l
}

func (t *translator) emitStubs() {
	a := t.a
	for _, s := range t.stubs {
		a.bind(s.label)
		a.storeImm(regCtx, ctxPC, int32(s.pc))

		switch s.kind {
		case stubDivideByZero:
			a.storeImm(regCtx, ctxExit, exitDivideByZero)
		case stubOutOfBounds:
			arg := int32(s.size)
			if s.store {
				arg |= argStore
			}
			a.store(regCtx, ctxAddr, regAddr)
			a.storeImm(regCtx, ctxArg, arg)
			a.storeImm(regCtx, ctxExit, exitOutOfBounds)
		}

		a.jmp(t.exitCommon)
	}
}

func (t *translator) lower(pc int, inst ebpf.RawInstruction) error {
	info, ok := ebpf.LookupOp(inst.Op)
	if !ok {
		return &Error{PC: pc, Msg: fmt.Sprintf("unknown opcode 0x%02x", inst.Op)}
	}

	a := t.a
	dst := regMap[inst.GetDestReg()]
	src := regMap[inst.GetSourceReg()]

	switch info.Kind {
	case ebpf.KindALU:
		return t.alu(pc, inst, dst, src)

	case ebpf.KindEndian:
		t.endian(inst, dst)

	case ebpf.KindLoadImm64:
		imm := uint64(uint32(inst.Imm)) | uint64(uint32(t.insts[pc+1].Imm))<<32
		a.movabs(dst, imm)

	case ebpf.KindLoad:
		size := info.Size.Bytes()
		t.address(pc, src, inst.Off, size, false)
		switch info.Size {
		case ebpf.BPF_B:
			a.opRM(false, []byte{0x0f, 0xb6}, dst, regAddr, 0, false)
		case ebpf.BPF_H:
			a.opRM(false, []byte{0x0f, 0xb7}, dst, regAddr, 0, false)
		case ebpf.BPF_W:
			a.opRM(false, []byte{0x8b}, dst, regAddr, 0, false)
		case ebpf.BPF_DW:
			a.opRM(true, []byte{0x8b}, dst, regAddr, 0, false)
		}

	case ebpf.KindStore:
		size := info.Size.Bytes()
		t.address(pc, dst, inst.Off, size, true)
		switch info.Size {
		case ebpf.BPF_B:
			a.opRM(false, []byte{0xc6}, 0, regAddr, 0, false)
			a.emit(byte(inst.Imm))
		case ebpf.BPF_H:
			a.emit(0x66)
			a.opRM(false, []byte{0xc7}, 0, regAddr, 0, false)
			a.emit(byte(inst.Imm), byte(inst.Imm>>8))
		case ebpf.BPF_W:
			a.opRM(false, []byte{0xc7}, 0, regAddr, 0, false)
			a.emitU32(uint32(inst.Imm))
		case ebpf.BPF_DW:
			a.opRM(true, []byte{0xc7}, 0, regAddr, 0, false)
			a.emitU32(uint32(inst.Imm))
		}

	case ebpf.KindStoreReg:
		size := info.Size.Bytes()
		t.address(pc, dst, inst.Off, size, true)
		switch info.Size {
		case ebpf.BPF_B:
			a.opRM(false, []byte{0x88}, src, regAddr, 0, true)
		case ebpf.BPF_H:
			a.emit(0x66)
			a.opRM(false, []byte{opMov}, src, regAddr, 0, false)
		case ebpf.BPF_W:
			a.opRM(false, []byte{opMov}, src, regAddr, 0, false)
		case ebpf.BPF_DW:
			a.opRM(true, []byte{opMov}, src, regAddr, 0, false)
		}

	case ebpf.KindJumpAlways:
		a.jmp(t.pcLabels[pc+int(inst.Off)+1])

	case ebpf.KindJump:
		t.jump(pc, inst, dst, src)

	case ebpf.KindCall:
		t.call(pc, inst)

	case ebpf.KindExit:
		a.jmp(t.exitReturn)

	default:
		return &Error{PC: pc, Msg: fmt.Sprintf("can't lower opcode 0x%02x", inst.Op)}
	}

	return nil
}

func (t *translator) alu(pc int, inst ebpf.RawInstruction, dst, src reg) error {
	a := t.a
	w := inst.Class() == ebpf.BPF_ALU64
	x := ebpf.IsSourceReg(inst.Op)

	rr := func(op byte, ext reg) {
		if x {
			a.aluRR(w, op, dst, src)
		} else {
			a.aluRI(w, ext, dst, inst.Imm)
		}
	}

	switch op := ebpf.AluOp(inst.Op); op {
	case ebpf.BPF_ADD:
		rr(opAdd, extAdd)
	case ebpf.BPF_SUB:
		rr(opSub, extSub)
	case ebpf.BPF_OR:
		rr(opOr, extOr)
	case ebpf.BPF_AND:
		rr(opAnd, extAnd)
	case ebpf.BPF_XOR:
		rr(opXor, extXor)

	case ebpf.BPF_MOV:
		if x {
			a.movRR(w, dst, src)
		} else {
			a.movRI(w, dst, inst.Imm)
		}

	case ebpf.BPF_MUL:
		if x {
			a.imulRR(w, dst, src)
		} else {
			a.imulRI(w, dst, inst.Imm)
		}

	case ebpf.BPF_LSH, ebpf.BPF_RSH, ebpf.BPF_ARSH:
		ext := map[uint8]reg{ebpf.BPF_LSH: extShl, ebpf.BPF_RSH: extShr, ebpf.BPF_ARSH: extSar}[op]
		if x {
			a.movRR(true, regCount, src)
			a.shiftRCL(w, ext, dst)
		} else {
			mask := uint8(31)
			if w {
				mask = 63
			}
			a.shiftRI(w, ext, dst, uint8(inst.Imm)&mask)
		}
		if !w {
			// A 32 bit shift by 0 leaves the upper half alone
			a.movRR(false, dst, dst)
		}

	case ebpf.BPF_NEG:
		a.unary(w, extNeg, dst)

	case ebpf.BPF_DIV, ebpf.BPF_MOD:
		t.divmod(pc, w, op == ebpf.BPF_MOD, x, inst.Imm, dst, src)

	default:
		return &Error{PC: pc, Msg: fmt.Sprintf("can't lower alu opcode 0x%02x", inst.Op)}
	}

	return nil
}

// divmod lowers unsigned division and modulo. x86 div takes its dividend in rdx:rax, both of which are eBPF
// registers, so they are saved around the division unless they are the destination.
func (t *translator) divmod(pc int, w, mod, x bool, imm int32, dst, src reg) {
	a := t.a

	if x {
		a.movRR(w, regCount, src)
		a.aluRR(w, opTest, regCount, regCount)
		a.jcc(ccE, t.newStub(stubDivideByZero, pc, 0, false))
	} else {
		a.movRI(w, regCount, imm)
	}

	if dst != RAX {
		a.push(RAX)
	}
	if dst != RDX {
		a.push(RDX)
	}
	if dst != RAX {
		a.movRR(w, RAX, dst)
	}
	a.aluRR(false, opXor, RDX, RDX)
	a.unary(w, extDiv, regCount)

	if mod {
		a.movRR(true, regAddr, RDX)
	} else {
		a.movRR(true, regAddr, RAX)
	}

	if dst != RDX {
		a.pop(RDX)
	}
	if dst != RAX {
		a.pop(RAX)
	}
	a.movRR(w, dst, regAddr)
}

func (t *translator) endian(inst ebpf.RawInstruction, dst reg) {
	a := t.a
	if inst.Op&ebpf.BPF_TO_BE == ebpf.BPF_TO_LE {
		switch inst.Imm {
		case 16:
			a.movzx16(dst, dst)
		case 32:
			a.movRR(false, dst, dst)
		}
		return
	}

	switch inst.Imm {
	case 16:
		a.ror16(dst, 8)
		a.movzx16(dst, dst)
	case 32:
		a.bswap(false, dst)
	case 64:
		a.bswap(true, dst)
	}
}

// address computes base+off into regAddr and, with bounds checking, branches to a fault stub unless the access lies
// entirely within the memory region or the stack.
func (t *translator) address(pc int, base reg, off int16, size int, store bool) {
	a := t.a
	a.lea(regAddr, base, int32(off))
	if !t.cfg.BoundsCheck {
		return
	}

	fault := t.newStub(stubOutOfBounds, pc, size, store)
	checkStack := a.newLabel()
	ok := a.newLabel()

	a.movRR(true, regScratch, regAddr)
	a.aluRI(true, extAdd, regScratch, int32(size))
	// The end of the access wraps around
	a.jcc(ccB, fault)

	a.cmpRM(regAddr, regCtx, ctxMemBase)
	a.jcc(ccB, checkStack)
	a.cmpRM(regScratch, regCtx, ctxMemEnd)
	a.jcc(ccA, checkStack)
	a.jmp(ok)

	a.bind(checkStack)
	a.cmpRM(regAddr, regCtx, ctxStackBase)
	a.jcc(ccB, fault)
	a.cmpRM(regScratch, regCtx, ctxStackEnd)
	a.jcc(ccA, fault)

	a.bind(ok)
}

var jumpConditions = map[uint8]byte{
	ebpf.BPF_JEQ:  ccE,
	ebpf.BPF_JNE:  ccNE,
	ebpf.BPF_JSET: ccNE,
	ebpf.BPF_JGT:  ccA,
	ebpf.BPF_JGE:  ccAE,
	ebpf.BPF_JLT:  ccB,
	ebpf.BPF_JLE:  ccBE,
	ebpf.BPF_JSGT: ccG,
	ebpf.BPF_JSGE: ccGE,
	ebpf.BPF_JSLT: ccL,
	ebpf.BPF_JSLE: ccLE,
}

func (t *translator) jump(pc int, inst ebpf.RawInstruction, dst, src reg) {
	a := t.a
	w := inst.Class() == ebpf.BPF_JMP
	op := ebpf.AluOp(inst.Op)

	switch {
	case op == ebpf.BPF_JSET && ebpf.IsSourceReg(inst.Op):
		a.aluRR(w, opTest, dst, src)
	case op == ebpf.BPF_JSET:
		a.testRI(w, dst, inst.Imm)
	case ebpf.IsSourceReg(inst.Op):
		a.aluRR(w, opCmp, dst, src)
	default:
		a.aluRI(w, extCmp, dst, inst.Imm)
	}

	a.jcc(jumpConditions[op], t.pcLabels[pc+int(inst.Off)+1])
}

// call exits to Go with the function index, Go re-enters at the continuation after storing the result in r0.
func (t *translator) call(pc int, inst ebpf.RawInstruction) {
	a := t.a
	cont := a.newLabel()

	a.storeImm(regCtx, ctxExit, exitCall)
	a.storeImm(regCtx, ctxPC, int32(pc))
	a.storeImm(regCtx, ctxArg, inst.Imm)
	a.movabsOffset(regAddr, cont)
	a.store(regCtx, ctxResume, regAddr)
	a.jmp(t.exitCommon)

	a.bind(cont)
	if t.cfg.Unwind && uint32(inst.Imm) == t.cfg.UnwindIndex {
		a.aluRR(true, opTest, RAX, RAX)
		a.jcc(ccE, t.exitReturn)
	}
}
