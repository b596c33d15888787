package jit

import "encoding/binary"

// x86-64 register encoding
type reg uint8

const (
	RAX reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Condition codes, the second byte of a near jcc (0F 8x)
const (
	ccB  = 0x82 // below, unsigned <
	ccAE = 0x83 // above or equal, unsigned >=
	ccE  = 0x84
	ccNE = 0x85
	ccBE = 0x86 // below or equal, unsigned <=
	ccA  = 0x87 // above, unsigned >
	ccL  = 0x8c // signed <
	ccGE = 0x8d // signed >=
	ccLE = 0x8e // signed <=
	ccG  = 0x8f // signed >
)

// ALU opcodes of the `op r/m, reg` form
const (
	opAdd  = 0x01
	opOr   = 0x09
	opAnd  = 0x21
	opSub  = 0x29
	opXor  = 0x31
	opCmp  = 0x39
	opTest = 0x85
	opMov  = 0x89
)

// Group opcode extensions, the reg field of ModRM
const (
	extAdd = 0
	extOr  = 1
	extAnd = 4
	extSub = 5
	extXor = 6
	extCmp = 7

	extShl = 4
	extShr = 5
	extSar = 7

	extTest = 0
	extNeg  = 3
	extDiv  = 6
)

type label int

type fixupKind uint8

const (
	// rel32 relative to the end of the 4 byte field
	fixRel32 fixupKind = iota
	// 64 bit code offset of the label XOR'ed with the pointer secret
	fixOffset64
)

type fixup struct {
	at    int
	label label
	kind  fixupKind
}

// assembler is a buffer for generating x86-64 machine code with forward references to labels.
type assembler struct {
	code   []byte
	labels []int
	fixups []fixup
}

func newAssembler(sizeHint int) *assembler {
	return &assembler{code: make([]byte, 0, sizeHint)}
}

func (a *assembler) len() int {
	return len(a.code)
}

func (a *assembler) emit(b ...byte) {
	a.code = append(a.code, b...)
}

func (a *assembler) emitU32(v uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
}

func (a *assembler) emitU64(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// newLabel creates an unbound label.
func (a *assembler) newLabel() label {
	a.labels = append(a.labels, -1)
	return label(len(a.labels) - 1)
}

// bind sets a label to the current position.
func (a *assembler) bind(l label) {
	a.labels[l] = len(a.code)
}

func (a *assembler) offset(l label) int {
	return a.labels[l]
}

// resolve patches all fixups, every referenced label must be bound.
func (a *assembler) resolve(secret uint64) bool {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return false
		}

		switch f.kind {
		case fixRel32:
			binary.LittleEndian.PutUint32(a.code[f.at:], uint32(int32(target-(f.at+4))))
		case fixOffset64:
			binary.LittleEndian.PutUint64(a.code[f.at:], uint64(target)^secret)
		}
	}
	return true
}

// REX prefix for 64-bit operations
// W: 64-bit operand size
// R: extension of ModRM reg field
// B: extension of ModRM r/m field or SIB base field
// force emits the prefix even if empty, needed to address SIL/DIL as byte registers
func (a *assembler) rex(w bool, r, b reg, force bool) {
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r >= 8 {
		rex |= 0x04
	}
	if b >= 8 {
		rex |= 0x01
	}
	if rex != 0x40 || force {
		a.emit(rex)
	}
}

// ModRM byte: mod (2 bits) | reg (3 bits) | rm (3 bits)
func modRM(mod byte, r, rm reg) byte {
	return (mod << 6) | ((byte(r) & 7) << 3) | (byte(rm) & 7)
}

// opRR emits `op` with a register-direct ModRM.
func (a *assembler) opRR(w bool, op []byte, r, rm reg) {
	a.rex(w, r, rm, false)
	a.emit(op...)
	a.emit(modRM(3, r, rm))
}

// opRM emits `op` with a [base + disp32] memory operand.
func (a *assembler) opRM(w bool, op []byte, r, base reg, disp int32, force bool) {
	a.rex(w, r, base, force)
	a.emit(op...)
	a.emit(modRM(2, r, base))
	if base&7 == RSP&7 {
		// RSP and R12 as base need a SIB byte
		a.emit(0x24)
	}
	a.emitU32(uint32(disp))
}

// aluRR: op dst, src
func (a *assembler) aluRR(w bool, op byte, dst, src reg) {
	a.opRR(w, []byte{op}, src, dst)
}

// aluRI: op dst, imm32 (sign extended in 64 bit mode)
func (a *assembler) aluRI(w bool, ext reg, dst reg, imm int32) {
	a.rex(w, 0, dst, false)
	a.emit(0x81, modRM(3, ext, dst))
	a.emitU32(uint32(imm))
}

// movRR: mov dst, src. The 32 bit form zero extends.
func (a *assembler) movRR(w bool, dst, src reg) {
	a.aluRR(w, opMov, dst, src)
}

// movRI: mov dst, imm32. The 64 bit form sign extends, the 32 bit form zero extends.
func (a *assembler) movRI(w bool, dst reg, imm int32) {
	if w {
		a.rex(true, 0, dst, false)
		a.emit(0xc7, modRM(3, 0, dst))
	} else {
		a.rex(false, 0, dst, false)
		a.emit(0xb8 + byte(dst&7))
	}
	a.emitU32(uint32(imm))
}

// movabs: mov dst, imm64
func (a *assembler) movabs(dst reg, imm uint64) {
	a.rex(true, 0, dst, false)
	a.emit(0xb8 + byte(dst&7))
	a.emitU64(imm)
}

// movabsOffset: mov dst, (offset of l) ^ secret
func (a *assembler) movabsOffset(dst reg, l label) {
	a.rex(true, 0, dst, false)
	a.emit(0xb8 + byte(dst&7))
	a.fixups = append(a.fixups, fixup{at: a.len(), label: l, kind: fixOffset64})
	a.emitU64(0)
}

// shiftRI: shl/shr/sar dst, imm8
func (a *assembler) shiftRI(w bool, ext reg, dst reg, n uint8) {
	a.rex(w, 0, dst, false)
	a.emit(0xc1, modRM(3, ext, dst), n)
}

// shiftRCL: shl/shr/sar dst, cl
func (a *assembler) shiftRCL(w bool, ext reg, dst reg) {
	a.rex(w, 0, dst, false)
	a.emit(0xd3, modRM(3, ext, dst))
}

// unary: neg/div/... dst (group 3, F7 /ext)
func (a *assembler) unary(w bool, ext reg, dst reg) {
	a.rex(w, 0, dst, false)
	a.emit(0xf7, modRM(3, ext, dst))
}

// testRI: test dst, imm32
func (a *assembler) testRI(w bool, dst reg, imm int32) {
	a.rex(w, 0, dst, false)
	a.emit(0xf7, modRM(3, extTest, dst))
	a.emitU32(uint32(imm))
}

// imulRR: imul dst, src
func (a *assembler) imulRR(w bool, dst, src reg) {
	a.opRR(w, []byte{0x0f, 0xaf}, dst, src)
}

// imulRI: imul dst, dst, imm32
func (a *assembler) imulRI(w bool, dst reg, imm int32) {
	a.opRR(w, []byte{0x69}, dst, dst)
	a.emitU32(uint32(imm))
}

// movzx16: movzx dst32, src16
func (a *assembler) movzx16(dst, src reg) {
	a.opRR(false, []byte{0x0f, 0xb7}, dst, src)
}

// ror16: ror dst16, n
func (a *assembler) ror16(dst reg, n uint8) {
	a.emit(0x66)
	a.rex(false, 0, dst, false)
	a.emit(0xc1, modRM(3, 1, dst), n)
}

// bswap: bswap dst
func (a *assembler) bswap(w bool, dst reg) {
	a.rex(w, 0, dst, false)
	a.emit(0x0f, 0xc8+byte(dst&7))
}

// load: mov dst, [base + disp] (64 bit)
func (a *assembler) load(dst, base reg, disp int32) {
	a.opRM(true, []byte{0x8b}, dst, base, disp, false)
}

// store: mov [base + disp], src (64 bit)
func (a *assembler) store(base reg, disp int32, src reg) {
	a.opRM(true, []byte{opMov}, src, base, disp, false)
}

// storeImm: mov qword [base + disp], imm32 (sign extended)
func (a *assembler) storeImm(base reg, disp int32, imm int32) {
	a.opRM(true, []byte{0xc7}, 0, base, disp, false)
	a.emitU32(uint32(imm))
}

// cmpRM: cmp r, [base + disp]
func (a *assembler) cmpRM(r, base reg, disp int32) {
	a.opRM(true, []byte{0x3b}, r, base, disp, false)
}

// lea: lea dst, [base + disp]
func (a *assembler) lea(dst, base reg, disp int32) {
	a.opRM(true, []byte{0x8d}, dst, base, disp, false)
}

// leaLabel: lea dst, [rip + label]
func (a *assembler) leaLabel(dst reg, l label) {
	a.rex(true, dst, 0, false)
	a.emit(0x8d, modRM(0, dst, RBP))
	a.rel32(l)
}

func (a *assembler) push(r reg) {
	a.rex(false, 0, r, false)
	a.emit(0x50 + byte(r&7))
}

func (a *assembler) pop(r reg) {
	a.rex(false, 0, r, false)
	a.emit(0x58 + byte(r&7))
}

func (a *assembler) ret() {
	a.emit(0xc3)
}

func (a *assembler) rel32(l label) {
	a.fixups = append(a.fixups, fixup{at: a.len(), label: l, kind: fixRel32})
	a.emitU32(0)
}

// jmp: jmp rel32
func (a *assembler) jmp(l label) {
	a.emit(0xe9)
	a.rel32(l)
}

// jcc: j<cc> rel32
func (a *assembler) jcc(cc byte, l label) {
	a.emit(0x0f, cc)
	a.rel32(l)
}

// jmpReg: jmp r
func (a *assembler) jmpReg(r reg) {
	a.rex(false, 0, r, false)
	a.emit(0xff, modRM(3, 4, r))
}
