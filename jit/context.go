package jit

import "github.com/dylandreimerink/gobpfvm/machine"

// context is shared by the Go side and the generated code. Generated code addresses the fields by their offsets,
// see the ctx constants, so the layout of the leading fields must not change.
//
// Generated code exits back to Go for every external call and every fault, so the Go side can call functions with
// a regular goroutine stack. The exit field tells why the code returned, resume where to continue.
type context struct {
	regs      [machine.NumRegisters]uint64
	memBase   uint64
	memEnd    uint64
	stackBase uint64
	stackEnd  uint64
	// resume is the code offset to enter at, XOR'ed with the pointer secret
	resume uint64
	exit   uint64
	// pc of the instruction that caused the exit
	pc uint64
	// addr is the address of a faulting memory access
	addr uint64
	// arg is the function index of a call, or the size of a faulting memory access, with bit 8 set for stores
	arg uint64

	// Go only, keeps the memory backing the addresses in registers reachable
	mem   []byte
	stack []byte
}

// Field offsets of context, untyped so they can be used as displacements
const (
	ctxRegs      = 0
	ctxMemBase   = 11 * 8
	ctxMemEnd    = ctxMemBase + 8
	ctxStackBase = ctxMemEnd + 8
	ctxStackEnd  = ctxStackBase + 8
	ctxResume    = ctxStackEnd + 8
	ctxExit      = ctxResume + 8
	ctxPC        = ctxExit + 8
	ctxAddr      = ctxPC + 8
	ctxArg       = ctxAddr + 8
)

// Reasons for generated code to return to Go
const (
	exitNone = iota
	exitReturn
	exitCall
	exitDivideByZero
	exitOutOfBounds
)

// argStore is set in the arg field for out of bounds stores
const argStore = 1 << 8

// eBPF register to x86-64 register mapping. r1 - r5 follow the System V argument registers where possible, r6 - r9
// and r10 are callee saved.
var regMap = [machine.NumRegisters]reg{
	RAX, // r0
	RDI, // r1
	RSI, // r2
	RDX, // r3
	R9,  // r4
	R8,  // r5
	RBX, // r6
	R13, // r7
	R14, // r8
	R15, // r9
	RBP, // r10
}

// Registers with a fixed purpose in generated code
const (
	// regCtx holds the context pointer for the whole execution
	regCtx = R12
	// regCount holds shift counts and divisors
	regCount = RCX
	// regScratch and regAddr are free for temporaries, regAddr holds computed memory addresses
	regScratch = R10
	regAddr    = R11
)

// Host callee saved registers, pushed by the prologue in this order
var calleeSaved = []reg{RBP, RBX, R12, R13, R14, R15}
