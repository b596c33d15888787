package verifier

import (
	"errors"
	"testing"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

func TestLoadErrors(t *testing.T) {
	exit := ebpf.RawInstruction{Op: ebpf.OpExit}

	for _, test := range []struct {
		// desc is the test's description.
		desc string

		// code is the raw bytecode to be loaded, used when asm is empty.
		code []byte

		// asm is the program in assembly form.
		asm string

		// insts is the program in instruction form, used when asm and code are empty.
		insts []ebpf.RawInstruction

		// expectedErr is the expected verification error.
		expectedErr Error
	}{
		{
			desc:        "Code must not be empty",
			code:        []byte{},
			expectedErr: Error{Reason: EmptyProgram, PC: -1},
		},
		{
			desc:        "Code length must be a multiple of 8",
			code:        make([]byte, 12),
			expectedErr: Error{Reason: InvalidLength, PC: -1, Value: 12},
		},
		{
			desc:        "A program must have 65536 or fewer instructions",
			code:        make([]byte, (DefaultMaxInstructions+1)*8),
			expectedErr: Error{Reason: TooManyInstructions, PC: -1, Value: DefaultMaxInstructions + 1},
		},
		{
			desc:        "Unknown opcodes are rejected",
			insts:       []ebpf.RawInstruction{{Op: 0x06}, exit},
			expectedErr: Error{Reason: UnknownOpcode, PC: 0, Value: 0x06},
		},
		{
			desc:        "Atomic operations are rejected",
			insts:       []ebpf.RawInstruction{{Op: 0xdb, Reg: 0x21}, exit},
			expectedErr: Error{Reason: UnknownOpcode, PC: 0, Value: 0xdb},
		},
		{
			desc:        "Local function calls are rejected",
			insts:       []ebpf.RawInstruction{{Op: ebpf.OpCall, Reg: 0x10, Imm: 1}, exit},
			expectedErr: Error{Reason: UnknownOpcode, PC: 0, Value: int64(ebpf.OpCall)},
		},
		{
			desc:        "Source register must exist",
			insts:       []ebpf.RawInstruction{{Op: 0xbf, Reg: 0xb0}, exit},
			expectedErr: Error{Reason: InvalidSourceRegister, PC: 0, Value: 11},
		},
		{
			desc:        "Destination register must exist",
			insts:       []ebpf.RawInstruction{{Op: 0xb7, Reg: 0x0c}, exit},
			expectedErr: Error{Reason: InvalidDestinationRegister, PC: 0, Value: 12},
		},
		{
			desc:        "r10 is read only",
			asm:         "mov r10, 0\nexit",
			expectedErr: Error{Reason: ReadOnlyRegister, PC: 0},
		},
		{
			desc:        "lddw must be followed by its second slot",
			insts:       []ebpf.RawInstruction{{Op: ebpf.OpLoadImm64, Imm: 1}, exit},
			expectedErr: Error{Reason: IncompleteLoadImm64, PC: 0},
		},
		{
			desc:        "lddw at the end of the program is incomplete",
			insts:       []ebpf.RawInstruction{exit, {Op: ebpf.OpLoadImm64, Imm: 1}},
			expectedErr: Error{Reason: IncompleteLoadImm64, PC: 1},
		},
		{
			desc:        "Jumps past the end are rejected",
			asm:         "ja +1\nexit",
			expectedErr: Error{Reason: JumpOutOfBounds, PC: 0, Value: 2},
		},
		{
			desc:        "Jumps before the start are rejected",
			asm:         "mov r0, 0\njeq r0, 0, -3\nexit",
			expectedErr: Error{Reason: JumpOutOfBounds, PC: 1, Value: -1},
		},
		{
			desc:        "Jumps to themselves are rejected",
			asm:         "ja -1\nexit",
			expectedErr: Error{Reason: InfiniteLoop, PC: 0},
		},
		{
			desc:        "Jumps into the middle of lddw are rejected",
			asm:         "ja +1\nlddw r0, 1\nexit",
			expectedErr: Error{Reason: JumpIntoLoadImm64, PC: 0, Value: 2},
		},
		{
			desc:        "Backward jumps into the middle of lddw are rejected",
			asm:         "lddw r0, 1\njne r0, 0, -2\nexit",
			expectedErr: Error{Reason: JumpIntoLoadImm64, PC: 2, Value: 1},
		},
		{
			desc:        "Division by literal zero is rejected",
			asm:         "div r0, 0\nexit",
			expectedErr: Error{Reason: DivisionByZero, PC: 0},
		},
		{
			desc:        "Modulo by literal zero is rejected",
			asm:         "mov r0, 1\nmod32 r0, 0\nexit",
			expectedErr: Error{Reason: DivisionByZero, PC: 1},
		},
		{
			desc:        "Endian conversion width must be 16, 32 or 64",
			insts:       []ebpf.RawInstruction{{Op: 0xd4, Imm: 8}, exit},
			expectedErr: Error{Reason: InvalidEndianWidth, PC: 0, Value: 8},
		},
		{
			desc:        "A program must end with exit",
			asm:         "mov r0, 0",
			expectedErr: Error{Reason: MissingExit, PC: 0},
		},
		{
			desc:        "A program must not end with a lddw",
			insts:       []ebpf.RawInstruction{exit, {Op: ebpf.OpLoadImm64}, {}},
			expectedErr: Error{Reason: MissingExit, PC: 2},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			var err error
			switch {
			case test.asm != "":
				_, err = LoadInstructions(ebpf.MustAssemble(test.asm), Options{})
			case test.code != nil:
				_, err = Load(test.code, Options{})
			default:
				_, err = LoadInstructions(test.insts, Options{})
			}

			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected verifier error %q, got %v", &test.expectedErr, err)
			}
			if *verr != test.expectedErr {
				t.Errorf("expected error %q, got error %q", &test.expectedErr, verr)
			}
		})
	}
}

func TestLoadValid(t *testing.T) {
	prog, err := LoadInstructions(ebpf.MustAssemble(`
		mov r0, 0
		lddw r1, 0x1122334455667788
		jeq r1, 0, +1
		ja +0
		ldxw r2, [r10-4]
		stw [r10-8], 1
		stxdw [r10-16], r1
		call 63
		call 1000
		le64 r0
		exit
	`), Options{})
	if err != nil {
		t.Fatal(err)
	}

	if prog.Len() != 12 {
		t.Errorf("Len() = %d, want 12", prog.Len())
	}
	if prog.Instructions()[2] != (ebpf.RawInstruction{Imm: 0x11223344}) {
		t.Errorf("second lddw slot = %+v", prog.Instructions()[2])
	}
}

func TestLoadBytes(t *testing.T) {
	code := ebpf.EncodeBytes(ebpf.MustAssemble("mov r0, 5\nadd r0, 3\nexit"))

	prog, err := Load(code, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if prog.Len() != 3 {
		t.Errorf("Len() = %d", prog.Len())
	}

	if _, err := Load(code, Options{MaxInstructions: 2}); err == nil {
		t.Error("expected error with a limit of 2 instructions")
	}
}

func TestLoadInstructionsCopies(t *testing.T) {
	insts := ebpf.MustAssemble("mov r0, 1\nexit")
	prog, err := LoadInstructions(insts, Options{})
	if err != nil {
		t.Fatal(err)
	}

	insts[0].Imm = 2
	if prog.Instructions()[0].Imm != 1 {
		t.Error("program shares memory with its input")
	}
}

func TestErrorMessages(t *testing.T) {
	err := &Error{Reason: JumpOutOfBounds, PC: 4, Value: 9}
	if got, want := err.Error(), "instruction 4: jump out of bounds (target 9)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	err = &Error{Reason: InvalidLength, PC: -1, Value: 12}
	if got, want := err.Error(), "code length is not a multiple of the instruction size (12 bytes)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
