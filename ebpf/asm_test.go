package ebpf

import (
	"bytes"
	"embed"
	"strings"
	"testing"
)

//go:embed asm_test.bpfasm
var assembly embed.FS

const filename = "asm_test.bpfasm"

// This test ensures that the format accepted by the assembler matches the output of the disassembler.
func TestAssembleDisassembleSymmetry(t *testing.T) {
	fileContents, err := assembly.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}

	insts, err := Assemble(filename, bytes.NewReader(fileContents))
	if err != nil {
		t.Fatal(err)
	}

	decInsts, err := DecodeBytes(EncodeBytes(insts))
	if err != nil {
		t.Fatal(err)
	}

	disassembled, err := Disassemble(decInsts)
	if err != nil {
		t.Fatal(err)
	}

	if string(fileContents) != disassembled {
		t.Errorf("assembling and disassembling not symmetric, got:\n%s", disassembled)
	}
}

func TestAssembleEncoding(t *testing.T) {
	tests := []struct {
		name string
		asm  string
		want []RawInstruction
	}{
		{
			name: "mov imm",
			asm:  "mov r0, 5",
			want: []RawInstruction{{Op: 0xb7, Reg: 0x00, Imm: 5}},
		},
		{
			name: "add reg",
			asm:  "add r3, r10",
			want: []RawInstruction{{Op: 0x0f, Reg: 0xa3}},
		},
		{
			name: "hex immediate wraps to signed",
			asm:  "mov32 r1, 0xffffffff",
			want: []RawInstruction{{Op: 0xb4, Reg: 0x01, Imm: -1}},
		},
		{
			name: "lddw splits over two slots",
			asm:  "lddw r2, 0x100000002",
			want: []RawInstruction{{Op: 0x18, Reg: 0x02, Imm: 2}, {Imm: 1}},
		},
		{
			name: "load with negative offset",
			asm:  "ldxw r0, [r10 - 4]",
			want: []RawInstruction{{Op: 0x61, Reg: 0xa0, Off: -4}},
		},
		{
			name: "store immediate",
			asm:  "stdw [r1+8], -1",
			want: []RawInstruction{{Op: 0x7a, Reg: 0x01, Off: 8, Imm: -1}},
		},
		{
			name: "endian",
			asm:  "be32 r4",
			want: []RawInstruction{{Op: 0xdc, Reg: 0x04, Imm: 32}},
		},
		{
			name: "labels",
			asm: `
				mov r0, 0
			loop:
				add r0, 1 # count
				jlt r0, 10, loop
				ja done
				mov r0, 1
			done:
				exit`,
			want: []RawInstruction{
				{Op: 0xb7},
				{Op: 0x07, Imm: 1},
				{Op: 0xa5, Off: -2, Imm: 10},
				{Op: 0x05, Off: 1},
				{Op: 0xb7, Imm: 1},
				{Op: 0x95},
			},
		},
		{
			name: "labels after lddw",
			asm: `
				jeq r1, 0, end
				lddw r0, 1
			end:
				exit`,
			want: []RawInstruction{
				{Op: 0x15, Reg: 0x01, Off: 2},
				{Op: 0x18, Imm: 1},
				{},
				{Op: 0x95},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Assemble(test.name, strings.NewReader(test.asm))
			if err != nil {
				t.Fatal(err)
			}

			if len(got) != len(test.want) {
				t.Fatalf("got %d instructions, want %d: %v", len(got), len(test.want), got)
			}
			for i := range got {
				if got[i] != test.want[i] {
					t.Errorf("instruction %d: got %+v, want %+v", i, got[i], test.want[i])
				}
			}
		})
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		asm  string
		err  string
	}{
		{name: "unknown mnemonic", asm: "frob r0", err: "unknown mnemonic 'frob'"},
		{name: "operand count", asm: "mov r0", err: "expects 2 operands"},
		{name: "register expected", asm: "neg 5", err: "must be a register"},
		{name: "immediate too large", asm: "mov r0, 0x100000000", err: "doesn't fit in 32 bits"},
		{name: "undefined label", asm: "ja nowhere", err: "undefined label 'nowhere'"},
		{name: "duplicate label", asm: "a:\na:\nexit", err: "duplicate label 'a'"},
		{name: "bad size", asm: "ldxq r0, [r1]", err: "unknown mnemonic 'ldxq'"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Assemble(test.name, strings.NewReader(test.asm))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.err) {
				t.Errorf("error %q does not contain %q", err, test.err)
			}
		})
	}
}
