package main

import (
	"testing"

	"github.com/dylandreimerink/gobpfvm"
	"github.com/dylandreimerink/gobpfvm/ebpf"
)

func TestBuiltins(t *testing.T) {
	tests := []struct {
		name string
		asm  string
		mem  []byte
		want uint64
	}{
		{
			name: "gather_bytes",
			asm:  "mov r1, 1\nmov r2, 2\nmov r3, 3\nmov r4, 4\nmov r5, 5\ncall 0\nexit",
			want: 0x0102030405,
		},
		{name: "sqrti", asm: "mov r1, 1001\ncall 3\nexit", want: 31},
		{
			name: "memfrob",
			asm:  "mov r6, r1\ncall 1\nldxb r0, [r6]\nexit",
			mem:  []byte{42 ^ 7, 1},
			want: 7,
		},
		{
			name: "strcmp_ext equal",
			asm:  "mov r2, r1\nadd r2, 4\ncall 4\nexit",
			mem:  []byte("abc\x00abc\x00"),
			want: 0,
		},
		{
			name: "strcmp_ext differs",
			asm:  "mov r2, r1\nadd r2, 4\ncall 4\nexit",
			mem:  []byte("abd\x00abc\x00"),
			want: 1,
		},
		{name: "unwind", asm: "mov r1, 0\ncall 5\nmov r0, 9\nexit", want: 0},
	}

	unwind := uint32(5)
	cfg := Config{UnwindIndex: &unwind}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			vm, err := cfg.newVM()
			if err != nil {
				t.Fatal(err)
			}
			defer vm.Close()

			if err := vm.LoadInstructions(ebpf.MustAssemble(test.asm)); err != nil {
				t.Fatal(err)
			}

			got, err := vm.Exec(test.mem)
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("got %#x, want %#x", got, test.want)
			}
		})
	}
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]string{
		"prog.o":      "elf",
		"prog.ELF":    "elf",
		"prog.bpfasm": "asm",
		"prog.s":      "asm",
		"prog.bin":    "raw",
		"prog":        "raw",
	} {
		if got := formatOf(path); got != want {
			t.Errorf("formatOf(%q) = %q, want %q", path, got, want)
		}
	}
}

var _ gobpfvm.Engine = interpreted{}
