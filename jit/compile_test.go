package jit

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/functable"
	"github.com/dylandreimerink/gobpfvm/machine"
	"github.com/dylandreimerink/gobpfvm/verifier"
)

// Every instruction form, used to check the generated code
const allForms = `
	mov r0, 0
	mov r1, r2
	add r0, 1
	add32 r0, r1
	sub r3, r4
	mul r5, 7
	mul32 r5, r6
	div r0, 3
	div r7, r8
	div32 r0, r3
	mod r1, r2
	mod32 r9, 5
	or r0, 1
	and r0, r1
	xor32 r0, -1
	lsh r0, 3
	lsh r0, r2
	rsh32 r0, 1
	arsh r0, r1
	neg r0
	neg32 r9
	le16 r0
	le32 r0
	le64 r0
	be16 r3
	be32 r3
	be64 r3
	lddw r6, 0x1122334455667788
	ldxb r0, [r10-1]
	ldxh r0, [r10-2]
	ldxw r0, [r10-4]
	ldxdw r0, [r10-8]
	stb [r10-1], 1
	sth [r10-2], 2
	stw [r10-4], 3
	stdw [r10-8], -4
	stxb [r10-1], r2
	stxh [r10-2], r1
	stxw [r10-4], r0
	stxdw [r10-8], r9
	jeq r0, 1, +0
	jne r0, r1, +0
	jset r0, 1, +0
	jset32 r0, r1, +0
	jgt r0, 1, +0
	jge32 r0, r1, +0
	jlt r0, 1, +0
	jle r0, r1, +0
	jsgt r0, -1, +0
	jsge r0, r1, +0
	jslt32 r0, 1, +0
	jsle r0, r1, +0
	ja +0
	call 1
	mov r0, 0
	exit
`

func translate(t *testing.T, asm string, cfg Config) *Code {
	t.Helper()

	prog, err := verifier.LoadInstructions(ebpf.MustAssemble(asm), verifier.Options{})
	if err != nil {
		t.Fatal(err)
	}

	code, err := Translate(prog, &functable.Table{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func TestContextLayout(t *testing.T) {
	var ctx context
	if ctxMemBase != len(ctx.regs)*8 {
		t.Fatalf("memBase offset %d does not follow %d registers", ctxMemBase, len(ctx.regs))
	}
	offsets := map[string][2]uintptr{
		"regs":      {unsafe.Offsetof(ctx.regs), ctxRegs},
		"memBase":   {unsafe.Offsetof(ctx.memBase), ctxMemBase},
		"memEnd":    {unsafe.Offsetof(ctx.memEnd), ctxMemEnd},
		"stackBase": {unsafe.Offsetof(ctx.stackBase), ctxStackBase},
		"stackEnd":  {unsafe.Offsetof(ctx.stackEnd), ctxStackEnd},
		"resume":    {unsafe.Offsetof(ctx.resume), ctxResume},
		"exit":      {unsafe.Offsetof(ctx.exit), ctxExit},
		"pc":        {unsafe.Offsetof(ctx.pc), ctxPC},
		"addr":      {unsafe.Offsetof(ctx.addr), ctxAddr},
		"arg":       {unsafe.Offsetof(ctx.arg), ctxArg},
	}
	for name, o := range offsets {
		if o[0] != o[1] {
			t.Errorf("%s at offset %d, generated code uses %d", name, o[0], o[1])
		}
	}
}

func TestTranslateDecodes(t *testing.T) {
	for _, boundsCheck := range []bool{false, true} {
		cfg := Config{Config: machine.Config{BoundsCheck: boundsCheck}, Secret: 0xdeadbeefcafe}
		code := translate(t, allForms, cfg)

		b := code.Bytes()
		for offset := 0; offset < len(b); {
			inst, err := x86asm.Decode(b[offset:], 64)
			if err != nil {
				t.Fatalf("bounds check %v: undecodable code at 0x%x: %v", boundsCheck, offset, err)
			}
			offset += inst.Len
		}

		for pc := 0; pc < len(code.insts); pc++ {
			off := code.Offset(pc)
			if code.insts[pc].Op == ebpf.OpLoadImm64 {
				if code.Offset(pc+1) != -1 {
					t.Errorf("second slot of lddw has an offset")
				}
				pc++
			} else if off < 0 || off > len(b) {
				t.Errorf("instruction %d has offset %d", pc, off)
			}
		}
	}
}

func TestSecret(t *testing.T) {
	plain := translate(t, "call 1\nexit", Config{})
	secret := translate(t, "call 1\nexit", Config{Secret: 0x5a5a5a5a5a5a5a5a})

	if bytes.Equal(plain.Bytes(), secret.Bytes()) {
		t.Error("secret does not change the code")
	}
}

func TestMaxCodeSize(t *testing.T) {
	prog, err := verifier.LoadInstructions(ebpf.MustAssemble(allForms), verifier.Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = Translate(prog, &functable.Table{}, Config{MaxCodeSize: 64})
	var jitErr *Error
	if !errors.As(err, &jitErr) || jitErr.PC != -1 {
		t.Fatalf("expected code size error, got %v", err)
	}
}

func TestTableSnapshot(t *testing.T) {
	var table functable.Table
	prog, err := verifier.LoadInstructions(ebpf.MustAssemble("call 1\nexit"), verifier.Options{})
	if err != nil {
		t.Fatal(err)
	}

	code, err := Translate(prog, &table, Config{})
	if err != nil {
		t.Fatal(err)
	}
	_ = table.Register(1, "late", func(r1, r2, r3, r4, r5 uint64) uint64 { return 1 })

	if _, ok := code.table.Lookup(1); ok {
		t.Error("function registered after translation is visible to the code")
	}
}

func TestDisassemble(t *testing.T) {
	code := translate(t, "mov r0, 1\nle64 r0\nexit", Config{})
	out := code.Disassemble()

	for _, want := range []string{"; 0: mov r0, 1", "; 1: le64 r0", "; 2: exit", "push rbp", "ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}
}
