package ebpf

import (
	"testing"

	"github.com/cilium/ebpf/asm"
)

func TestDecodeBytes(t *testing.T) {
	code := []byte{
		0xb7, 0x10, 0xfe, 0xff, 0x78, 0x56, 0x34, 0x12,
		0x95, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	insts, err := DecodeBytes(code)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insts))
	}

	inst := insts[0]
	if inst.Op != 0xb7 || inst.GetDestReg() != BPF_REG_0 || inst.GetSourceReg() != BPF_REG_1 {
		t.Errorf("bad opcode or registers: %+v", inst)
	}
	if inst.Off != -2 || inst.Imm != 0x12345678 {
		t.Errorf("bad offset or immediate: %+v", inst)
	}

	if got := EncodeBytes(insts); string(got) != string(code) {
		t.Errorf("EncodeBytes = %x, want %x", got, code)
	}

	if _, err := DecodeBytes(code[:12]); err == nil {
		t.Error("expected error for truncated code")
	}
}

func TestSetRegisters(t *testing.T) {
	var inst RawInstruction
	inst.SetDestReg(BPF_REG_3)
	inst.SetSourceReg(BPF_REG_10)
	if inst.Reg != 0xa3 {
		t.Errorf("Reg = %#x, want 0xa3", inst.Reg)
	}
	if inst.Reg != NewReg(BPF_REG_10, BPF_REG_3) {
		t.Errorf("NewReg mismatch")
	}
}

func TestLookupOp(t *testing.T) {
	tests := []struct {
		op   uint8
		kind OpKind
		name string
	}{
		{op: 0x07, kind: KindALU, name: "add"},
		{op: 0x04, kind: KindALU, name: "add32"},
		{op: 0x87, kind: KindALU, name: "neg"},
		{op: 0xd4, kind: KindEndian, name: "le"},
		{op: 0x18, kind: KindLoadImm64, name: "lddw"},
		{op: 0x79, kind: KindLoad, name: "ldxdw"},
		{op: 0x72, kind: KindStore, name: "stb"},
		{op: 0x6b, kind: KindStoreReg, name: "stxh"},
		{op: 0x05, kind: KindJumpAlways, name: "ja"},
		{op: 0x1e, kind: KindJump, name: "jeq32"},
		{op: 0x85, kind: KindCall, name: "call"},
		{op: 0x95, kind: KindExit, name: "exit"},
	}

	for _, test := range tests {
		info, ok := LookupOp(test.op)
		if !ok {
			t.Errorf("%#x not recognised", test.op)
			continue
		}
		if info.Kind != test.kind || info.Mnemonic != test.name {
			t.Errorf("%#x: got %v %q, want %v %q", test.op, info.Kind, info.Mnemonic, test.kind, test.name)
		}
	}

	// neg with a register source, 64 bit endian, atomics, legacy packet loads and jmp32 ja are not supported
	for _, op := range []uint8{0x00, 0x8f, 0xd7, 0xdb, 0xc3, 0x20, 0x06, 0x8d, 0x96} {
		if _, ok := LookupOp(op); ok {
			t.Errorf("%#x should not be recognised", op)
		}
	}
}

func TestFromCilium(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R0, 5),
		asm.Add.Reg(asm.R0, asm.R1),
		asm.LoadImm(asm.R2, 0x100000002, asm.DWord),
		asm.LoadMem(asm.R3, asm.R1, 4, asm.Word),
		asm.StoreImm(asm.R10, -8, 7, asm.DWord),
		asm.StoreMem(asm.R10, -16, asm.R3, asm.Half),
		asm.HostTo(asm.BE, asm.R4, asm.Word),
		asm.FnMapLookupElem.Call(),
		asm.Return(),
	}

	got, err := FromCilium(insns)
	if err != nil {
		t.Fatal(err)
	}

	want := MustAssemble(`
		mov r0, 5
		add r0, r1
		lddw r2, 0x100000002
		ldxw r3, [r1+4]
		stdw [r10-8], 7
		stxh [r10-16], r3
		be32 r4
		call 1
		exit
	`)

	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("instruction %d: cilium %+v, assembler %+v", i, got[i], want[i])
		}
	}
}
