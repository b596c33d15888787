package elfcode

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/dylandreimerink/gobpfvm/ebpf"
	"github.com/dylandreimerink/gobpfvm/functable"
)

type testReloc struct {
	off    uint64
	symbol string
	typ    ELF_R_BPF
}

type testObject struct {
	machine elf.Machine
	typ     elf.Type
	text    []byte
	relocs  []testReloc
}

// build writes a minimal relocatable object with .text, .rel.text, .symtab, .strtab and .shstrtab sections.
func (o testObject) build() []byte {
	le := binary.LittleEndian

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOff := func(s string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		return off
	}

	// Null symbol, then one global function symbol per relocation
	symtab := make([]byte, 24)
	for _, r := range o.relocs {
		sym := make([]byte, 24)
		le.PutUint32(sym[0:], strOff(r.symbol))
		sym[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_NOTYPE)
		le.PutUint16(sym[6:], uint16(elf.SHN_UNDEF))
		symtab = append(symtab, sym...)
	}

	var rel []byte
	for i, r := range o.relocs {
		rel = le.AppendUint64(rel, r.off)
		rel = le.AppendUint64(rel, uint64(i+1)<<32|uint64(r.typ))
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	shName := func(s string) uint32 {
		off := uint32(shstrtab.Len())
		shstrtab.WriteString(s)
		shstrtab.WriteByte(0)
		return off
	}

	type section struct {
		name      uint32
		typ       elf.SectionType
		flags     elf.SectionFlag
		data      []byte
		link      uint32
		info      uint32
		entsize   uint64
		addralign uint64
	}

	sections := []section{
		{},
		{name: shName(".text"), typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: o.text, addralign: 8},
		{name: shName(".rel.text"), typ: elf.SHT_REL, data: rel, link: 3, info: 1, entsize: 16, addralign: 8},
		{name: shName(".symtab"), typ: elf.SHT_SYMTAB, data: symtab, link: 4, info: 1, entsize: 24, addralign: 8},
		{name: shName(".strtab"), typ: elf.SHT_STRTAB, data: strtab.Bytes(), addralign: 1},
	}
	sections = append(sections, section{name: shName(".shstrtab"), typ: elf.SHT_STRTAB, addralign: 1})
	sections[len(sections)-1].data = shstrtab.Bytes()

	body := make([]byte, 64)
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
		offsets[i] = uint64(len(body))
		body = append(body, s.data...)
	}
	for len(body)%8 != 0 {
		body = append(body, 0)
	}
	shoff := uint64(len(body))

	for i, s := range sections {
		sh := make([]byte, 64)
		le.PutUint32(sh[0:], s.name)
		le.PutUint32(sh[4:], uint32(s.typ))
		le.PutUint64(sh[8:], uint64(s.flags))
		if i != 0 {
			le.PutUint64(sh[24:], offsets[i])
		}
		le.PutUint64(sh[32:], uint64(len(s.data)))
		le.PutUint32(sh[40:], s.link)
		le.PutUint32(sh[44:], s.info)
		le.PutUint64(sh[48:], s.addralign)
		le.PutUint64(sh[56:], s.entsize)
		body = append(body, sh...)
	}

	hdr := body[:64]
	copy(hdr, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(hdr[16:], uint16(o.typ))
	le.PutUint16(hdr[18:], uint16(o.machine))
	le.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(hdr[40:], shoff)
	le.PutUint16(hdr[52:], 64)
	le.PutUint16(hdr[58:], 64)
	le.PutUint16(hdr[60:], uint16(len(sections)))
	le.PutUint16(hdr[62:], uint16(len(sections)-1))

	return body
}

func testTable(t *testing.T) *functable.Table {
	t.Helper()

	var table functable.Table
	fn := func(r1, r2, r3, r4, r5 uint64) uint64 { return 0 }
	if err := table.Register(3, "sqrti", fn); err != nil {
		t.Fatal(err)
	}
	if err := table.Register(7, "strcmp_ext", fn); err != nil {
		t.Fatal(err)
	}
	return &table
}

func TestLoad(t *testing.T) {
	insts := ebpf.MustAssemble(`
		mov r1, 9
		call -1
		mov r6, r0
		call -1
		add r0, r6
		exit
	`)

	obj := testObject{
		machine: elf.EM_BPF,
		typ:     elf.ET_REL,
		text:    ebpf.EncodeBytes(insts),
		relocs: []testReloc{
			{off: 1 * ebpf.BPFInstSize, symbol: "sqrti", typ: R_BPF_64_32},
			{off: 3 * ebpf.BPFInstSize, symbol: "strcmp_ext", typ: R_BPF_64_32},
		},
	}

	got, err := Load(bytes.NewReader(obj.build()), testTable(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(insts) {
		t.Fatalf("got %d instructions, want %d", len(got), len(insts))
	}
	if got[1].Imm != 3 || got[3].Imm != 7 {
		t.Errorf("calls not relocated: %d, %d", got[1].Imm, got[3].Imm)
	}
	if got[0] != insts[0] || got[5] != insts[5] {
		t.Error("instructions without relocation changed")
	}
}

func TestLoadMachineNone(t *testing.T) {
	obj := testObject{
		machine: elf.EM_NONE,
		typ:     elf.ET_REL,
		text:    ebpf.EncodeBytes(ebpf.MustAssemble("mov r0, 1\nexit")),
	}

	if _, err := Load(bytes.NewReader(obj.build()), testTable(t)); err != nil {
		t.Fatal(err)
	}
}

func TestLoadErrors(t *testing.T) {
	call := ebpf.EncodeBytes(ebpf.MustAssemble("call -1\nexit"))

	tests := []struct {
		name string
		obj  testObject
		want string
	}{
		{
			name: "wrong machine",
			obj:  testObject{machine: elf.EM_X86_64, typ: elf.ET_REL, text: call},
			want: "machine type is not BPF",
		},
		{
			name: "executable",
			obj:  testObject{machine: elf.EM_BPF, typ: elf.ET_EXEC, text: call},
			want: "not a relocatable object",
		},
		{
			name: "partial instruction",
			obj:  testObject{machine: elf.EM_BPF, typ: elf.ET_REL, text: call[:12]},
			want: "divisible by 8",
		},
		{
			name: "unknown function",
			obj: testObject{machine: elf.EM_BPF, typ: elf.ET_REL, text: call, relocs: []testReloc{
				{off: 0, symbol: "nope", typ: R_BPF_64_32},
			}},
			want: "unregistered function named 'nope'",
		},
		{
			name: "relocation on non call",
			obj: testObject{machine: elf.EM_BPF, typ: elf.ET_REL, text: call, relocs: []testReloc{
				{off: 8, symbol: "sqrti", typ: R_BPF_64_32},
			}},
			want: "is not a call",
		},
		{
			name: "misaligned relocation",
			obj: testObject{machine: elf.EM_BPF, typ: elf.ET_REL, text: call, relocs: []testReloc{
				{off: 4, symbol: "sqrti", typ: R_BPF_64_32},
			}},
			want: "is not an instruction",
		},
		{
			name: "unsupported relocation type",
			obj: testObject{machine: elf.EM_BPF, typ: elf.ET_REL, text: call, relocs: []testReloc{
				{off: 0, symbol: "sqrti", typ: R_BPF_64_64},
			}},
			want: "reloc type not implemented",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(bytes.NewReader(test.obj.build()), testTable(t))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("got %v, want error containing %q", err, test.want)
			}
		})
	}

	if _, err := Load(bytes.NewReader([]byte("not an elf file")), testTable(t)); err == nil {
		t.Error("expected error for garbage input")
	}
}
