// Package elfcode extracts eBPF code from ELF relocatable objects, as produced by `clang -target bpf -c`.
package elfcode

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

// The BPF ELF reloc types for BPF.
// https://github.com/llvm/llvm-project/blob/74d9a76ad3f55c16982ceaa8b6b4a6b7744109b1/llvm/include/llvm/BinaryFormat/ELFRelocs/BPF.def
type ELF_R_BPF int

const (
	R_BPF_NONE  ELF_R_BPF = 0
	R_BPF_64_64 ELF_R_BPF = 1
	R_BPF_64_32 ELF_R_BPF = 10
)

// Resolver maps the names of external functions to their index in the function table.
type Resolver interface {
	LookupName(name string) (uint32, bool)
}

// RelocEntry is a single relocation of the code section.
type RelocEntry struct {
	elf.Rel64

	Symbol *elf.Symbol
	Type   ELF_R_BPF
}

// InstructionIndex returns the index of the instruction the relocation applies to.
func (e *RelocEntry) InstructionIndex() int {
	return int(e.Off / ebpf.BPFInstSize)
}

// Load reads the .text section of an eBPF ELF object and resolves the calls to external functions in it. Calls are
// relocated by symbol name, the immediate of each relocated call is set to the index resolver returns for the name.
func Load(r io.ReaderAt, resolver Resolver) ([]ebpf.RawInstruction, error) {
	elfFile, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer elfFile.Close()

	if elfFile.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf file class is not 64 bit, class: '%s'", elfFile.Class)
	}

	if elfFile.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("elf file is not little endian, data: '%s'", elfFile.Data)
	}

	if elfFile.Machine != elf.EM_BPF && elfFile.Machine != elf.EM_NONE {
		return nil, fmt.Errorf("elf file machine type is not BPF, machine type: '%s'", elfFile.Machine)
	}

	if elfFile.Type != elf.ET_REL {
		return nil, fmt.Errorf("elf file is not a relocatable object, type: '%s'", elfFile.Type)
	}

	text := elfFile.Section(".text")
	if text == nil {
		return nil, fmt.Errorf("elf file has no .text section")
	}
	if text.Type != elf.SHT_PROGBITS || text.Flags&elf.SHF_EXECINSTR == 0 {
		return nil, fmt.Errorf(".text section does not contain instructions")
	}

	data, err := text.Data()
	if err != nil {
		return nil, fmt.Errorf("error while loading section '%s': %w", text.Name, err)
	}

	if len(data)%ebpf.BPFInstSize != 0 {
		return nil, fmt.Errorf("elf section is incorrect size for BPF program, should be divisible by 8")
	}

	instructions, err := ebpf.DecodeBytes(data)
	if err != nil {
		return nil, err
	}

	relTable, err := relocTable(elfFile, ".rel.text")
	if err != nil {
		return nil, err
	}

	for _, relocEntry := range relTable {
		if relocEntry.Type != R_BPF_64_32 {
			return nil, fmt.Errorf("reloc type not implemented: '%d'", relocEntry.Type)
		}

		if relocEntry.Off%ebpf.BPFInstSize != 0 || relocEntry.Off >= uint64(len(data)) {
			return nil, fmt.Errorf("relocation offset 0x%x is not an instruction in .text", relocEntry.Off)
		}

		callInst := &instructions[relocEntry.InstructionIndex()]
		if callInst.Op != ebpf.OpCall {
			return nil, fmt.Errorf(
				"relocation for '%s' at instruction %d is not a call",
				relocEntry.Symbol.Name,
				relocEntry.InstructionIndex(),
			)
		}

		index, found := resolver.LookupName(relocEntry.Symbol.Name)
		if !found {
			return nil, fmt.Errorf("program calls unregistered function named '%s'", relocEntry.Symbol.Name)
		}

		callInst.Imm = int32(index)
	}

	return instructions, nil
}

// relocTable parses the relocation section with the given name, an absent section yields an empty table.
func relocTable(elfFile *elf.File, name string) ([]RelocEntry, error) {
	section := elfFile.Section(name)
	if section == nil {
		return nil, nil
	}
	if section.Type != elf.SHT_REL {
		return nil, fmt.Errorf("section '%s' is not a relocation table", name)
	}

	symbols, err := elfFile.Symbols()
	if err != nil {
		return nil, fmt.Errorf("error while getting symbols from ELF file: %w", err)
	}

	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("error while loading section '%s': %w", section.Name, err)
	}

	if len(data)%16 != 0 {
		return nil, fmt.Errorf("size of relocation table '%s' not devisable by 16", section.Name)
	}

	relTable := make([]RelocEntry, len(data)/16)
	for i := 0; i < len(data); i += 16 {
		entry := RelocEntry{
			Rel64: elf.Rel64{
				Off:  elfFile.ByteOrder.Uint64(data[i : i+8]),
				Info: elfFile.ByteOrder.Uint64(data[i+8 : i+16]),
			},
		}
		// Symbols() omits the null symbol at index 0
		symNum := elf.R_SYM64(entry.Info)
		if symNum == 0 || uint32(len(symbols)) < symNum {
			return nil, fmt.Errorf("symbol number in relocation table '%s' does not exist in symbol table", section.Name)
		}

		entry.Symbol = &symbols[symNum-1]
		entry.Type = ELF_R_BPF(elf.R_TYPE64(entry.Info))

		relTable[i/16] = entry
	}

	return relTable, nil
}
