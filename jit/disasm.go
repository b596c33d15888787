package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

// Disassemble renders the machine code in Intel syntax. The first instruction generated for each eBPF instruction
// is preceded by the eBPF instruction it implements.
func (c *Code) Disassemble() string {
	// Instructions which generate no code share an offset with the next one
	starts := make(map[int][]int, len(c.offsets))
	for pc, off := range c.offsets {
		if off >= 0 {
			starts[off] = append(starts[off], pc)
		}
	}

	var sb strings.Builder
	for offset := 0; offset < len(c.bytes); {
		for _, pc := range starts[offset] {
			line, _, err := ebpf.FormatInstruction(c.insts, pc)
			if err != nil {
				line = err.Error()
			}
			fmt.Fprintf(&sb, "; %d: %s\n", pc, line)
		}

		inst, err := x86asm.Decode(c.bytes[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "0x%04x: %-16s db 0x%02x\n", offset, fmt.Sprintf("%02x", c.bytes[offset]), c.bytes[offset])
			offset++
			continue
		}

		hexBytes := make([]string, inst.Len)
		for i := range hexBytes {
			hexBytes[i] = fmt.Sprintf("%02x", c.bytes[offset+i])
		}
		fmt.Fprintf(&sb, "0x%04x: %-16s %s\n", offset, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, uint64(offset), nil))
		offset += inst.Len
	}

	return sb.String()
}

// Offset returns the code offset of the instruction at pc, -1 if pc is not the start of an instruction.
func (c *Code) Offset(pc int) int {
	if pc < 0 || pc >= len(c.offsets) {
		return -1
	}
	return c.offsets[pc]
}

// Entry returns the code offset of the first instruction.
func (c *Code) Entry() int {
	return c.entry
}
