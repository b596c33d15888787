package ebpf

import (
	"fmt"
	"strings"
)

// FormatInstruction renders the instruction at index pc in assembly syntax accepted by Assemble. The returned count
// is the number of slots the instruction occupies.
func FormatInstruction(insts []RawInstruction, pc int) (string, int, error) {
	inst := insts[pc]
	info, ok := LookupOp(inst.Op)
	if !ok {
		return "", 1, fmt.Errorf("unknown opcode 0x%02x at %d", inst.Op, pc)
	}

	dst := inst.GetDestReg()
	src := inst.GetSourceReg()

	switch info.Kind {
	case KindALU:
		if AluOp(inst.Op) == BPF_NEG {
			return fmt.Sprintf("%s %s", info.Mnemonic, dst), 1, nil
		}
		if IsSourceReg(inst.Op) {
			return fmt.Sprintf("%s %s, %s", info.Mnemonic, dst, src), 1, nil
		}
		return fmt.Sprintf("%s %s, %d", info.Mnemonic, dst, inst.Imm), 1, nil

	case KindEndian:
		return fmt.Sprintf("%s%d %s", info.Mnemonic, inst.Imm, dst), 1, nil

	case KindLoadImm64:
		if pc+1 >= len(insts) {
			return "", 1, fmt.Errorf("incomplete lddw at %d", pc)
		}
		imm := uint64(uint32(inst.Imm)) | uint64(uint32(insts[pc+1].Imm))<<32
		return fmt.Sprintf("lddw %s, 0x%x", dst, imm), 2, nil

	case KindLoad:
		return fmt.Sprintf("%s %s, %s", info.Mnemonic, dst, formatMemory(src, inst.Off)), 1, nil

	case KindStore:
		return fmt.Sprintf("%s %s, %d", info.Mnemonic, formatMemory(dst, inst.Off), inst.Imm), 1, nil

	case KindStoreReg:
		return fmt.Sprintf("%s %s, %s", info.Mnemonic, formatMemory(dst, inst.Off), src), 1, nil

	case KindJumpAlways:
		return fmt.Sprintf("ja %+d", inst.Off), 1, nil

	case KindJump:
		if IsSourceReg(inst.Op) {
			return fmt.Sprintf("%s %s, %s, %+d", info.Mnemonic, dst, src, inst.Off), 1, nil
		}
		return fmt.Sprintf("%s %s, %d, %+d", info.Mnemonic, dst, inst.Imm, inst.Off), 1, nil

	case KindCall:
		return fmt.Sprintf("call %d", inst.Imm), 1, nil

	case KindExit:
		return "exit", 1, nil
	}

	return "", 1, fmt.Errorf("unknown opcode 0x%02x at %d", inst.Op, pc)
}

func formatMemory(base Register, off int16) string {
	if off == 0 {
		return fmt.Sprintf("[%s]", base)
	}

	return fmt.Sprintf("[%s%+d]", base, off)
}

// Disassemble renders a program, one instruction per line.
func Disassemble(insts []RawInstruction) (string, error) {
	var sb strings.Builder
	for pc := 0; pc < len(insts); {
		line, n, err := FormatInstruction(insts, pc)
		if err != nil {
			return "", err
		}

		sb.WriteString(line)
		sb.WriteByte('\n')
		pc += n
	}

	return sb.String(), nil
}
