package ebpf

// OpKind groups opcodes by the way an engine has to handle them.
type OpKind uint8

const (
	// KindInvalid marks opcodes which are not recognised
	KindInvalid OpKind = iota
	// KindALU covers the 32 and 64 bit arithmetic and logic operations
	KindALU
	// KindEndian covers byte order conversion, the immediate holds the width in bits
	KindEndian
	// KindLoadImm64 is the two slot wide immediate load
	KindLoadImm64
	// KindLoad loads from memory into a register
	KindLoad
	// KindStore stores an immediate to memory
	KindStore
	// KindStoreReg stores a register to memory
	KindStoreReg
	// KindJumpAlways is the unconditional jump
	KindJumpAlways
	// KindJump covers the conditional jumps
	KindJump
	// KindCall calls an external function
	KindCall
	// KindExit returns from the program
	KindExit
)

// OpInfo describes a recognised opcode.
type OpInfo struct {
	Mnemonic string
	Kind     OpKind
	// Size of the memory access, only meaningful for loads and stores
	Size Size
}

var opTable [256]OpInfo

var aluNames = map[uint8]string{
	BPF_ADD:  "add",
	BPF_SUB:  "sub",
	BPF_MUL:  "mul",
	BPF_DIV:  "div",
	BPF_OR:   "or",
	BPF_AND:  "and",
	BPF_LSH:  "lsh",
	BPF_RSH:  "rsh",
	BPF_NEG:  "neg",
	BPF_MOD:  "mod",
	BPF_XOR:  "xor",
	BPF_MOV:  "mov",
	BPF_ARSH: "arsh",
}

var jumpNames = map[uint8]string{
	BPF_JEQ:  "jeq",
	BPF_JGT:  "jgt",
	BPF_JGE:  "jge",
	BPF_JSET: "jset",
	BPF_JNE:  "jne",
	BPF_JSGT: "jsgt",
	BPF_JSGE: "jsge",
	BPF_JLT:  "jlt",
	BPF_JLE:  "jle",
	BPF_JSLT: "jslt",
	BPF_JSLE: "jsle",
}

var sizes = []Size{BPF_B, BPF_H, BPF_W, BPF_DW}

func init() {
	for op, name := range aluNames {
		opTable[BPF_ALU64|BPF_K|op] = OpInfo{Mnemonic: name, Kind: KindALU}
		opTable[BPF_ALU|BPF_K|op] = OpInfo{Mnemonic: name + "32", Kind: KindALU}
		if op == BPF_NEG {
			continue
		}
		opTable[BPF_ALU64|BPF_X|op] = OpInfo{Mnemonic: name, Kind: KindALU}
		opTable[BPF_ALU|BPF_X|op] = OpInfo{Mnemonic: name + "32", Kind: KindALU}
	}

	opTable[BPF_ALU|BPF_END|BPF_TO_LE] = OpInfo{Mnemonic: "le", Kind: KindEndian}
	opTable[BPF_ALU|BPF_END|BPF_TO_BE] = OpInfo{Mnemonic: "be", Kind: KindEndian}

	for op, name := range jumpNames {
		opTable[BPF_JMP|BPF_K|op] = OpInfo{Mnemonic: name, Kind: KindJump}
		opTable[BPF_JMP|BPF_X|op] = OpInfo{Mnemonic: name, Kind: KindJump}
		opTable[BPF_JMP32|BPF_K|op] = OpInfo{Mnemonic: name + "32", Kind: KindJump}
		opTable[BPF_JMP32|BPF_X|op] = OpInfo{Mnemonic: name + "32", Kind: KindJump}
	}

	opTable[OpJumpAlways] = OpInfo{Mnemonic: "ja", Kind: KindJumpAlways}
	opTable[OpCall] = OpInfo{Mnemonic: "call", Kind: KindCall}
	opTable[OpExit] = OpInfo{Mnemonic: "exit", Kind: KindExit}
	opTable[OpLoadImm64] = OpInfo{Mnemonic: "lddw", Kind: KindLoadImm64, Size: BPF_DW}

	for _, size := range sizes {
		opTable[BPF_LDX|BPF_MEM|uint8(size)] = OpInfo{Mnemonic: "ldx" + size.String(), Kind: KindLoad, Size: size}
		opTable[BPF_ST|BPF_MEM|uint8(size)] = OpInfo{Mnemonic: "st" + size.String(), Kind: KindStore, Size: size}
		opTable[BPF_STX|BPF_MEM|uint8(size)] = OpInfo{Mnemonic: "stx" + size.String(), Kind: KindStoreReg, Size: size}
	}
}

// LookupOp returns the description of an opcode, false is returned if the opcode is not supported.
func LookupOp(op uint8) (OpInfo, bool) {
	info := opTable[op]
	return info, info.Kind != KindInvalid
}

// IsSourceReg returns true if the source operand of an ALU or jump opcode is a register
func IsSourceReg(op uint8) bool {
	return op&BPF_X == BPF_X
}

// AluOp returns the operation bits of an ALU or jump opcode
func AluOp(op uint8) uint8 {
	return op & 0xF0
}
