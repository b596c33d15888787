package ebpf

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/alecthomas/participle/v2/lexer/stateful"
)

var (
	ebpfLexer = stateful.MustSimple([]stateful.Rule{
		{Name: "Comment", Pattern: `(?:#|;|//)[^\n]*`, Action: nil},
		{Name: "Register", Pattern: `r(?:10|[0-9])\b`, Action: nil},
		{Name: "Number", Pattern: `[-+]?(?:0x[0-9a-fA-F]+|[0-9]+)`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_.][a-zA-Z0-9_.]*`, Action: nil},
		{Name: "Punct", Pattern: `[\[\],:+\-]`, Action: nil},
		{Name: "Whitespace", Pattern: `[ \t\r]+`, Action: nil},
		{Name: "Newline", Pattern: `\n`, Action: nil},
	})
	ebpfParser = participle.MustBuild(&asmFile{},
		participle.Lexer(ebpfLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(4),
	)
)

// Assemble takes in a reader and the name of the file which is used in error messages. The contents are parsed as
// uBPF style assembly: one instruction per line, `#` comments and `label:` definitions which can be used as jump
// targets.
func Assemble(filename string, reader io.Reader) ([]RawInstruction, error) {
	src, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read assembly: %w", err)
	}

	// A trailing newline terminates the last instruction
	ast := &asmFile{}
	err = ebpfParser.ParseString(filename, string(src)+"\n", ast)
	if err != nil {
		return nil, fmt.Errorf("error while parsing: %w", err)
	}

	labels := make(map[string]int)
	instCnt := 0
	for _, entry := range ast.Entries {
		if entry.Label != "" {
			if _, found := labels[entry.Label]; found {
				return nil, fmt.Errorf("duplicate label '%s' found, labels must be unique", entry.Label)
			}

			labels[entry.Label] = instCnt
			continue
		}

		// lddw is the only instruction to produce 2 instructions, we have to account for that when counting
		if entry.Instruction.Mnemonic == "lddw" {
			instCnt++
		}
		instCnt++
	}

	instructions := make([]RawInstruction, 0, instCnt)
	for _, entry := range ast.Entries {
		if entry.Instruction == nil {
			continue
		}

		insts, err := entry.Instruction.toInst(len(instructions), labels)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Instruction.Pos, err)
		}

		instructions = append(instructions, insts...)
	}

	return instructions, nil
}

// MustAssemble assembles a string and panics on failure. It is meant for tests and static programs.
func MustAssemble(asm string) []RawInstruction {
	insts, err := Assemble("inline", strings.NewReader(asm))
	if err != nil {
		panic(err)
	}

	return insts
}

type asmFile struct {
	Entries []*asmEntry `parser:"( @@ | Newline )*"`
}

type asmEntry struct {
	Label       string          `parser:"  @Ident ':'"`
	Instruction *asmInstruction `parser:"| @@"`
}

type asmInstruction struct {
	Pos lexer.Position

	Mnemonic string        `parser:"@Ident"`
	Operands []*asmOperand `parser:"( @@ ( ',' @@ )* )? Newline"`
}

type asmOperand struct {
	Register *Register  `parser:"  @Register"`
	Memory   *asmMemory `parser:"| @@"`
	Number   *string    `parser:"| @Number"`
	Label    *string    `parser:"| @Ident"`
}

type asmMemory struct {
	Base   Register `parser:"'[' @Register"`
	Offset []string `parser:"( @('+' | '-')? @Number )? ']'"`
}

func (r *Register) Capture(values []string) error {
	// Join all values, and strip the leading r
	i, err := strconv.Atoi(strings.Join(values, "")[1:])
	if err != nil {
		return err
	}

	*r = Register(i)

	return nil
}

func (o *asmOperand) String() string {
	switch {
	case o.Register != nil:
		return o.Register.String()
	case o.Memory != nil:
		return "[" + o.Memory.Base.String() + strings.Join(o.Memory.Offset, "") + "]"
	case o.Number != nil:
		return *o.Number
	case o.Label != nil:
		return *o.Label
	}

	return "?"
}

var (
	endianOps = map[string]uint8{"le": BPF_TO_LE, "be": BPF_TO_BE}

	aluOps  = reverse(aluNames)
	jumpOps = reverse(jumpNames)

	sizeSuffix = map[string]Size{"b": BPF_B, "h": BPF_H, "w": BPF_W, "dw": BPF_DW}
)

func reverse(m map[uint8]string) map[string]uint8 {
	r := make(map[string]uint8, len(m))
	for k, v := range m {
		r[v] = k
	}
	return r
}

func (ai *asmInstruction) toInst(pc int, labels map[string]int) ([]RawInstruction, error) {
	m := ai.Mnemonic

	switch m {
	case "exit":
		if err := ai.expect(0); err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: OpExit}}, nil

	case "call":
		if err := ai.expect(1); err != nil {
			return nil, err
		}
		imm, err := ai.imm32(0)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: OpCall, Imm: imm}}, nil

	case "lddw":
		if err := ai.expect(2); err != nil {
			return nil, err
		}
		dst, err := ai.reg(0)
		if err != nil {
			return nil, err
		}
		v, err := ai.number(1)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{
			{Op: OpLoadImm64, Reg: NewReg(0, dst), Imm: int32(uint32(uint64(v)))},
			{Imm: int32(uint32(uint64(v) >> 32))},
		}, nil

	case "ja":
		if err := ai.expect(1); err != nil {
			return nil, err
		}
		off, err := ai.offset(0, pc, labels)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: OpJumpAlways, Off: off}}, nil
	}

	if len(m) > 2 {
		if order, ok := endianOps[m[:2]]; ok {
			width, err := strconv.Atoi(m[2:])
			if err == nil && (width == 16 || width == 32 || width == 64) {
				if err := ai.expect(1); err != nil {
					return nil, err
				}
				dst, err := ai.reg(0)
				if err != nil {
					return nil, err
				}
				return []RawInstruction{{Op: BPF_ALU | BPF_END | order, Reg: NewReg(0, dst), Imm: int32(width)}}, nil
			}
		}
	}

	switch {
	case strings.HasPrefix(m, "ldx"):
		return ai.memory(BPF_LDX, m[3:])
	case strings.HasPrefix(m, "stx"):
		return ai.memory(BPF_STX, m[3:])
	case strings.HasPrefix(m, "st"):
		if _, ok := sizeSuffix[m[2:]]; ok {
			return ai.memory(BPF_ST, m[2:])
		}
	}

	name, class32 := strings.TrimSuffix(m, "32"), strings.HasSuffix(m, "32")

	if op, ok := aluOps[name]; ok {
		class := BPF_ALU64
		if class32 {
			class = BPF_ALU
		}

		if op == BPF_NEG {
			if err := ai.expect(1); err != nil {
				return nil, err
			}
			dst, err := ai.reg(0)
			if err != nil {
				return nil, err
			}
			return []RawInstruction{{Op: class | BPF_K | op, Reg: NewReg(0, dst)}}, nil
		}

		if err := ai.expect(2); err != nil {
			return nil, err
		}
		dst, err := ai.reg(0)
		if err != nil {
			return nil, err
		}
		if src := ai.Operands[1].Register; src != nil {
			return []RawInstruction{{Op: class | BPF_X | op, Reg: NewReg(*src, dst)}}, nil
		}
		imm, err := ai.imm32(1)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: class | BPF_K | op, Reg: NewReg(0, dst), Imm: imm}}, nil
	}

	if op, ok := jumpOps[name]; ok {
		class := BPF_JMP
		if class32 {
			class = BPF_JMP32
		}

		if err := ai.expect(3); err != nil {
			return nil, err
		}
		dst, err := ai.reg(0)
		if err != nil {
			return nil, err
		}
		off, err := ai.offset(2, pc, labels)
		if err != nil {
			return nil, err
		}
		if src := ai.Operands[1].Register; src != nil {
			return []RawInstruction{{Op: class | BPF_X | op, Reg: NewReg(*src, dst), Off: off}}, nil
		}
		imm, err := ai.imm32(1)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: class | BPF_K | op, Reg: NewReg(0, dst), Off: off, Imm: imm}}, nil
	}

	return nil, fmt.Errorf("unknown mnemonic '%s'", m)
}

func (ai *asmInstruction) memory(class uint8, suffix string) ([]RawInstruction, error) {
	size, ok := sizeSuffix[suffix]
	if !ok {
		return nil, fmt.Errorf("unknown mnemonic '%s'", ai.Mnemonic)
	}
	if err := ai.expect(2); err != nil {
		return nil, err
	}

	op := class | BPF_MEM | uint8(size)

	if class == BPF_LDX {
		dst, err := ai.reg(0)
		if err != nil {
			return nil, err
		}
		src, off, err := ai.mem(1)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: op, Reg: NewReg(src, dst), Off: off}}, nil
	}

	dst, off, err := ai.mem(0)
	if err != nil {
		return nil, err
	}

	if class == BPF_STX {
		src, err := ai.reg(1)
		if err != nil {
			return nil, err
		}
		return []RawInstruction{{Op: op, Reg: NewReg(src, dst), Off: off}}, nil
	}

	imm, err := ai.imm32(1)
	if err != nil {
		return nil, err
	}
	return []RawInstruction{{Op: op, Reg: NewReg(0, dst), Off: off, Imm: imm}}, nil
}

func (ai *asmInstruction) expect(n int) error {
	if len(ai.Operands) != n {
		return fmt.Errorf("'%s' expects %d operands, got %d", ai.Mnemonic, n, len(ai.Operands))
	}
	return nil
}

func (ai *asmInstruction) reg(i int) (Register, error) {
	op := ai.Operands[i]
	if op.Register == nil {
		return 0, fmt.Errorf("operand %d of '%s' must be a register, got '%s'", i+1, ai.Mnemonic, op)
	}
	return *op.Register, nil
}

func (ai *asmInstruction) mem(i int) (Register, int16, error) {
	op := ai.Operands[i]
	if op.Memory == nil {
		return 0, 0, fmt.Errorf("operand %d of '%s' must be a memory reference, got '%s'", i+1, ai.Mnemonic, op)
	}
	if len(op.Memory.Offset) == 0 {
		return op.Memory.Base, 0, nil
	}

	v, err := parseNumber(strings.Join(op.Memory.Offset, ""))
	if err != nil {
		return 0, 0, err
	}
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, 0, fmt.Errorf("memory offset %d of '%s' doesn't fit in 16 bits", v, ai.Mnemonic)
	}
	return op.Memory.Base, int16(v), nil
}

func (ai *asmInstruction) number(i int) (int64, error) {
	op := ai.Operands[i]
	if op.Number == nil {
		return 0, fmt.Errorf("operand %d of '%s' must be a number, got '%s'", i+1, ai.Mnemonic, op)
	}
	return parseNumber(*op.Number)
}

// imm32 accepts both the signed and unsigned 32 bit range, so 0xffffffff and -1 are the same immediate
func (ai *asmInstruction) imm32(i int) (int32, error) {
	v, err := ai.number(i)
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxUint32 {
		return 0, fmt.Errorf("immediate %d of '%s' doesn't fit in 32 bits", v, ai.Mnemonic)
	}
	return int32(uint32(v)), nil
}

func (ai *asmInstruction) offset(i int, pc int, labels map[string]int) (int16, error) {
	op := ai.Operands[i]

	var v int64
	switch {
	case op.Label != nil:
		target, found := labels[*op.Label]
		if !found {
			return 0, fmt.Errorf("undefined label '%s'", *op.Label)
		}
		v = int64(target - pc - 1)
	case op.Number != nil:
		var err error
		v, err = parseNumber(*op.Number)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("operand %d of '%s' must be an offset or label, got '%s'", i+1, ai.Mnemonic, op)
	}

	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("jump offset %d of '%s' doesn't fit in 16 bits", v, ai.Mnemonic)
	}
	return int16(v), nil
}

func parseNumber(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return v, nil
	}

	u, uerr := strconv.ParseUint(strings.TrimPrefix(s, "+"), 0, 64)
	if uerr != nil {
		return 0, fmt.Errorf("invalid number '%s': %w", s, err)
	}
	return int64(u), nil
}
