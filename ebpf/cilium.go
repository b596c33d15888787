package ebpf

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/asm"
)

// FromCilium converts a program built with the cilium/ebpf assembler into raw instructions. Jump and call
// references must be resolved before calling this function.
func FromCilium(insns asm.Instructions) ([]RawInstruction, error) {
	var buf bytes.Buffer
	if err := insns.Marshal(&buf, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("marshal instructions: %w", err)
	}

	return DecodeBytes(buf.Bytes())
}
