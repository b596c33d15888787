package machine

import (
	"encoding/binary"
	"unsafe"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

// Memory is the address space of a single execution: the memory region supplied by the caller and the private stack.
// Addresses in registers are host addresses, so pointers into the region or stack can be passed to external
// functions.
type Memory struct {
	Region     []byte
	RegionBase uint64
	Stack      []byte
	StackBase  uint64
	// BoundsCheck, if false accesses are not checked and go straight to the address
	BoundsCheck bool
}

// NewMemory creates the address space for an execution. Region and stack must be heap allocated, stack allocated
// slices move when the goroutine stack grows and the recorded addresses go stale.
func NewMemory(region, stack []byte, boundsCheck bool) *Memory {
	return &Memory{
		Region:      region,
		RegionBase:  AddressOf(region),
		Stack:       stack,
		StackBase:   AddressOf(stack),
		BoundsCheck: boundsCheck,
	}
}

// AddressOf returns the address of the first byte of b, 0 for an empty slice. The address is only stable for heap
// allocated slices.
func AddressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// Contains reports whether the access [addr, addr+size) lies entirely within [base, base+length). The end of the
// access must not wrap around.
func Contains(base uint64, length int, addr uint64, size int) bool {
	end := addr + uint64(size)
	return end >= addr && addr >= base && end <= base+uint64(length)
}

// resolve returns the bytes backing an access, nil if the access is out of bounds. The memory region is checked
// before the stack.
func (m *Memory) resolve(addr uint64, size int) []byte {
	if Contains(m.RegionBase, len(m.Region), addr, size) {
		off := addr - m.RegionBase
		return m.Region[off : off+uint64(size)]
	}
	if Contains(m.StackBase, len(m.Stack), addr, size) {
		off := addr - m.StackBase
		return m.Stack[off : off+uint64(size)]
	}
	return nil
}

// Load reads a little endian value of the given size, false is returned if the access is out of bounds.
func (m *Memory) Load(addr uint64, size ebpf.Size) (uint64, bool) {
	if !m.BoundsCheck {
		return loadRaw(addr, size), true
	}

	b := m.resolve(addr, size.Bytes())
	if b == nil {
		return 0, false
	}

	switch size {
	case ebpf.BPF_B:
		return uint64(b[0]), true
	case ebpf.BPF_H:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case ebpf.BPF_W:
		return uint64(binary.LittleEndian.Uint32(b)), true
	default:
		return binary.LittleEndian.Uint64(b), true
	}
}

// Store writes the lower bytes of a value in little endian order, false is returned if the access is out of bounds.
func (m *Memory) Store(addr uint64, size ebpf.Size, v uint64) bool {
	if !m.BoundsCheck {
		storeRaw(addr, size, v)
		return true
	}

	b := m.resolve(addr, size.Bytes())
	if b == nil {
		return false
	}

	switch size {
	case ebpf.BPF_B:
		b[0] = byte(v)
	case ebpf.BPF_H:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case ebpf.BPF_W:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return true
}
