package machine

import (
	"unsafe"

	"github.com/dylandreimerink/gobpfvm/ebpf"
)

// loadRaw and storeRaw access host memory without any checks. They are only used when bounds checking is disabled,
// in which case the embedder guarantees every address a program computes is valid.

func loadRaw(addr uint64, size ebpf.Size) uint64 {
	p := unsafe.Pointer(uintptr(addr))
	switch size {
	case ebpf.BPF_B:
		return uint64(*(*uint8)(p))
	case ebpf.BPF_H:
		return uint64(*(*uint16)(p))
	case ebpf.BPF_W:
		return uint64(*(*uint32)(p))
	default:
		return *(*uint64)(p)
	}
}

func storeRaw(addr uint64, size ebpf.Size, v uint64) {
	p := unsafe.Pointer(uintptr(addr))
	switch size {
	case ebpf.BPF_B:
		*(*uint8)(p) = uint8(v)
	case ebpf.BPF_H:
		*(*uint16)(p) = uint16(v)
	case ebpf.BPF_W:
		*(*uint32)(p) = uint32(v)
	default:
		*(*uint64)(p) = v
	}
}
