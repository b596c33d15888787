// Package ebpf contains the types and constants to decode, encode, assemble and disassemble eBPF bytecode.
//
// Instructions are kept in their raw 8 byte form, a 64 bit immediate load takes two of them. OpInfo describes what an
// opcode does, both the interpreter and the JIT dispatch on it.
package ebpf
