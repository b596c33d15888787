// Package functable holds the external functions a program can call. Functions are Go functions which are called
// from the eBPF VM, much like a syscall in an OS context. They are passed R1-R5 as arguments and their result is
// stored in R0.
package functable

import (
	"errors"
	"fmt"
)

// MaxFunctions is the capacity of a table, valid indices are 0 up to but not including MaxFunctions.
const MaxFunctions = 64

// ErrIndexOutOfRange is returned when an index does not fit in the table.
var ErrIndexOutOfRange = errors.New("function index out of range")

// Func is an external function. By convention a function should not read registers beyond the number of arguments
// it expects.
type Func func(r1, r2, r3, r4, r5 uint64) uint64

// Entry is a registered external function.
type Entry struct {
	Index uint32
	Name  string
	Fn    Func
}

// Table is a fixed capacity, sparse table of external functions. The zero value is an empty table.
type Table struct {
	entries [MaxFunctions]Entry
}

// Register inserts a function at the given index, replacing any existing entry.
func (t *Table) Register(index uint32, name string, fn Func) error {
	if index >= MaxFunctions {
		return fmt.Errorf("register '%s' at %d: %w (max %d)", name, index, ErrIndexOutOfRange, MaxFunctions-1)
	}
	if fn == nil {
		return fmt.Errorf("register '%s' at %d: nil function", name, index)
	}

	t.entries[index] = Entry{Index: index, Name: name, Fn: fn}

	return nil
}

// Lookup returns the entry at index, false is returned if no function was registered there.
func (t *Table) Lookup(index uint32) (Entry, bool) {
	if index >= MaxFunctions {
		return Entry{}, false
	}

	e := t.entries[index]
	return e, e.Fn != nil
}

// LookupName returns the index of the first function registered with the given name.
func (t *Table) LookupName(name string) (uint32, bool) {
	for _, e := range t.entries {
		if e.Fn != nil && e.Name == name {
			return e.Index, true
		}
	}

	return 0, false
}

// Name returns the name registered at index, or a placeholder when empty.
func (t *Table) Name(index uint32) string {
	if e, ok := t.Lookup(index); ok {
		return e.Name
	}

	return fmt.Sprintf("<unregistered %d>", index)
}

// Snapshot returns a copy of the table. Later registrations on t do not affect the copy.
func (t *Table) Snapshot() *Table {
	c := *t
	return &c
}

// Entries returns all registered entries ordered by index.
func (t *Table) Entries() []Entry {
	var entries []Entry
	for _, e := range t.entries {
		if e.Fn != nil {
			entries = append(entries, e)
		}
	}

	return entries
}
