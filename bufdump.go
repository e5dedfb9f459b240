// Package bufdump extracts the buffer cache of a live or crash-dumped
// kernel, writing the contents of every buffer to its own file.
//
// The kernel keeps all allocated buffers on a singly-linked list whose
// head is the global symbol "bufhead". Each node is a fixed-size record
// carrying the address of the next node, an owner (the vnode the buffer
// belongs to) and a pointer/length pair describing the buffer's data.
// The walk, export and memory access live in the dump and kvm
// packages; this package holds the types they share.
package bufdump

import "fmt"

// DefaultFilePrefix is the prefix of every dump file name.
const DefaultFilePrefix = "dump"

// Address is a virtual address in the target kernel's address space.
type Address uint64

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool {
	return a == 0
}

// String renders the address the way the C library renders a pointer
// with %p: a 0x prefix followed by lowercase hex, with null as "0x0".
func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Node is one buffer record read from the kernel's buffer list.
type Node struct {
	// Addr is where the record itself lives.
	Addr Address
	// Next is the address of the following record, or null at the
	// end of the list.
	Next Address
	// Owner identifies the object the buffer belongs to.
	Owner Address
	// Data points at the buffer's payload.
	Data Address
	// Size is the declared payload length. It is taken verbatim from
	// kernel memory and may be garbage in a corrupt image.
	Size int64
}

// FileName returns the name of the dump file for a node owned by owner
// and living at node: "<prefix>-<owner>-0x<node>". The result depends
// only on its arguments.
func FileName(prefix string, owner, node Address) string {
	return fmt.Sprintf("%s-%s-0x%x", prefix, owner, uint64(node))
}
