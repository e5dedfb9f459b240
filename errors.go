package bufdump

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is wrapped by a ReadError when a node declares a
// payload larger than the configured limit.
var ErrPayloadTooLarge = errors.New("declared payload exceeds limit")

// ErrSymbolNotFound is wrapped by a SymbolError when the symbol table
// has no entry for the requested name.
var ErrSymbolNotFound = errors.New("symbol not found")

// OpenError is returned when the memory-access target cannot be
// established.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("open target: %v", e.Err)
	}
	return fmt.Sprintf("open target: %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// SymbolError is returned when a kernel symbol cannot be resolved.
type SymbolError struct {
	Name string
	Err  error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("symbol %q: %v", e.Name, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// ReadError is returned when bytes cannot be copied out of the target's
// address space.
type ReadError struct {
	Addr Address
	Len  int64
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %d bytes at %s: %v", e.Len, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// AllocError is returned when a node declares a payload size that
// cannot be allocated at all, such as a negative length.
type AllocError struct {
	Node Address
	Size int64
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("buf %s declares unallocatable payload size %d", e.Node, e.Size)
}

// FileError is returned when an output artifact cannot be created,
// written or recorded.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// PrivilegeError is returned when the operating system rejects the
// request to narrow the process's privileges.
type PrivilegeError struct {
	Promises string
	Err      error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("pledge %q: %v", e.Promises, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

// CorruptStructureError is returned when the buffer list revisits a
// node or grows past the configured maximum.
type CorruptStructureError struct {
	Addr   Address
	Reason string
}

func (e *CorruptStructureError) Error() string {
	return fmt.Sprintf("corrupt buffer list at %s: %s", e.Addr, e.Reason)
}
