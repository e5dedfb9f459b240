// Package layout describes where the fields of a kernel buffer record
// live, and decodes raw records read from kernel memory.
//
// A layout is obtained from explicit configuration, from BTF type
// information, or from the DWARF debug info of the kernel executable.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/frobware/go-bufdump"
)

// Field is the byte offset and width of one field inside a record.
type Field struct {
	Offset int
	Size   int
}

func (f Field) end() int {
	return f.Offset + f.Size
}

// Layout is the shape of a buffer record.
type Layout struct {
	// Size is the number of bytes read per record.
	Size int
	// PointerSize is the width of a kernel pointer (4 or 8).
	PointerSize int

	Next   Field
	Owner  Field
	Data   Field
	Length Field
}

// Names locates the record's struct and fields by name. Field paths
// are dotted, descending into nested structs: "b_list.le_next".
type Names struct {
	Struct string
	Next   string
	Owner  string
	Data   string
	Length string
}

// DefaultNames returns the names used by struct buf in <sys/buf.h>.
func DefaultNames() Names {
	return Names{
		Struct: "buf",
		Next:   "b_list.le_next",
		Owner:  "b_vp",
		Data:   "b_data",
		Length: "b_bufsize",
	}
}

// Validate checks that every field fits inside the record and has a
// width the decoder understands.
func (l Layout) Validate() error {
	if l.PointerSize != 4 && l.PointerSize != 8 {
		return fmt.Errorf("unsupported pointer size %d", l.PointerSize)
	}
	if l.Size <= 0 {
		return fmt.Errorf("record size must be positive, got %d", l.Size)
	}

	pointers := []struct {
		name string
		f    Field
	}{
		{"next", l.Next},
		{"owner", l.Owner},
		{"data", l.Data},
	}
	for _, p := range pointers {
		if p.f.Size != l.PointerSize {
			return fmt.Errorf("%s field is %d bytes wide, want pointer size %d", p.name, p.f.Size, l.PointerSize)
		}
		if p.f.Offset < 0 || p.f.end() > l.Size {
			return fmt.Errorf("%s field [%d,%d) lies outside the %d byte record", p.name, p.f.Offset, p.f.end(), l.Size)
		}
	}

	if l.Length.Size != 4 && l.Length.Size != 8 {
		return fmt.Errorf("length field is %d bytes wide, want 4 or 8", l.Length.Size)
	}
	if l.Length.Offset < 0 || l.Length.end() > l.Size {
		return fmt.Errorf("length field [%d,%d) lies outside the %d byte record", l.Length.Offset, l.Length.end(), l.Size)
	}

	return nil
}

// Decode extracts a node from a raw record read at addr. The length
// field is sign-extended, so a corrupt value surfaces as a negative
// size rather than a huge one.
func (l Layout) Decode(addr bufdump.Address, raw []byte, order binary.ByteOrder) (bufdump.Node, error) {
	if len(raw) < l.Size {
		return bufdump.Node{}, fmt.Errorf("record at %s is %d bytes, layout needs %d", addr, len(raw), l.Size)
	}

	return bufdump.Node{
		Addr:  addr,
		Next:  bufdump.Address(unsigned(raw, l.Next, order)),
		Owner: bufdump.Address(unsigned(raw, l.Owner, order)),
		Data:  bufdump.Address(unsigned(raw, l.Data, order)),
		Size:  signed(raw, l.Length, order),
	}, nil
}

func unsigned(raw []byte, f Field, order binary.ByteOrder) uint64 {
	b := raw[f.Offset:f.end()]
	if f.Size == 4 {
		return uint64(order.Uint32(b))
	}
	return order.Uint64(b)
}

func signed(raw []byte, f Field, order binary.ByteOrder) int64 {
	b := raw[f.Offset:f.end()]
	if f.Size == 4 {
		return int64(int32(order.Uint32(b)))
	}
	return int64(order.Uint64(b))
}
