// Package testimage builds synthetic kernel address spaces for tests:
// buffer lists laid out in memory, written out as ELF core files, raw
// images and nm-style symbol listings, or served directly from memory.
package testimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/layout"
)

// HeadSymbol is the symbol under which images publish their list head.
const HeadSymbol = "bufhead"

// Layout is the record layout used by every synthetic image: a 48 byte
// record with next, owner, data and a 64-bit length at the front.
func Layout() layout.Layout {
	return layout.Layout{
		Size:        48,
		PointerSize: 8,
		Next:        layout.Field{Offset: 0, Size: 8},
		Owner:       layout.Field{Offset: 8, Size: 8},
		Data:        layout.Field{Offset: 16, Size: 8},
		Length:      layout.Field{Offset: 24, Size: 8},
	}
}

// Segment is a run of bytes mapped at Addr.
type Segment struct {
	Addr uint64
	Data []byte
}

// Image is a little-endian 64-bit address space.
type Image struct {
	segments []Segment
	symbols  []Segment // Data holds the name
	failAt   map[bufdump.Address]error
}

// New returns an empty image.
func New() *Image {
	return &Image{failAt: make(map[bufdump.Address]error)}
}

// Map places data at addr.
func (im *Image) Map(addr uint64, data []byte) *Image {
	im.segments = append(im.segments, Segment{Addr: addr, Data: bytes.Clone(data)})
	sort.Slice(im.segments, func(i, j int) bool { return im.segments[i].Addr < im.segments[j].Addr })
	return im
}

// Pointer stores a 64-bit pointer value at addr.
func (im *Image) Pointer(addr, value uint64) *Image {
	return im.Map(addr, binary.LittleEndian.AppendUint64(nil, value))
}

// Node stores a buffer record at addr.
func (im *Image) Node(addr uint64, next, owner, data uint64, size int64) *Image {
	l := Layout()
	raw := make([]byte, l.Size)
	binary.LittleEndian.PutUint64(raw[l.Next.Offset:], next)
	binary.LittleEndian.PutUint64(raw[l.Owner.Offset:], owner)
	binary.LittleEndian.PutUint64(raw[l.Data.Offset:], data)
	binary.LittleEndian.PutUint64(raw[l.Length.Offset:], uint64(size))
	return im.Map(addr, raw)
}

// Symbol publishes name at addr.
func (im *Image) Symbol(name string, addr uint64) *Image {
	im.symbols = append(im.symbols, Segment{Addr: addr, Data: []byte(name)})
	return im
}

// FailReadAt makes any in-memory read starting at addr fail with err.
func (im *Image) FailReadAt(addr uint64, err error) *Image {
	im.failAt[bufdump.Address(addr)] = err
	return im
}

func (im *Image) byteAt(addr uint64) (byte, bool) {
	for _, s := range im.segments {
		if addr >= s.Addr && addr-s.Addr < uint64(len(s.Data)) {
			return s.Data[addr-s.Addr], true
		}
	}
	return 0, false
}

// Read serves n bytes at addr straight from the image.
func (im *Image) Read(addr bufdump.Address, n int) ([]byte, error) {
	if err, ok := im.failAt[addr]; ok {
		return nil, &bufdump.ReadError{Addr: addr, Len: int64(n), Err: err}
	}

	out := make([]byte, n)
	for i := range out {
		b, ok := im.byteAt(uint64(addr) + uint64(i))
		if !ok {
			return nil, &bufdump.ReadError{Addr: addr, Len: int64(n), Err: errors.New("unmapped")}
		}
		out[i] = b
	}
	return out, nil
}

// ReadPointer serves a 64-bit pointer at addr.
func (im *Image) ReadPointer(addr bufdump.Address) (bufdump.Address, error) {
	b, err := im.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return bufdump.Address(binary.LittleEndian.Uint64(b)), nil
}

// ByteOrder is always little-endian.
func (im *Image) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

// Lookup resolves a published symbol.
func (im *Image) Lookup(name string) (bufdump.Address, error) {
	for _, s := range im.symbols {
		if string(s.Data) == name {
			return bufdump.Address(s.Addr), nil
		}
	}
	return 0, &bufdump.SymbolError{Name: name, Err: bufdump.ErrSymbolNotFound}
}

// WriteCore writes the image as an ELF64 core file with one PT_LOAD
// segment per mapping.
func (im *Image) WriteCore(path string) error {
	const (
		ehsize    = 64
		phentsize = 56
	)

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(im.segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return err
	}

	off := uint64(ehsize + phentsize*len(im.segments))
	for _, s := range im.segments {
		ph := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Off:    off,
			Vaddr:  s.Addr,
			Filesz: uint64(len(s.Data)),
			Memsz:  uint64(len(s.Data)),
			Align:  1,
		}
		if err := binary.Write(&buf, binary.LittleEndian, ph); err != nil {
			return err
		}
		off += uint64(len(s.Data))
	}
	for _, s := range im.segments {
		buf.Write(s.Data)
	}

	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// WriteRaw writes the image as a sparse file in which every byte lives
// at the file offset equal to its address.
func (im *Image) WriteRaw(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, s := range im.segments {
		if _, err := f.WriteAt(s.Data, int64(s.Addr)); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// WriteSymbols writes the published symbols in /proc/kallsyms format.
func (im *Image) WriteSymbols(path string) error {
	var buf bytes.Buffer
	for _, s := range im.symbols {
		fmt.Fprintf(&buf, "%016x D %s\n", s.Addr, s.Data)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Example is the two-buffer list used throughout the tests. Its head
// is published at 0x800 and points at the first node, 0x1000.
//
//	0x1000: next 0x2000, owner 0xAAAA, data 0x3000 = DE AD BE EF
//	0x2000: next 0x0,    owner 0xBBBB, data 0x4000 = CA FE
func Example() *Image {
	return New().
		Symbol(HeadSymbol, 0x800).
		Pointer(0x800, 0x1000).
		Node(0x1000, 0x2000, 0xAAAA, 0x3000, 4).
		Map(0x3000, []byte{0xDE, 0xAD, 0xBE, 0xEF}).
		Node(0x2000, 0, 0xBBBB, 0x4000, 2).
		Map(0x4000, []byte{0xCA, 0xFE})
}

// ExampleFiles lists the dump files Example produces.
func ExampleFiles() map[string][]byte {
	return map[string][]byte{
		"dump-0xaaaa-0x1000": {0xDE, 0xAD, 0xBE, 0xEF},
		"dump-0xbbbb-0x2000": {0xCA, 0xFE},
	}
}

// Chain returns an image holding k buffers, and the dump files it
// produces. k may be zero, in which case the head is null.
func Chain(k int) (*Image, map[string][]byte) {
	const (
		nodeBase = 0x10000
		dataBase = 0x100000
	)

	im := New().Symbol(HeadSymbol, 0x800)
	files := make(map[string][]byte, k)

	head := uint64(0)
	if k > 0 {
		head = nodeBase
	}
	im.Pointer(0x800, head)

	for i := 0; i < k; i++ {
		addr := uint64(nodeBase + i*0x100)
		next := uint64(0)
		if i+1 < k {
			next = addr + 0x100
		}
		owner := uint64(0xF000 + i)
		data := uint64(dataBase + i*0x1000)
		payload := bytes.Repeat([]byte{byte(i + 1)}, i+1)

		im.Node(addr, next, owner, data, int64(len(payload)))
		im.Map(data, payload)
		files[bufdump.FileName(bufdump.DefaultFilePrefix, bufdump.Address(owner), bufdump.Address(addr))] = payload
	}
	return im, files
}
