package kvm

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

type segment struct {
	vaddr  uint64
	filesz uint64
	r      io.ReaderAt
}

func (s segment) contains(addr uint64) bool {
	return addr >= s.vaddr && addr-s.vaddr < s.filesz
}

// elfCore serves reads from the PT_LOAD segments of an ELF core file.
type elfCore struct {
	f     *os.File
	segs  []segment
	reach []uint64 // reach[i] is the highest address covered by segs[:i+1]
	order binary.ByteOrder
	ptr   int
}

func newELFCore(f *os.File) (*elfCore, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse ELF core: %w", err)
	}
	if ef.Type != elf.ET_CORE {
		return nil, fmt.Errorf("ELF file of type %s is not a core image", ef.Type)
	}

	var ptr int
	switch ef.Class {
	case elf.ELFCLASS32:
		ptr = 4
	case elf.ELFCLASS64:
		ptr = 8
	default:
		return nil, fmt.Errorf("unsupported ELF class %s", ef.Class)
	}

	var segs []segment
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		segs = append(segs, segment{vaddr: p.Vaddr, filesz: p.Filesz, r: p})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("ELF core has no loadable segments")
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].vaddr < segs[j].vaddr })

	reach := make([]uint64, len(segs))
	for i, s := range segs {
		reach[i] = s.vaddr + (s.filesz - 1)
		if i > 0 && reach[i-1] > reach[i] {
			reach[i] = reach[i-1]
		}
	}

	return &elfCore{f: f, segs: segs, reach: reach, order: ef.ByteOrder, ptr: ptr}, nil
}

// find returns the innermost segment containing addr. Segments may
// nest, as in arm64 /proc/kcore.
func (c *elfCore) find(addr uint64) (segment, bool) {
	i := sort.Search(len(c.segs), func(i int) bool {
		return c.segs[i].vaddr > addr
	})
	for j := i - 1; j >= 0 && c.reach[j] >= addr; j-- {
		if c.segs[j].contains(addr) {
			return c.segs[j], true
		}
	}
	return segment{}, false
}

// readAt fills p from addr onwards, crossing into adjacent segments as
// needed.
func (c *elfCore) readAt(p []byte, addr uint64) error {
	for len(p) > 0 {
		s, ok := c.find(addr)
		if !ok {
			return fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
		}

		off := addr - s.vaddr
		n := min(uint64(len(p)), s.filesz-off)
		if _, err := s.r.ReadAt(p[:n], int64(off)); err != nil {
			return err
		}
		p = p[n:]
		addr += n
	}
	return nil
}

func (c *elfCore) byteOrder() binary.ByteOrder { return c.order }

func (c *elfCore) pointerSize() int { return c.ptr }

func (c *elfCore) Close() error { return c.f.Close() }
