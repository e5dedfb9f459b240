//go:build unix

package kvm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawMemory reads a device or file whose offsets are virtual
// addresses. pread(2) is called directly because kernel addresses do
// not fit a non-negative int64, which os.File.ReadAt insists on.
type rawMemory struct {
	f *os.File
}

func newRawMemory(f *os.File) *rawMemory {
	return &rawMemory{f: f}
}

func (m *rawMemory) readAt(p []byte, addr uint64) error {
	for len(p) > 0 {
		n, err := unix.Pread(int(m.f.Fd()), p, int64(addr))
		if err != nil {
			return fmt.Errorf("pread 0x%x: %w", addr, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: 0x%x: %w", ErrUnmapped, addr, io.ErrUnexpectedEOF)
		}
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

func (m *rawMemory) byteOrder() binary.ByteOrder { return binary.NativeEndian }

func (m *rawMemory) pointerSize() int { return int(unsafe.Sizeof(uintptr(0))) }

func (m *rawMemory) Close() error { return m.f.Close() }
