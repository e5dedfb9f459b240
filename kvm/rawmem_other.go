//go:build !unix

package kvm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unsafe"
)

type rawMemory struct {
	f *os.File
}

func newRawMemory(f *os.File) *rawMemory {
	return &rawMemory{f: f}
}

func (m *rawMemory) readAt(p []byte, addr uint64) error {
	if addr > math.MaxInt64 {
		return fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	if _, err := m.f.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("%w: 0x%x: %w", ErrUnmapped, addr, err)
	}
	return nil
}

func (m *rawMemory) byteOrder() binary.ByteOrder { return binary.NativeEndian }

func (m *rawMemory) pointerSize() int { return int(unsafe.Sizeof(uintptr(0))) }

func (m *rawMemory) Close() error { return m.f.Close() }
