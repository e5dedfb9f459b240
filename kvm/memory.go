package kvm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// openMemory opens path as a memory image. Character devices and files
// not starting with the ELF magic are raw images.
func openMemory(path string) (memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Mode()&os.ModeCharDevice != 0 {
		return newRawMemory(f), nil
	}

	magic := make([]byte, len(elf.ELFMAG))
	if _, err := f.ReadAt(magic, 0); err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if bytes.Equal(magic, []byte(elf.ELFMAG)) {
		m, err := newELFCore(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return m, nil
	}

	return newRawMemory(f), nil
}
