package kvm

import (
	"bufio"
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/frobware/go-bufdump"
)

// openSymbols opens path as a symbol source: an ELF executable when it
// starts with the ELF magic, an nm-style listing otherwise.
func openSymbols(path string) (symbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	// /proc/kallsyms does not support pread; read the magic and rewind.
	magic := make([]byte, len(elf.ELFMAG))
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind: %w", err)
	}

	if n == len(magic) && bytes.Equal(magic, []byte(elf.ELFMAG)) {
		ef, err := elf.NewFile(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("parse ELF symbols: %w", err)
		}
		return &elfSymbols{f: f, ef: ef}, nil
	}
	return &nmSymbols{f: f}, nil
}

// elfSymbols resolves names from an ELF executable's symbol table.
type elfSymbols struct {
	f  *os.File
	ef *elf.File
}

func (s *elfSymbols) lookup(name string) (uint64, error) {
	syms, err := s.ef.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		syms, err = s.ef.DynamicSymbols()
	}
	if err != nil {
		return 0, fmt.Errorf("kernel symbol table unreadable: %w", err)
	}

	for _, sym := range syms {
		if sym.Name == name {
			return sym.Value, nil
		}
	}
	return 0, bufdump.ErrSymbolNotFound
}

func (s *elfSymbols) dwarf() (*dwarf.Data, error) {
	return s.ef.DWARF()
}

func (s *elfSymbols) Close() error { return s.f.Close() }

// nmSymbols resolves names from "<hex-addr> <type> <name> [module]"
// lines, the format of /proc/kallsyms and System.map.
type nmSymbols struct {
	f *os.File
}

func (s *nmSymbols) lookup(name string) (uint64, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("kernel symbol table unreadable: %w", err)
	}

	scanner := bufio.NewScanner(s.f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != name {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed address %q: %w", fields[0], err)
		}
		if addr == 0 {
			// kptr_restrict hides addresses from unprivileged readers.
			return 0, fmt.Errorf("address of %s is hidden", name)
		}
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("kernel symbol table unreadable: %w", err)
	}
	return 0, bufdump.ErrSymbolNotFound
}

func (s *nmSymbols) dwarf() (*dwarf.Data, error) {
	return nil, fmt.Errorf("%s is a symbol listing without debug info", s.f.Name())
}

func (s *nmSymbols) Close() error { return s.f.Close() }
