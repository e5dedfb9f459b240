// Package kvm provides read access to kernel virtual memory, either of
// the running kernel or of a crash dump.
//
// A Target pairs a memory image with a symbol source. The memory image
// is an ELF core file (a crash dump, or /proc/kcore on Linux) whose
// PT_LOAD segments map virtual addresses to file offsets, or a raw
// image where the file offset is the virtual address (/dev/kmem on
// OpenBSD). The symbol source is an ELF kernel executable or an
// nm-style listing such as /proc/kallsyms or System.map.
//
// Every read either returns exactly the requested bytes or fails; no
// partial result is ever handed back.
package kvm

import (
	"context"
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/logging"
)

// ErrLiveUnsupported is returned when a live target is requested on an
// operating system without a known kernel memory interface.
var ErrLiveUnsupported = errors.New("no live kernel memory interface on this platform")

// ErrUnmapped is returned when an address is not backed by the image.
var ErrUnmapped = errors.New("address not mapped by memory image")

// Mode is the kind of target.
type Mode string

const (
	// ModeLive reads the running kernel.
	ModeLive Mode = "live"
	// ModeStatic reads a crash dump file triple.
	ModeStatic Mode = "static"
)

// Options names the files backing a target. When all are empty the
// running kernel is opened. When any is set the target is static and
// a missing memory image or symbol source falls back to the live
// default for that member.
type Options struct {
	// Core is the kernel memory image.
	Core string
	// Exec provides the kernel symbol table.
	Exec string
	// Swap is the swap image. It is validated and held open but the
	// buffer cache is wired memory and never paged out, so no read is
	// served from it.
	Swap string
}

// Mode reports whether o selects the live kernel or a static image.
func (o Options) Mode() Mode {
	if o.Core == "" && o.Exec == "" && o.Swap == "" {
		return ModeLive
	}
	return ModeStatic
}

func (o Options) withDefaults() Options {
	if o.Core == "" {
		o.Core = liveMemoryPath
	}
	if o.Exec == "" {
		o.Exec = liveSymbolsPath
	}
	return o
}

// memory is a backend that copies bytes out of the target's address
// space.
type memory interface {
	readAt(p []byte, addr uint64) error
	byteOrder() binary.ByteOrder
	pointerSize() int
	Close() error
}

// symbols is a backend that resolves kernel symbol names.
type symbols interface {
	lookup(name string) (uint64, error)
	dwarf() (*dwarf.Data, error)
	Close() error
}

// Target is an open memory-access context. It owns every file it
// opened and releases them on Close.
type Target struct {
	mode   Mode
	paths  Options
	mem    memory
	syms   symbols
	swap   *os.File
	logger *slog.Logger
}

// Open establishes a target. Failures are reported as
// *bufdump.OpenError.
func Open(opts Options, logger *slog.Logger) (*Target, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kvm")

	mode := opts.Mode()
	paths := opts.withDefaults()
	if paths.Core == "" || paths.Exec == "" {
		return nil, &bufdump.OpenError{Err: ErrLiveUnsupported}
	}

	mem, err := openMemory(paths.Core)
	if err != nil {
		return nil, &bufdump.OpenError{Path: paths.Core, Err: err}
	}

	syms, err := openSymbols(paths.Exec)
	if err != nil {
		mem.Close()
		return nil, &bufdump.OpenError{Path: paths.Exec, Err: err}
	}

	var swap *os.File
	if paths.Swap != "" {
		if swap, err = os.Open(paths.Swap); err != nil {
			mem.Close()
			syms.Close()
			return nil, &bufdump.OpenError{Path: paths.Swap, Err: err}
		}
	}

	logger.Debug("opened target",
		"mode", mode,
		"core", paths.Core,
		"exec", paths.Exec,
		"swap", paths.Swap,
		"pointer_size", mem.pointerSize(),
		"byte_order", mem.byteOrder().String(),
	)

	return &Target{
		mode:   mode,
		paths:  paths,
		mem:    mem,
		syms:   syms,
		swap:   swap,
		logger: logger,
	}, nil
}

// Mode returns whether the target is live or static.
func (t *Target) Mode() Mode { return t.mode }

// Paths returns the files actually opened, defaults included.
func (t *Target) Paths() Options { return t.paths }

// ByteOrder returns the target's byte order.
func (t *Target) ByteOrder() binary.ByteOrder { return t.mem.byteOrder() }

// PointerSize returns the width of a target pointer in bytes.
func (t *Target) PointerSize() int { return t.mem.pointerSize() }

// Read copies exactly n bytes starting at addr. Failures are reported
// as *bufdump.ReadError.
func (t *Target) Read(addr bufdump.Address, n int) ([]byte, error) {
	if n < 0 {
		return nil, &bufdump.ReadError{Addr: addr, Len: int64(n), Err: errors.New("negative length")}
	}

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := t.mem.readAt(buf, uint64(addr)); err != nil {
		return nil, &bufdump.ReadError{Addr: addr, Len: int64(n), Err: err}
	}
	t.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "read", "addr", addr, "len", n)
	return buf, nil
}

// ReadPointer reads one target pointer at addr.
func (t *Target) ReadPointer(addr bufdump.Address) (bufdump.Address, error) {
	size := t.mem.pointerSize()
	b, err := t.Read(addr, size)
	if err != nil {
		return 0, err
	}

	order := t.mem.byteOrder()
	if size == 4 {
		return bufdump.Address(order.Uint32(b)), nil
	}
	return bufdump.Address(order.Uint64(b)), nil
}

// Lookup resolves the address of the kernel global name. Failures are
// reported as *bufdump.SymbolError.
func (t *Target) Lookup(name string) (bufdump.Address, error) {
	addr, err := t.syms.lookup(name)
	if err != nil {
		return 0, &bufdump.SymbolError{Name: name, Err: err}
	}
	return bufdump.Address(addr), nil
}

// DWARF returns the debug info of the symbol source, when it is an ELF
// executable carrying any.
func (t *Target) DWARF() (*dwarf.Data, error) {
	return t.syms.dwarf()
}

// Close releases every file held by the target.
func (t *Target) Close() error {
	errs := []error{t.mem.Close(), t.syms.Close()}
	if t.swap != nil {
		errs = append(errs, t.swap.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close target: %w", err)
	}
	return nil
}
