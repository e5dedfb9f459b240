package layout

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"log/slog"
)

// Source records where a resolved layout came from.
type Source string

const (
	SourceConfig Source = "config"
	SourceBTF    Source = "btf"
	SourceDWARF  Source = "dwarf"
)

// ResolveOptions lists the places a layout may come from, in order of
// preference.
type ResolveOptions struct {
	// Explicit, when non-nil, is used as is. Its pointer width must
	// match PointerSize.
	Explicit *Layout
	// Names locates the record in BTF or DWARF.
	Names Names
	// PointerSize is the target's pointer width.
	PointerSize int
	// BTFPath is a file holding BTF for the target kernel.
	BTFPath string
	// KernelBTF allows falling back to the running kernel's BTF. Only
	// meaningful when the target is the live kernel.
	KernelBTF bool
	// DWARF returns the kernel executable's debug info, if any.
	DWARF func() (*dwarf.Data, error)
	Logger *slog.Logger
}

// Resolve returns the first layout that can be established from opts.
// An explicit BTF file that fails to load is an error; the running
// kernel's BTF and DWARF are best effort and fall through.
func Resolve(opts ResolveOptions) (Layout, Source, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Explicit != nil {
		l := *opts.Explicit
		if l.PointerSize == 0 {
			l.PointerSize = opts.PointerSize
			for _, f := range []*Field{&l.Next, &l.Owner, &l.Data} {
				if f.Size == 0 {
					f.Size = l.PointerSize
				}
			}
		}
		if opts.PointerSize != 0 && l.PointerSize != opts.PointerSize {
			return Layout{}, "", fmt.Errorf("configured layout: pointer_size %d does not match the target's %d-byte pointers", l.PointerSize, opts.PointerSize)
		}
		if err := l.Validate(); err != nil {
			return Layout{}, "", fmt.Errorf("configured layout: %w", err)
		}
		return l, SourceConfig, nil
	}

	var errs []error

	if opts.BTFPath != "" {
		spec, err := LoadBTF(opts.BTFPath)
		if err != nil {
			return Layout{}, "", err
		}
		l, err := FromBTF(spec, opts.Names, opts.PointerSize)
		if err != nil {
			return Layout{}, "", err
		}
		return l, SourceBTF, nil
	}

	if opts.KernelBTF {
		spec, err := LoadBTF("")
		if err == nil {
			var l Layout
			if l, err = FromBTF(spec, opts.Names, opts.PointerSize); err == nil {
				return l, SourceBTF, nil
			}
		}
		logger.Debug("kernel BTF unusable", "error", err)
		errs = append(errs, err)
	}

	if opts.DWARF != nil {
		d, err := opts.DWARF()
		if err == nil {
			var l Layout
			if l, err = FromDWARF(d, opts.Names, opts.PointerSize); err == nil {
				return l, SourceDWARF, nil
			}
		}
		logger.Debug("DWARF unusable", "error", err)
		errs = append(errs, err)
	}

	errs = append(errs, errors.New("set [layout.record] in the config file or pass --btf"))
	return Layout{}, "", fmt.Errorf("cannot determine layout of struct %s: %w", opts.Names.Struct, errors.Join(errs...))
}
