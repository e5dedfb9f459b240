package layout

import (
	"fmt"
	"strings"

	"github.com/cilium/ebpf/btf"
)

// LoadBTF loads BTF type information from path, or from the running
// kernel when path is empty.
func LoadBTF(path string) (*btf.Spec, error) {
	if path == "" {
		spec, err := btf.LoadKernelSpec()
		if err != nil {
			return nil, fmt.Errorf("load kernel BTF: %w", err)
		}
		return spec, nil
	}

	spec, err := btf.LoadSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load BTF from %s: %w", path, err)
	}
	return spec, nil
}

// FromBTF derives a layout from the struct named by names.Struct.
func FromBTF(spec *btf.Spec, names Names, pointerSize int) (Layout, error) {
	var s *btf.Struct
	if err := spec.TypeByName(names.Struct, &s); err != nil {
		return Layout{}, fmt.Errorf("BTF struct %s: %w", names.Struct, err)
	}
	return fromBTFStruct(s, names, pointerSize)
}

func fromBTFStruct(s *btf.Struct, names Names, pointerSize int) (Layout, error) {
	l := Layout{
		Size:        int(s.Size),
		PointerSize: pointerSize,
	}

	fields := []struct {
		path string
		dst  *Field
	}{
		{names.Next, &l.Next},
		{names.Owner, &l.Owner},
		{names.Data, &l.Data},
		{names.Length, &l.Length},
	}
	for _, f := range fields {
		field, err := btfField(s, f.path)
		if err != nil {
			return Layout{}, fmt.Errorf("BTF struct %s: %w", s.Name, err)
		}
		*f.dst = field
	}

	if err := l.Validate(); err != nil {
		return Layout{}, fmt.Errorf("BTF struct %s: %w", s.Name, err)
	}
	return l, nil
}

func btfField(s *btf.Struct, path string) (Field, error) {
	var typ btf.Type = s
	offset := 0

	for _, part := range strings.Split(path, ".") {
		members, ok := btfMembers(typ)
		if !ok {
			return Field{}, fmt.Errorf("field %s: %s is not a struct or union", path, part)
		}

		found := false
		for _, m := range members {
			if m.Name != part {
				continue
			}
			if m.BitfieldSize != 0 {
				return Field{}, fmt.Errorf("field %s: %s is a bitfield", path, part)
			}
			offset += int(m.Offset.Bytes())
			typ = m.Type
			found = true
			break
		}
		if !found {
			return Field{}, fmt.Errorf("field %s: no member %s", path, part)
		}
	}

	size, err := btf.Sizeof(typ)
	if err != nil {
		return Field{}, fmt.Errorf("field %s: %w", path, err)
	}
	return Field{Offset: offset, Size: size}, nil
}

func btfMembers(typ btf.Type) ([]btf.Member, bool) {
	switch t := btf.UnderlyingType(typ).(type) {
	case *btf.Struct:
		return t.Members, true
	case *btf.Union:
		return t.Members, true
	default:
		return nil, false
	}
}
