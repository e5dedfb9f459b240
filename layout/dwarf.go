package layout

import (
	"debug/dwarf"
	"fmt"
	"strings"
)

// FromDWARF derives a layout from the debug info of a kernel built
// with -g. The first complete definition of names.Struct wins.
func FromDWARF(d *dwarf.Data, names Names, pointerSize int) (Layout, error) {
	st, err := findStruct(d, names.Struct)
	if err != nil {
		return Layout{}, err
	}
	return fromDWARFStruct(st, names, pointerSize)
}

func findStruct(d *dwarf.Data, name string) (*dwarf.StructType, error) {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("DWARF: %w", err)
		}
		if e == nil {
			return nil, fmt.Errorf("DWARF: no complete definition of struct %s", name)
		}

		switch e.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()
			continue
		case dwarf.TagStructType:
		default:
			continue
		}

		if n, _ := e.Val(dwarf.AttrName).(string); n != name {
			continue
		}
		if decl, _ := e.Val(dwarf.AttrDeclaration).(bool); decl {
			continue
		}

		typ, err := d.Type(e.Offset)
		if err != nil {
			return nil, fmt.Errorf("DWARF struct %s: %w", name, err)
		}
		if st, ok := typ.(*dwarf.StructType); ok && !st.Incomplete {
			return st, nil
		}
	}
}

func fromDWARFStruct(st *dwarf.StructType, names Names, pointerSize int) (Layout, error) {
	l := Layout{
		Size:        int(st.Size()),
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
		field, err := dwarfField(st, f.path)
		if err != nil {
			return Layout{}, fmt.Errorf("DWARF struct %s: %w", st.StructName, err)
		}
		*f.dst = field
	}

	if err := l.Validate(); err != nil {
		return Layout{}, fmt.Errorf("DWARF struct %s: %w", st.StructName, err)
	}
	return l, nil
}

func dwarfField(st *dwarf.StructType, path string) (Field, error) {
	var typ dwarf.Type = st
	offset := int64(0)

	for _, part := range strings.Split(path, ".") {
		s, ok := dwarfUnderlying(typ).(*dwarf.StructType)
		if !ok {
			return Field{}, fmt.Errorf("field %s: %s is not a struct or union", path, part)
		}

		var member *dwarf.StructField
		for _, f := range s.Field {
			if f.Name == part {
				member = f
				break
			}
		}
		if member == nil {
			return Field{}, fmt.Errorf("field %s: no member %s", path, part)
		}
		if member.BitSize != 0 {
			return Field{}, fmt.Errorf("field %s: %s is a bitfield", path, part)
		}
		offset += member.ByteOffset
		typ = member.Type
	}

	size := typ.Size()
	if size <= 0 {
		return Field{}, fmt.Errorf("field %s: unknown size", path)
	}
	return Field{Offset: int(offset), Size: int(size)}, nil
}

// dwarfUnderlying strips typedefs and qualifiers.
func dwarfUnderlying(typ dwarf.Type) dwarf.Type {
	for {
		switch t := typ.(type) {
		case *dwarf.TypedefType:
			typ = t.Type
		case *dwarf.QualType:
			typ = t.Type
		default:
			return typ
		}
	}
}
