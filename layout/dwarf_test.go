package layout

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dwarfBuf(pointerSize int64) *dwarf.StructType {
	ptr := &dwarf.PtrType{
		CommonType: dwarf.CommonType{ByteSize: pointerSize},
		Type:       &dwarf.VoidType{},
	}
	long := &dwarf.IntType{BasicType: dwarf.BasicType{
		CommonType: dwarf.CommonType{ByteSize: pointerSize, Name: "long"},
	}}
	listEntry := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 2 * pointerSize},
		Kind:       "struct",
		Field: []*dwarf.StructField{
			{Name: "le_next", Type: ptr, ByteOffset: 0},
			{Name: "le_prev", Type: ptr, ByteOffset: pointerSize},
		},
	}

	return &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 8 * pointerSize, Name: "buf"},
		StructName: "buf",
		Kind:       "struct",
		Field: []*dwarf.StructField{
			{Name: "b_list", Type: &dwarf.QualType{Qual: "volatile", Type: listEntry}, ByteOffset: 0},
			{Name: "b_flags", Type: long, ByteOffset: 2 * pointerSize, BitSize: 4},
			{Name: "b_bufsize", Type: &dwarf.TypedefType{CommonType: dwarf.CommonType{Name: "long_t"}, Type: long}, ByteOffset: 3 * pointerSize},
			{Name: "b_data", Type: ptr, ByteOffset: 4 * pointerSize},
			{Name: "b_vp", Type: ptr, ByteOffset: 6 * pointerSize},
		},
	}
}

func TestFromDWARFStruct(t *testing.T) {
	tests := []struct {
		name        string
		pointerSize int64
		want        Layout
	}{
		{
			name:        "64-bit",
			pointerSize: 8,
			want: Layout{
				Size:        64,
				PointerSize: 8,
				Next:        Field{Offset: 0, Size: 8},
				Owner:       Field{Offset: 48, Size: 8},
				Data:        Field{Offset: 32, Size: 8},
				Length:      Field{Offset: 24, Size: 8},
			},
		},
		{
			name:        "32-bit",
			pointerSize: 4,
			want: Layout{
				Size:        32,
				PointerSize: 4,
				Next:        Field{Offset: 0, Size: 4},
				Owner:       Field{Offset: 24, Size: 4},
				Data:        Field{Offset: 16, Size: 4},
				Length:      Field{Offset: 12, Size: 4},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := fromDWARFStruct(dwarfBuf(tt.pointerSize), DefaultNames(), int(tt.pointerSize))
			require.NoError(t, err)
			assert.Equal(t, tt.want, l)
		})
	}
}

func TestFromDWARFStruct_Errors(t *testing.T) {
	names := DefaultNames()
	names.Length = "b_flags"
	_, err := fromDWARFStruct(dwarfBuf(8), names, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b_flags is a bitfield")

	names = DefaultNames()
	names.Data = "b_list.le_data"
	_, err = fromDWARFStruct(dwarfBuf(8), names, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no member le_data")

	// Pointer width in the debug info disagrees with the target.
	_, err = fromDWARFStruct(dwarfBuf(8), DefaultNames(), 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want pointer size 4")
}
