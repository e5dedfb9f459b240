package bufdump_test

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bufdump"
)

func TestAddress_String(t *testing.T) {
	tests := []struct {
		addr bufdump.Address
		want string
	}{
		{0, "0x0"},
		{0xaaaa, "0xaaaa"},
		{0xffffffff81000000, "0xffffffff81000000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.String())
		})
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name  string
		owner bufdump.Address
		node  bufdump.Address
		want  string
	}{
		{"first example node", 0xAAAA, 0x1000, "dump-0xaaaa-0x1000"},
		{"second example node", 0xBBBB, 0x2000, "dump-0xbbbb-0x2000"},
		{"null owner", 0, 0xffff800001234560, "dump-0x0-0xffff800001234560"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bufdump.FileName(bufdump.DefaultFilePrefix, tt.owner, tt.node)
			assert.Equal(t, tt.want, got)
			// Same inputs, same name.
			assert.Equal(t, got, bufdump.FileName(bufdump.DefaultFilePrefix, tt.owner, tt.node))
		})
	}
}

func TestErrors_Unwrap(t *testing.T) {
	err := error(&bufdump.FileError{Op: "create", Path: "dump-0x1-0x2", Err: fs.ErrExist})
	require.ErrorIs(t, err, fs.ErrExist)
	assert.Equal(t, "create dump-0x1-0x2: file already exists", err.Error())

	err = &bufdump.ReadError{Addr: 0x3000, Len: 1 << 40, Err: bufdump.ErrPayloadTooLarge}
	require.ErrorIs(t, err, bufdump.ErrPayloadTooLarge)

	var readErr *bufdump.ReadError
	wrapped := errors.Join(errors.New("walk"), err)
	require.ErrorAs(t, wrapped, &readErr)
	assert.Equal(t, bufdump.Address(0x3000), readErr.Addr)

	err = &bufdump.SymbolError{Name: "bufhead", Err: bufdump.ErrSymbolNotFound}
	assert.Equal(t, `symbol "bufhead": symbol not found`, err.Error())
}
