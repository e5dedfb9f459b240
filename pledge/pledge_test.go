package pledge_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bufdump/pledge"
)

func TestPromises(t *testing.T) {
	assert.Equal(t, []string{"stdio", "wpath", "cpath"}, pledge.Promises(false))
	assert.Equal(t, []string{"stdio", "wpath", "cpath", "rpath", "flock"}, pledge.Promises(true))
}

func TestNarrow_Unsupported(t *testing.T) {
	if runtime.GOOS == "openbsd" {
		t.Skip("pledge(2) would restrict the test binary")
	}
	assert.False(t, pledge.Supported())
	require.NoError(t, pledge.Narrow(pledge.Promises(false)))
}
