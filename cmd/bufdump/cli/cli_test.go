package cli_test

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/catalog/sqlite"
	"github.com/frobware/go-bufdump/cmd/bufdump/cli"
	"github.com/frobware/go-bufdump/config"
	"github.com/frobware/go-bufdump/internal/testimage"
	"github.com/frobware/go-bufdump/kvm"
	"github.com/frobware/go-bufdump/lock"
)

// recordConfig pins the record layout that testimage uses.
const recordConfig = `
[layout.record]
size = 48
pointer_size = 8
next_offset = 0
owner_offset = 8
data_offset = 16
size_offset = 24
`

type fixture struct {
	core   string
	syms   string
	config string
	out    string
}

func newFixture(t *testing.T, im *testimage.Image, extraConfig string) fixture {
	t.Helper()
	t.Setenv("BUFDUMP_LOG", "")

	dir := t.TempDir()
	f := fixture{
		core:   filepath.Join(dir, "bsd.core"),
		syms:   filepath.Join(dir, "bsd.syms"),
		config: filepath.Join(dir, "bufdump.toml"),
		out:    t.TempDir(),
	}
	require.NoError(t, im.WriteCore(f.core))
	require.NoError(t, im.WriteSymbols(f.syms))
	require.NoError(t, os.WriteFile(f.config, []byte(extraConfig+recordConfig), 0o600))
	return f
}

func (f fixture) args(extra ...string) []string {
	return append([]string{"-M", f.core, "-N", f.syms, "--config", f.config, "--dir", f.out}, extra...)
}

func run(t *testing.T, args []string) (*bytes.Buffer, error) {
	t.Helper()
	c, err := cli.Parse(args)
	require.NoError(t, err)

	var stderr bytes.Buffer
	c.Stderr = &stderr
	return &stderr, c.Run(context.Background())
}

func readDir(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		files[e.Name()] = data
	}
	return files
}

func TestParse_Defaults(t *testing.T) {
	c, err := cli.Parse(nil)
	require.NoError(t, err)

	assert.False(t, c.Verbose)
	assert.Equal(t, config.DefaultConfigPath, c.Config)
	assert.Equal(t, ".", c.Dir)
	assert.Equal(t, kvm.ModeLive, c.TargetOptions().Mode())
}

func TestParse_TargetFlags(t *testing.T) {
	c, err := cli.Parse([]string{"-v", "-M", "/var/crash/bsd.0.core", "-N", "/var/crash/bsd.0", "-W", "/dev/sd0b"})
	require.NoError(t, err)

	assert.True(t, c.Verbose)
	assert.Equal(t, kvm.Options{
		Core: "/var/crash/bsd.0.core",
		Exec: "/var/crash/bsd.0",
		Swap: "/dev/sd0b",
	}, c.TargetOptions())
	assert.Equal(t, kvm.ModeStatic, c.TargetOptions().Mode())
}

func TestParse_LongFlags(t *testing.T) {
	c, err := cli.Parse([]string{
		"--core=kcore", "--system=System.map", "--btf=vmlinux.btf",
		"--log=info,walker=debug", "--log-format=json",
		"--dir=/tmp/out", "--catalog=/tmp/runs.db",
	})
	require.NoError(t, err)

	assert.Equal(t, "kcore", c.Core)
	assert.Equal(t, "System.map", c.System)
	assert.Equal(t, "vmlinux.btf", c.BTF)
	assert.Equal(t, "info,walker=debug", c.Log)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "/tmp/out", c.Dir)
	assert.Equal(t, "/tmp/runs.db", c.Catalog)
}

func TestParse_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"positional argument", []string{"bufhead"}},
		{"positional after flags", []string{"-M", "core", "extra"}},
		{"unknown flag", []string{"-x"}},
		{"missing flag value", []string{"-M"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cli.Parse(tt.args)
			require.Error(t, err)
		})
	}
}

func TestParse_HelpNamesKernelMemoryDevice(t *testing.T) {
	var out bytes.Buffer
	_, err := cli.Parse([]string{"--help"}, kong.Writers(&out, &out), kong.Exit(func(int) {}))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "/dev/kmem")
	assert.NotContains(t, out.String(), "/dev/mem)")
}

func TestRun_Example(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	_, err := run(t, f.args())
	require.NoError(t, err)
	assert.Equal(t, testimage.ExampleFiles(), readDir(t, f.out))
}

func TestRun_DefaultsToWorkingDirectory(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")
	t.Chdir(f.out)

	c, err := cli.Parse([]string{"-M", f.core, "-N", f.syms, "--config", f.config})
	require.NoError(t, err)
	c.Stderr = &bytes.Buffer{}
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, testimage.ExampleFiles(), readDir(t, "."))
}

func TestRun_VerboseReportsHead(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	stderr, err := run(t, f.args("-v"))
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "resolved list head")
	assert.Contains(t, stderr.String(), "addr=0x800")
}

func TestRun_QuietByDefault(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	stderr, err := run(t, f.args())
	require.NoError(t, err)
	assert.Empty(t, stderr.String())
}

func TestRun_JSONLogs(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	stderr, err := run(t, f.args("--log=info", "--log-format=json"))
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), `"msg":"dumped buffer cache"`)
	assert.Contains(t, stderr.String(), `"buffers":2`)
}

func TestRun_EmptyList(t *testing.T) {
	im, _ := testimage.Chain(0)
	f := newFixture(t, im, "")

	_, err := run(t, f.args())
	require.NoError(t, err)
	assert.Empty(t, readDir(t, f.out))
}

func TestRun_Chain(t *testing.T) {
	im, want := testimage.Chain(16)
	f := newFixture(t, im, "")

	_, err := run(t, f.args())
	require.NoError(t, err)
	assert.Equal(t, want, readDir(t, f.out))
}

func TestRun_SecondRunFails(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	_, err := run(t, f.args())
	require.NoError(t, err)

	_, err = run(t, f.args())
	var fileErr *bufdump.FileError
	require.ErrorAs(t, err, &fileErr)
	assert.ErrorIs(t, err, fs.ErrExist)
	assert.Equal(t, testimage.ExampleFiles(), readDir(t, f.out))
}

func TestRun_MissingSymbol(t *testing.T) {
	f := newFixture(t, testimage.Example(), "[walk]\nsymbol = \"bufqueues\"\n")

	_, err := run(t, f.args())
	var symErr *bufdump.SymbolError
	require.ErrorAs(t, err, &symErr)
	assert.Equal(t, "bufqueues", symErr.Name)
	assert.Empty(t, readDir(t, f.out))
}

func TestRun_MidWalkReadFailure(t *testing.T) {
	// The second buffer's payload lies outside every mapped segment.
	im := testimage.New().
		Symbol(testimage.HeadSymbol, 0x800).
		Pointer(0x800, 0x1000).
		Node(0x1000, 0x2000, 0xAAAA, 0x3000, 4).
		Map(0x3000, []byte{0xDE, 0xAD, 0xBE, 0xEF}).
		Node(0x2000, 0, 0xBBBB, 0x9000, 2)
	f := newFixture(t, im, "")

	_, err := run(t, f.args())
	var readErr *bufdump.ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, bufdump.Address(0x9000), readErr.Addr)
	assert.Equal(t, map[string][]byte{
		"dump-0xaaaa-0x1000": {0xDE, 0xAD, 0xBE, 0xEF},
	}, readDir(t, f.out))
}

func TestRun_OpenFailure(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")
	f.core = filepath.Join(t.TempDir(), "missing.core")

	_, err := run(t, f.args())
	var openErr *bufdump.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, f.core, openErr.Path)
}

func TestRun_NoLayout(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")
	require.NoError(t, os.WriteFile(f.config, nil, 0o600))

	_, err := run(t, f.args())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot determine layout of struct buf")
	assert.Empty(t, readDir(t, f.out))
}

func TestRun_BadConfig(t *testing.T) {
	f := newFixture(t, testimage.Example(), "[walk]\nmax_nodes = 0\n")

	_, err := run(t, f.args())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_nodes")
}

func TestRun_BadLogFormat(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")

	_, err := run(t, f.args("--log-format=yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log format")
}

func TestRun_Catalog(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")
	db := filepath.Join(t.TempDir(), "runs.db")

	_, err := run(t, f.args("--catalog", db))
	require.NoError(t, err)

	ctx := context.Background()
	store, err := sqlite.New(ctx, db, nil)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	r := runs[0]
	assert.Equal(t, "static", r.Mode)
	assert.Equal(t, f.core, r.Core)
	assert.Equal(t, f.syms, r.Exec)
	assert.Equal(t, testimage.HeadSymbol, r.Symbol)
	assert.Equal(t, bufdump.Address(0x800), r.Head)
	assert.Equal(t, 2, r.Nodes)
	assert.Equal(t, int64(6), r.Bytes)
	assert.False(t, r.FinishedAt.IsZero())

	dumps, err := store.ListDumps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, dumps, 2)

	files := readDir(t, f.out)
	for _, d := range dumps {
		assert.Contains(t, files, d.File)
	}
}

func TestRun_BusyDirectory(t *testing.T) {
	f := newFixture(t, testimage.Example(), "[walk]\nlock_wait = \"0s\"\n")

	err := lock.Run(context.Background(), f.out, 0, func(context.Context) error {
		_, err := run(t, f.args())
		var fileErr *bufdump.FileError
		require.ErrorAs(t, err, &fileErr)
		assert.Equal(t, "lock", fileErr.Op)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, readDir(t, f.out))
}

func TestRun_MissingOutputDirectory(t *testing.T) {
	f := newFixture(t, testimage.Example(), "")
	f.out = filepath.Join(f.out, "missing")

	_, err := run(t, f.args())
	var fileErr *bufdump.FileError
	require.ErrorAs(t, err, &fileErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
