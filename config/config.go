// Package config loads the bufdump configuration.
//
// Configuration is built in layers:
//
//  1. built-in defaults, embedded from default.toml;
//  2. the config file, if it exists, overlaid key by key;
//  3. command line flags and environment, applied by the CLI.
//
// A missing config file is not an error. A config file that exists but
// cannot be read or parsed is.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-bufdump/layout"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is read when no --config is given.
const DefaultConfigPath = "/etc/bufdump.toml"

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Walk    WalkConfig    `toml:"walk"`
	Layout  LayoutConfig  `toml:"layout"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec, e.g. "warn" or "warn,walker=debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
}

// WalkConfig bounds the list walk and names its output.
type WalkConfig struct {
	// Symbol is the kernel global holding the list head.
	Symbol string `toml:"symbol"`
	// Prefix starts every dump file name.
	Prefix string `toml:"prefix"`
	// MaxNodes is the longest list walked before it is declared
	// corrupt.
	MaxNodes int `toml:"max_nodes"`
	// MaxPayload is the largest declared payload that will be read.
	MaxPayload int64 `toml:"max_payload"`
	// LockWait is how long to wait for another run writing into the
	// same directory. Zero fails at once if the directory is busy.
	LockWait time.Duration `toml:"lock_wait"`
}

// LayoutConfig names the record struct and its fields, and optionally
// pins the layout outright.
type LayoutConfig struct {
	Struct string        `toml:"struct"`
	Next   string        `toml:"next"`
	Owner  string        `toml:"owner"`
	Data   string        `toml:"data"`
	Size   string        `toml:"size"`
	Record *RecordConfig `toml:"record"`
}

// RecordConfig is an explicit record layout in bytes.
type RecordConfig struct {
	Size        int `toml:"size"`
	PointerSize int `toml:"pointer_size"`
	NextOffset  int `toml:"next_offset"`
	OwnerOffset int `toml:"owner_offset"`
	DataOffset  int `toml:"data_offset"`
	SizeOffset  int `toml:"size_offset"`
	SizeWidth   int `toml:"size_width"`
}

// Names returns the struct and field names to look up in type info.
func (c *LayoutConfig) Names() layout.Names {
	return layout.Names{
		Struct: c.Struct,
		Next:   c.Next,
		Owner:  c.Owner,
		Data:   c.Data,
		Length: c.Size,
	}
}

// Layout returns the explicit record layout, or nil if none was
// configured. A zero pointer size is left for the target to fill in.
func (c *LayoutConfig) Layout() *layout.Layout {
	r := c.Record
	if r == nil {
		return nil
	}

	width := r.SizeWidth
	if width == 0 {
		width = 8
	}
	return &layout.Layout{
		Size:        r.Size,
		PointerSize: r.PointerSize,
		Next:        layout.Field{Offset: r.NextOffset, Size: r.PointerSize},
		Owner:       layout.Field{Offset: r.OwnerOffset, Size: r.PointerSize},
		Data:        layout.Field{Offset: r.DataOffset, Size: r.PointerSize},
		Length:      layout.Field{Offset: r.SizeOffset, Size: width},
	}
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path onto the defaults. An empty path
// means DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a walk.
func (c *Config) Validate() error {
	switch {
	case c.Walk.Symbol == "":
		return fmt.Errorf("walk.symbol must not be empty")
	case c.Walk.Prefix == "" || strings.ContainsRune(c.Walk.Prefix, '/'):
		return fmt.Errorf("walk.prefix %q must be a non-empty file name", c.Walk.Prefix)
	case c.Walk.MaxNodes <= 0:
		return fmt.Errorf("walk.max_nodes must be positive, got %d", c.Walk.MaxNodes)
	case c.Walk.MaxPayload <= 0:
		return fmt.Errorf("walk.max_payload must be positive, got %d", c.Walk.MaxPayload)
	case c.Walk.LockWait < 0:
		return fmt.Errorf("walk.lock_wait must not be negative, got %s", c.Walk.LockWait)
	case c.Layout.Struct == "":
		return fmt.Errorf("layout.struct must not be empty")
	}
	return nil
}
