package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/catalog"
	"github.com/frobware/go-bufdump/catalog/sqlite"
	"github.com/frobware/go-bufdump/config"
	"github.com/frobware/go-bufdump/dump"
	"github.com/frobware/go-bufdump/kvm"
	"github.com/frobware/go-bufdump/layout"
	"github.com/frobware/go-bufdump/lock"
	"github.com/frobware/go-bufdump/logging"
	"github.com/frobware/go-bufdump/pledge"
)

// CLI is the bufdump command line.
type CLI struct {
	Verbose bool   `name:"verbose" short:"v" help:"Print diagnostics, including the resolved list head, to stderr."`
	Core    string `name:"core" short:"M" placeholder:"CORE" help:"Kernel memory image (crash dump, /dev/kmem). Defaults to the running kernel."`
	System  string `name:"system" short:"N" placeholder:"SYSTEM" help:"Kernel executable or symbol map. Defaults to the running kernel's."`
	Swap    string `name:"swap" short:"W" placeholder:"SWAP" help:"Swap image matching the core."`

	Config    string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log       string `name:"log" help:"Log spec (e.g., 'warn,walker=debug'). Overrides BUFDUMP_LOG."`
	LogFormat string `name:"log-format" help:"Log format: text or json. Overrides the config file."`
	BTF       string `name:"btf" placeholder:"PATH" help:"BTF file describing the kernel's types."`
	Dir       string `name:"dir" help:"Directory the dump files are written to." default:"."`
	Catalog   string `name:"catalog" placeholder:"PATH" help:"Record the run in this SQLite database."`

	// Stderr receives log output. Nil means os.Stderr.
	Stderr io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("bufdump"),
		kong.Description("Dump the kernel buffer cache, one file per buffer."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// Parse parses args into a CLI.
func Parse(args []string, opts ...kong.Option) (*CLI, error) {
	var c CLI
	parser, err := kong.New(&c, append(KongOptions(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	return &c, nil
}

// Logger creates the run's logger from the config file and flags.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	formatStr := cfg.Logging.Format
	if c.LogFormat != "" {
		formatStr = c.LogFormat
	}
	format, err := logging.ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	opts := logging.Options{
		CLISpec:    c.Log,
		EnvSpec:    os.Getenv(logging.EnvVar),
		ConfigSpec: cfg.Logging.Level,
		Verbose:    c.Verbose,
		Format:     format,
	}
	if c.Stderr != nil {
		opts.Output = c.Stderr
	}
	return logging.New(opts)
}

// TargetOptions returns the files selecting the target.
func (c *CLI) TargetOptions() kvm.Options {
	return kvm.Options{Core: c.Core, Exec: c.System, Swap: c.Swap}
}

// Run dumps every buffer on the target's buffer list.
//
// Everything that needs read access to the filesystem happens before
// privileges are narrowed: opening the target, resolving the record
// layout, opening the catalogue and locking the output directory.
// After that only the symbol lookup and the walk remain.
func (c *CLI) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	logger, err := c.Logger(cfg)
	if err != nil {
		return err
	}
	log := logger.With("component", "cli")

	target, err := kvm.Open(c.TargetOptions(), logger)
	if err != nil {
		return err
	}
	defer target.Close()

	l, source, err := layout.Resolve(layout.ResolveOptions{
		Explicit:    cfg.Layout.Layout(),
		Names:       cfg.Layout.Names(),
		PointerSize: target.PointerSize(),
		BTFPath:     c.BTF,
		KernelBTF:   target.Mode() == kvm.ModeLive && runtime.GOOS == "linux",
		DWARF:       target.DWARF,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("resolve layout: %w", err)
	}
	log.Debug("resolved record layout", "source", source, "struct", cfg.Layout.Struct, "size", l.Size)

	var store runStore
	if c.Catalog != "" {
		s, err := sqlite.New(ctx, c.Catalog, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	return lock.Run(ctx, c.Dir, cfg.Walk.LockWait, func(ctx context.Context) error {
		promises := pledge.Promises(store != nil)
		if !pledge.Supported() {
			log.Debug("privilege narrowing unavailable", "os", runtime.GOOS)
		} else if err := pledge.Narrow(promises); err != nil {
			return err
		}
		return c.walk(ctx, cfg, target, l, store, logger)
	})
}

// walkTarget is the part of a kvm.Target a walk uses.
type walkTarget interface {
	dump.Memory
	Lookup(name string) (bufdump.Address, error)
	Mode() kvm.Mode
	Paths() kvm.Options
}

// runStore is the part of the catalogue a run writes to.
type runStore interface {
	catalog.Recorder
	BeginRun(ctx context.Context, r catalog.Run) error
	FinishRun(ctx context.Context, id string, finishedAt time.Time, nodes int, bytes int64) error
}

// walk resolves the list head and exports every buffer on the list.
// No memory is read until the head symbol has resolved.
func (c *CLI) walk(ctx context.Context, cfg config.Config, target walkTarget, l layout.Layout, store runStore, logger *slog.Logger) error {
	log := logger.With("component", "cli")

	head, err := target.Lookup(cfg.Walk.Symbol)
	if err != nil {
		return err
	}
	log.Debug("resolved list head", "symbol", cfg.Walk.Symbol, "addr", head)

	opts := dump.Options{
		Dir:        c.Dir,
		Prefix:     cfg.Walk.Prefix,
		MaxNodes:   cfg.Walk.MaxNodes,
		MaxPayload: cfg.Walk.MaxPayload,
		Logger:     logger,
	}

	if store != nil {
		paths := target.Paths()
		run := catalog.Run{
			ID:        catalog.NewRunID(),
			StartedAt: time.Now(),
			Mode:      string(target.Mode()),
			Core:      paths.Core,
			Exec:      paths.Exec,
			Swap:      paths.Swap,
			Symbol:    cfg.Walk.Symbol,
			Head:      head,
		}
		if err := store.BeginRun(ctx, run); err != nil {
			return err
		}
		opts.Recorder = store
		opts.RunID = run.ID
	}

	stats, err := dump.NewWalker(target, l, opts).Walk(ctx, head)
	if store != nil {
		// Partial totals are recorded too, including after an interrupt.
		ferr := store.FinishRun(context.WithoutCancel(ctx), opts.RunID, time.Now(), stats.Nodes, stats.Bytes)
		if ferr != nil {
			if err == nil {
				err = ferr
			} else {
				log.Warn("failed to record run totals", "run", opts.RunID, "error", ferr)
			}
		}
	}
	if err != nil {
		return err
	}

	log.Info("dumped buffer cache", "buffers", stats.Nodes, "bytes", stats.Bytes, "dir", c.Dir)
	return nil
}
