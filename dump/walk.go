// Package dump walks the kernel buffer list and exports every buffer's
// payload to a file.
//
// The walk is strictly sequential: read the list head, then for each
// node read the record, export its payload and follow the next link
// until it is null. The first failure ends the walk; files written
// before it stay on disk.
package dump

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/catalog"
	"github.com/frobware/go-bufdump/layout"
)

// DefaultMaxNodes caps the walk when Options.MaxNodes is zero.
const DefaultMaxNodes = 1 << 20

// DefaultMaxPayload caps a single payload when Options.MaxPayload is
// zero.
const DefaultMaxPayload = 64 << 20

// Memory is the part of a target the walk reads through.
type Memory interface {
	Read(addr bufdump.Address, n int) ([]byte, error)
	ReadPointer(addr bufdump.Address) (bufdump.Address, error)
	ByteOrder() binary.ByteOrder
}

// Options carries the run-scoped settings shared by the walker and
// the exporter.
type Options struct {
	// Dir receives the dump files. Defaults to the working directory.
	Dir string
	// Prefix starts every file name. Defaults to "dump".
	Prefix string
	// MaxNodes bounds the number of nodes visited.
	MaxNodes int
	// MaxPayload bounds the declared size of a single payload.
	MaxPayload int64
	// Recorder, if set, is told about every exported file.
	Recorder catalog.Recorder
	// RunID tags catalogue records.
	RunID  string
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.Prefix == "" {
		o.Prefix = bufdump.DefaultFilePrefix
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats summarises a walk. A failed walk reports the files written
// before the failure.
type Stats struct {
	Head  bufdump.Address
	Nodes int
	Bytes int64
	Files []string
}

// Walker follows the buffer list from its head.
type Walker struct {
	mem      Memory
	layout   layout.Layout
	exporter *Exporter
	maxNodes int
	logger   *slog.Logger
}

// NewWalker returns a walker decoding records with l.
func NewWalker(mem Memory, l layout.Layout, opts Options) *Walker {
	opts = opts.withDefaults()
	return &Walker{
		mem:      mem,
		layout:   l,
		exporter: NewExporter(mem, opts),
		maxNodes: opts.MaxNodes,
		logger:   opts.Logger.With("component", "walker"),
	}
}

// Walk reads the list head stored at headAddr, the address of the
// list head symbol, and exports every node on the list.
//
// A node address seen twice, or more than MaxNodes nodes, is a
// *bufdump.CorruptStructureError. Cancelling ctx stops the walk
// between nodes.
func (w *Walker) Walk(ctx context.Context, headAddr bufdump.Address) (Stats, error) {
	first, err := w.mem.ReadPointer(headAddr)
	if err != nil {
		return Stats{}, fmt.Errorf("read list head: %w", err)
	}

	stats := Stats{Head: first}
	if first.IsNull() {
		w.logger.Debug("buffer list is empty", "head", headAddr)
		return stats, nil
	}

	visited := make(map[bufdump.Address]struct{})
	for addr := first; !addr.IsNull(); {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, seen := visited[addr]; seen {
			return stats, &bufdump.CorruptStructureError{Addr: addr, Reason: fmt.Sprintf("node revisited after %d nodes", stats.Nodes)}
		}
		if stats.Nodes >= w.maxNodes {
			return stats, &bufdump.CorruptStructureError{Addr: addr, Reason: fmt.Sprintf("list longer than %d nodes", w.maxNodes)}
		}
		visited[addr] = struct{}{}

		w.logger.Debug("buf", "addr", addr)
		raw, err := w.mem.Read(addr, w.layout.Size)
		if err != nil {
			return stats, fmt.Errorf("read buf: %w", err)
		}
		node, err := w.layout.Decode(addr, raw, w.mem.ByteOrder())
		if err != nil {
			return stats, err
		}

		path, err := w.exporter.Export(ctx, stats.Nodes, node)
		if path != "" {
			stats.Nodes++
			stats.Bytes += node.Size
			stats.Files = append(stats.Files, path)
		}
		if err != nil {
			return stats, err
		}

		addr = node.Next
	}

	return stats, nil
}
