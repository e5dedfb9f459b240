package dump

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/catalog"
)

// Exporter writes the payload of one node to its own file.
type Exporter struct {
	mem        Memory
	dir        string
	prefix     string
	maxPayload int64
	recorder   catalog.Recorder
	runID      string
	logger     *slog.Logger
}

// NewExporter returns an exporter reading payloads from mem.
func NewExporter(mem Memory, opts Options) *Exporter {
	opts = opts.withDefaults()
	return &Exporter{
		mem:        mem,
		dir:        opts.Dir,
		prefix:     opts.Prefix,
		maxPayload: opts.MaxPayload,
		recorder:   opts.Recorder,
		runID:      opts.RunID,
		logger:     opts.Logger.With("component", "exporter"),
	}
}

// Export reads n's payload and writes it to a new file, returning the
// file's path. seq is the node's position in the walk. The file is
// created exclusively: an existing dump is never overwritten.
//
// A catalogue failure is reported after the file is written, so the
// path is returned alongside the error.
func (e *Exporter) Export(ctx context.Context, seq int, n bufdump.Node) (string, error) {
	if n.Size < 0 || uint64(n.Size) > math.MaxInt {
		return "", &bufdump.AllocError{Node: n.Addr, Size: n.Size}
	}
	if n.Size > e.maxPayload {
		return "", &bufdump.ReadError{
			Addr: n.Data,
			Len:  n.Size,
			Err:  fmt.Errorf("%w: buf %s declares %d bytes, limit %d", bufdump.ErrPayloadTooLarge, n.Addr, n.Size, e.maxPayload),
		}
	}

	data, err := e.mem.Read(n.Data, int(n.Size))
	if err != nil {
		return "", fmt.Errorf("read payload of buf %s: %w", n.Addr, err)
	}

	name := bufdump.FileName(e.prefix, n.Owner, n.Addr)
	path := filepath.Join(e.dir, name)
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	e.logger.Debug("dumped buf", "buf", n.Addr, "owner", n.Owner, "size", n.Size, "file", path)

	if e.recorder != nil {
		d := catalog.Dump{RunID: e.runID, Seq: seq, Node: n, File: name}
		if err := e.recorder.RecordDump(ctx, d); err != nil {
			return path, &bufdump.FileError{Op: "catalog", Path: name, Err: err}
		}
	}

	return path, nil
}

// writeFile creates path exclusively with mode 0600 and writes data.
// A failed write leaves the partial file in place.
func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return &bufdump.FileError{Op: "create", Path: path, Err: err}
	}

	if err := writeFull(f, data); err != nil {
		f.Close()
		return &bufdump.FileError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &bufdump.FileError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// writeFull writes all of p, retrying after short writes. A writer
// that makes no progress without reporting an error fails with
// io.ErrShortWrite.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
