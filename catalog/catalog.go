// Package catalog records dump runs: which target was read, and which
// file each buffer went to.
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-bufdump"
)

// Run describes one invocation against one target.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero until the walk completes
	Mode       string
	Core       string
	Exec       string
	Swap       string
	Symbol     string
	Head       bufdump.Address
	Nodes      int
	Bytes      int64
}

// Dump records one exported buffer.
type Dump struct {
	RunID string
	Seq   int
	Node  bufdump.Node
	File  string
}

// Recorder accepts a record per exported buffer.
type Recorder interface {
	RecordDump(ctx context.Context, d Dump) error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
