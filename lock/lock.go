// Package lock serialises runs that write into the same output
// directory, using flock(2) on the directory itself.
//
// Exclusive creation stops a run from overwriting an existing dump.
// The lock stops two concurrent runs from interleaving their files in
// one directory. The directory itself is locked, so no lock file is
// left behind.
package lock

import (
	"context"
	"os"
	"time"

	"github.com/frobware/go-bufdump"
)

// Run acquires the exclusive lock on dir, executes fn, then releases.
// The lock is polled with LOCK_EX|LOCK_NB and exponential backoff for
// up to wait, or until ctx is done. A directory that cannot be opened
// or locked in time is a *bufdump.FileError.
func Run(ctx context.Context, dir string, wait time.Duration, fn func(context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, wait)
	f, err := acquire(acquireCtx, dir)
	cancel()
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx)
}

func acquire(ctx context.Context, dir string) (*os.File, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, &bufdump.FileError{Op: "lock", Path: dir, Err: err}
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		held, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, &bufdump.FileError{Op: "lock", Path: dir, Err: err}
		}
		if held {
			return f, nil
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, &bufdump.FileError{Op: "lock", Path: dir, Err: ctx.Err()}
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
