//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/lock"
)

func TestRun_ExecutesUnderLock(t *testing.T) {
	called := false
	err := lock.Run(context.Background(), t.TempDir(), 0, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRun_PropagatesError(t *testing.T) {
	want := errors.New("walk failed")
	err := lock.Run(context.Background(), t.TempDir(), 0, func(context.Context) error {
		return want
	})
	require.ErrorIs(t, err, want)
}

func TestRun_ContendedUntilDeadline(t *testing.T) {
	dir := t.TempDir()

	err := lock.Run(context.Background(), dir, 0, func(context.Context) error {
		inner := lock.Run(context.Background(), dir, 100*time.Millisecond, func(context.Context) error {
			t.Error("second holder must not run while the lock is held")
			return nil
		})

		var fileErr *bufdump.FileError
		require.ErrorAs(t, inner, &fileErr)
		assert.Equal(t, "lock", fileErr.Op)
		assert.ErrorIs(t, inner, context.DeadlineExceeded)
		return nil
	})
	require.NoError(t, err)
}

func TestRun_ZeroWaitFailsWhenBusy(t *testing.T) {
	dir := t.TempDir()

	err := lock.Run(context.Background(), dir, time.Second, func(context.Context) error {
		start := time.Now()
		inner := lock.Run(context.Background(), dir, 0, func(context.Context) error { return nil })
		require.Error(t, inner)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestRun_WaitDoesNotBoundFn(t *testing.T) {
	err := lock.Run(context.Background(), t.TempDir(), time.Millisecond, func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
}

func TestRun_ReleasedAfterReturn(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, lock.Run(context.Background(), dir, 0, func(context.Context) error { return nil }))
	require.NoError(t, lock.Run(context.Background(), dir, 0, func(context.Context) error { return nil }))
}

func TestRun_MissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")

	err := lock.Run(context.Background(), dir, time.Second, func(context.Context) error { return nil })
	var fileErr *bufdump.FileError
	require.ErrorAs(t, err, &fileErr)
	assert.Equal(t, dir, fileErr.Path)
}
