package flock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consolidation.lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	// Reacquire after release.
	l2, err := TryAcquire(path)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())

	// Release is idempotent.
	assert.NoError(t, l2.Release())
}

func TestConflictWithinProcess(t *testing.T) {
	// flock is per file description, so a second open in the same process
	// still observes the conflict.
	path := filepath.Join(t.TempDir(), "consolidation.lock")

	l, err := TryAcquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = TryAcquire(path)
	assert.ErrorIs(t, err, ErrLocked)
}
