package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerMemoryLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(context.Background(), 60))
	require.NoError(t, c.AcquireMemory(context.Background(), 30))
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.False(t, c.TryAcquireMemory(20))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMemory(ctx, 20), context.DeadlineExceeded)

	c.ReleaseMemory(60)
	require.NoError(t, c.AcquireMemory(context.Background(), 20))
	assert.Equal(t, int64(50), c.MemoryUsage())
}

func TestControllerMemoryTrackingOnly(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(context.Background(), 1<<20))
	assert.Equal(t, int64(1<<20), c.MemoryUsage())
	c.ReleaseMemory(1 << 20)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestControllerWorkers(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(context.Background()))
	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.False(t, c.TryAcquireBackground())

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestControllerNilIsUnlimited(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireMemory(context.Background(), 1<<40))
	assert.True(t, c.TryAcquireMemory(1<<40))
	c.ReleaseMemory(1 << 40)
	require.NoError(t, c.AcquireBackground(context.Background()))
	c.ReleaseBackground()
	require.NoError(t, c.AcquireIO(context.Background(), 1<<40))
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestControllerIOBeyondBurst(t *testing.T) {
	// A request larger than one burst window is sliced, not rejected.
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20+512))
}

func TestControllerIOCancellation(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10})

	require.NoError(t, c.AcquireIO(context.Background(), 10))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireIO(ctx, 10))
}

func TestPacedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer

	w := NewPacedWriter(context.Background(), &buf, c)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestPacedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	r := NewPacedReader(context.Background(), bytes.NewReader([]byte("data")), c)
	out := make([]byte, 4)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "data", string(out[:n]))
}
