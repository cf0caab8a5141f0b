// Package resource gates the engine's appetite: memory for bulk sorts and
// tile staging, worker slots for parallel encodes and meta loads, and IO
// bandwidth for consolidation. A nil Controller means no limits; every
// method tolerates a nil receiver so call sites need no guards.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config sets the limits a Controller enforces. Zero values mean unlimited,
// except workers which default to one.
type Config struct {
	// MemoryLimitBytes caps memory held for bulk sorts and staging buffers.
	MemoryLimitBytes int64

	// MaxBackgroundWorkers caps concurrent internal jobs such as parallel
	// tile permutes and fragment meta loads.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec paces background IO, chiefly consolidation writes,
	// so maintenance does not starve foreground queries.
	IOLimitBytesPerSec int64
}

// Controller enforces a Config across every session of a context.
type Controller struct {
	memSem  *semaphore.Weighted // nil when memory is unlimited
	memUsed atomic.Int64

	workers *semaphore.Weighted

	io      *rate.Limiter // nil when IO is unpaced
	ioBurst int
}

// NewController builds a controller for cfg.
func NewController(cfg Config) *Controller {
	workers := cfg.MaxBackgroundWorkers
	if workers <= 0 {
		workers = 1
	}
	c := &Controller{workers: semaphore.NewWeighted(workers)}
	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioBurst = int(cfg.IOLimitBytesPerSec)
		c.io = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), c.ioBurst)
	}
	return c
}

// AcquireMemory reserves bytes against the memory limit, blocking until the
// reservation fits or ctx ends. Without a limit it only tracks usage.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.memUsed.Add(bytes)
	return nil
}

// TryAcquireMemory reserves bytes without blocking.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory returns a reservation.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage reports the bytes currently reserved.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireBackground claims a worker slot, blocking while all are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// TryAcquireBackground claims a worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.workers.TryAcquire(1)
}

// ReleaseBackground returns a worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.workers.Release(1)
}

// AcquireIO waits until the pacer admits the given byte count. Requests
// beyond the burst window are admitted in burst-sized slices.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.io == nil || bytes <= 0 {
		return nil
	}
	for bytes > 0 {
		n := bytes
		if n > c.ioBurst {
			n = c.ioBurst
		}
		if err := c.io.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
