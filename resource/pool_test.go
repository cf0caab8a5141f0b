package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryTask(t *testing.T) {
	p := NewPool(3)
	defer p.Close()

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			done.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(50), done.Load())
}

func TestPoolDrainsOnClose(t *testing.T) {
	p := NewPool(1)

	var done atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { done.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int64(10), done.Load())

	err := p.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The single worker is blocked; once the queue fills, a canceled context
	// must fail the submit instead of hanging.
	var err error
	for i := 0; err == nil && i < 64; i++ {
		err = p.Submit(ctx, func() {})
	}
	assert.ErrorIs(t, err, context.Canceled)
	close(block)
}
