package sink

// DoubleBuffer collects records into one of two fixed arenas while a
// background goroutine drains the other, so the producer's fill of batch N
// overlaps the consumer's drain of batch N-1. Records hand over whole; a
// record larger than an arena bypasses the arenas and drains directly.
//
// Single producer. The drain function runs on the background goroutine and
// must not touch the producer's state. The first drain error sticks and
// fails every later call.
type DoubleBuffer struct {
	arenas [2][]byte
	active int
	fill   int

	drain    func([]byte) error
	pending  chan []byte
	results  chan error
	inflight bool
	err      error
	closed   bool
}

// NewDoubleBuffer returns a double buffer with two arenas of the given size
// draining through fn.
func NewDoubleBuffer(size int, fn func([]byte) error) *DoubleBuffer {
	if size <= 0 {
		size = 1
	}
	b := &DoubleBuffer{
		drain:   fn,
		pending: make(chan []byte),
		results: make(chan error),
	}
	b.arenas[0] = make([]byte, size)
	b.arenas[1] = make([]byte, size)

	go func() {
		for batch := range b.pending {
			b.results <- fn(batch)
		}
		close(b.results)
	}()
	return b
}

// wait collects the in-flight drain's outcome, if any.
func (b *DoubleBuffer) wait() error {
	if !b.inflight {
		return b.err
	}
	b.inflight = false
	if err := <-b.results; err != nil {
		b.err = err
	}
	return b.err
}

// flip hands the active arena to the drainer and starts filling the other.
// The other arena is free by then: at most one batch is ever in flight.
func (b *DoubleBuffer) flip() error {
	if err := b.wait(); err != nil {
		return err
	}
	b.pending <- b.arenas[b.active][:b.fill]
	b.inflight = true
	b.active ^= 1
	b.fill = 0
	return nil
}

// Handoff buffers the record, flipping arenas when it does not fit. An
// oversized record flushes pending data and drains synchronously.
func (b *DoubleBuffer) Handoff(record []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.closed {
		return ErrClosed
	}
	size := len(b.arenas[0])

	if len(record) > size {
		if b.fill > 0 {
			if err := b.flip(); err != nil {
				return err
			}
		}
		// The caller may reuse the record after we return, so it cannot ride
		// the background drain.
		if err := b.wait(); err != nil {
			return err
		}
		if err := b.drain(record); err != nil {
			b.err = err
		}
		return b.err
	}

	if b.fill+len(record) > size {
		if err := b.flip(); err != nil {
			return err
		}
	}
	b.fill += copy(b.arenas[b.active][b.fill:], record)
	return nil
}

// Overflow always reports false; a DoubleBuffer blocks instead of refusing.
func (b *DoubleBuffer) Overflow() bool { return false }

// Flush drains buffered data and waits for the background goroutine to go
// idle. The sink stays usable afterwards.
func (b *DoubleBuffer) Flush() error {
	if b.err != nil {
		return b.err
	}
	if b.closed {
		return ErrClosed
	}
	if b.fill > 0 {
		if err := b.flip(); err != nil {
			return err
		}
	}
	return b.wait()
}

// Close flushes and stops the background goroutine. Further calls fail.
func (b *DoubleBuffer) Close() error {
	if b.closed {
		return b.err
	}
	err := b.Flush()
	b.closed = true
	close(b.pending)
	<-b.results // goroutine exit, channel close
	return err
}
