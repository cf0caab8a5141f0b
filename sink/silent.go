package sink

// SilentBuffer is a bounded byte buffer that never errors on capacity:
// a record that does not fit is refused whole and the overflow flag raised,
// so a caller can grow or drain and retry without losing accepted data.
//
// The marker remembers a safe truncation point. A producer sets it between
// records and rewinds after a partial multi-part append, keeping the buffer
// free of half-written records.
type SilentBuffer struct {
	buf      []byte
	marker   int
	overflow bool
}

// NewSilentBuffer returns a buffer of the given capacity.
func NewSilentBuffer(capacity int) *SilentBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &SilentBuffer{buf: make([]byte, 0, capacity)}
}

// Handoff appends the record if it fits, otherwise raises overflow and
// leaves the buffer untouched. It never returns an error.
func (b *SilentBuffer) Handoff(record []byte) error {
	if len(b.buf)+len(record) > cap(b.buf) {
		b.overflow = true
		return nil
	}
	b.buf = append(b.buf, record...)
	return nil
}

// Overflow reports whether a record was refused since the last Reset or
// Resize.
func (b *SilentBuffer) Overflow() bool { return b.overflow }

// Flush is a no-op; the consumer drains through Bytes and Reset.
func (b *SilentBuffer) Flush() error { return nil }

// Capacity returns the buffer's fixed capacity.
func (b *SilentBuffer) Capacity() int { return cap(b.buf) }

// Len returns the accepted byte count.
func (b *SilentBuffer) Len() int { return len(b.buf) }

// Bytes returns the accepted bytes. The slice is valid until the next
// mutating call.
func (b *SilentBuffer) Bytes() []byte { return b.buf }

// SetMarker pins the current length as the rewind point.
func (b *SilentBuffer) SetMarker() { b.marker = len(b.buf) }

// Marker returns the pinned rewind point.
func (b *SilentBuffer) Marker() int { return b.marker }

// Rewind truncates back to the marker, dropping a partial append.
func (b *SilentBuffer) Rewind() {
	b.buf = b.buf[:b.marker]
}

// Reset empties the buffer and clears marker and overflow.
func (b *SilentBuffer) Reset() {
	b.buf = b.buf[:0]
	b.marker = 0
	b.overflow = false
}

// Resize grows or shrinks the capacity, preserving accepted data. Shrinking
// below the current length keeps the data and clamps capacity to it.
func (b *SilentBuffer) Resize(capacity int) {
	if capacity < len(b.buf) {
		capacity = len(b.buf)
	}
	next := make([]byte, len(b.buf), capacity)
	copy(next, b.buf)
	b.buf = next
	b.overflow = false
}
