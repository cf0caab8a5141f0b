// Package sink provides the byte-stream boundary between cell producers and
// their consumers: a silent bounded buffer that marks overflow instead of
// erroring, a plain writer adapter, and a double-buffered sink that overlaps
// filling one arena with draining the other.
package sink

import (
	"errors"
	"io"
)

// ErrClosed is returned by sinks used after Close.
var ErrClosed = errors.New("sink: closed")

// Sink accepts framed records. Handoff either takes the whole record or
// reports why it cannot; Overflow tells whether the sink has stopped
// accepting; Flush pushes everything buffered downstream.
type Sink interface {
	Handoff(record []byte) error
	Overflow() bool
	Flush() error
}

// WriterSink adapts an io.Writer into a Sink. It never overflows; every
// record goes straight through.
type WriterSink struct {
	w   io.Writer
	err error
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Handoff writes the record through. The first write error sticks.
func (s *WriterSink) Handoff(record []byte) error {
	if s.err != nil {
		return s.err
	}
	_, s.err = s.w.Write(record)
	return s.err
}

// Overflow always reports false.
func (s *WriterSink) Overflow() bool { return false }

// Flush flushes the underlying writer when it supports it.
func (s *WriterSink) Flush() error {
	if s.err != nil {
		return s.err
	}
	type flusher interface{ Flush() error }
	if f, ok := s.w.(flusher); ok {
		s.err = f.Flush()
	}
	return s.err
}
