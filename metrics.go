package tessera

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives a callback after each operation. Implement it to
// feed a monitoring system; the callbacks run inline, so keep them cheap.
type MetricsCollector interface {
	// RecordWrite is called after each write call with the bytes accepted.
	RecordWrite(bytes int, duration time.Duration, err error)

	// RecordRead is called after each read call with the bytes delivered.
	RecordRead(bytes int, duration time.Duration, err error)

	// RecordFragmentCommit is called when a fragment is published.
	RecordFragmentCommit(duration time.Duration, err error)

	// RecordConsolidation is called after a consolidation run with the
	// number of input fragments.
	RecordConsolidation(fragments int, duration time.Duration, err error)
}

// NoopMetricsCollector discards all measurements.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordWrite(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordRead(int, time.Duration, error)          {}
func (NoopMetricsCollector) RecordFragmentCommit(time.Duration, error)     {}
func (NoopMetricsCollector) RecordConsolidation(int, time.Duration, error) {}

// BasicMetricsCollector keeps simple in-memory counters. Useful for tests
// and debugging without an external metrics stack.
type BasicMetricsCollector struct {
	WriteCount      atomic.Int64
	WriteBytes      atomic.Int64
	WriteErrors     atomic.Int64
	WriteTotalNanos atomic.Int64

	ReadCount      atomic.Int64
	ReadBytes      atomic.Int64
	ReadErrors     atomic.Int64
	ReadTotalNanos atomic.Int64

	CommitCount  atomic.Int64
	CommitErrors atomic.Int64

	ConsolidationCount     atomic.Int64
	ConsolidationFragments atomic.Int64
	ConsolidationErrors    atomic.Int64
}

// NewBasicMetricsCollector returns a zeroed collector.
func NewBasicMetricsCollector() *BasicMetricsCollector {
	return &BasicMetricsCollector{}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(bytes int, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteBytes.Add(int64(bytes))
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(bytes int, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadBytes.Add(int64(bytes))
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordFragmentCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFragmentCommit(duration time.Duration, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordConsolidation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordConsolidation(fragments int, duration time.Duration, err error) {
	b.ConsolidationCount.Add(1)
	b.ConsolidationFragments.Add(int64(fragments))
	if err != nil {
		b.ConsolidationErrors.Add(1)
	}
}

// Stats is a snapshot of a BasicMetricsCollector.
type Stats struct {
	WriteCount    int64
	WriteBytes    int64
	WriteErrors   int64
	WriteAvgNanos int64

	ReadCount    int64
	ReadBytes    int64
	ReadErrors   int64
	ReadAvgNanos int64

	CommitCount  int64
	CommitErrors int64

	ConsolidationCount     int64
	ConsolidationFragments int64
	ConsolidationErrors    int64
}

// GetStats returns a snapshot of the counters.
func (b *BasicMetricsCollector) GetStats() Stats {
	s := Stats{
		WriteCount:             b.WriteCount.Load(),
		WriteBytes:             b.WriteBytes.Load(),
		WriteErrors:            b.WriteErrors.Load(),
		ReadCount:              b.ReadCount.Load(),
		ReadBytes:              b.ReadBytes.Load(),
		ReadErrors:             b.ReadErrors.Load(),
		CommitCount:            b.CommitCount.Load(),
		CommitErrors:           b.CommitErrors.Load(),
		ConsolidationCount:     b.ConsolidationCount.Load(),
		ConsolidationFragments: b.ConsolidationFragments.Load(),
		ConsolidationErrors:    b.ConsolidationErrors.Load(),
	}
	if s.WriteCount > 0 {
		s.WriteAvgNanos = b.WriteTotalNanos.Load() / s.WriteCount
	}
	if s.ReadCount > 0 {
		s.ReadAvgNanos = b.ReadTotalNanos.Load() / s.ReadCount
	}
	return s
}
