package util

import "time"

// FlushTicker computes wall-clock-aligned flush deadlines, so a processor
// configured for aligned flushing lands on interval boundaries (e.g. every
// :00, :10, :20 past the minute for a 10s interval) instead of drifting
// from whenever the processor happened to start.
type FlushTicker struct {
	interval time.Duration
	offset   time.Duration
}

// NewFlushTicker returns a FlushTicker producing deadlines at
// roundup(t, interval)+offset boundaries.
func NewFlushTicker(interval, offset time.Duration) *FlushTicker {
	return &FlushTicker{interval: interval, offset: offset}
}

// Next returns the next aligned deadline after now.
func (ft *FlushTicker) Next(now time.Time) time.Time {
	return roundup(now.Add(-ft.offset), ft.interval).Add(ft.offset)
}

func roundup(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval).Add(interval)
}
