package state

import "time"

// FlushPolicy decides when recorded part completions are written to disk. Between flushes the
// file lags behind; the parts it misses are re-uploaded after a crash.
type FlushPolicy interface {
	ShouldFlush(dirty int, sinceLastFlush time.Duration) bool
}

// FlushEveryPart writes the file after each recorded part.
type FlushEveryPart struct{}

// ShouldFlush ...
func (FlushEveryPart) ShouldFlush(dirty int, _ time.Duration) bool {
	return dirty > 0
}

// FlushInterval writes the file at most once per Interval.
type FlushInterval struct {
	Interval time.Duration
}

// ShouldFlush ...
func (p FlushInterval) ShouldFlush(dirty int, sinceLastFlush time.Duration) bool {
	return dirty > 0 && sinceLastFlush >= p.Interval
}

// FlushBatch writes the file once Parts completions accumulated.
type FlushBatch struct {
	Parts int
}

// ShouldFlush ...
func (p FlushBatch) ShouldFlush(dirty int, _ time.Duration) bool {
	if p.Parts <= 1 {
		return dirty > 0
	}
	return dirty >= p.Parts
}
