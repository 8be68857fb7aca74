package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks part upload performance for hung detection and reporting.
type Stats struct {
	sum           time.Duration
	finishedParts int64
	bytes         int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record adds a successful attempt of the given duration and size.
func (s *Stats) Record(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedParts++
	s.bytes += size
}

// Average returns the average duration of successful attempts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of parts uploaded in this run.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// Bytes returns the number of bytes uploaded in this run.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Throughput returns bytes per second over the summed attempt time. Parallel attempts overlap,
// so this is the per-connection rate, not the aggregate one.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
