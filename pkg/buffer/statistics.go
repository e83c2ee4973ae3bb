package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All counters are updated atomically.
type Statistics struct {
	attempts  atomic.Int64
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

func (s *Statistics) attempt() { s.attempts.Add(1) }
func (s *Statistics) read(n int) { s.reads.Add(int64(n)) }
func (s *Statistics) drop() { s.drops.Add(1) }

// Writes returns the number of items added to the buffer.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items dropped by the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the largest number of items the buffer has held.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops relative to all write attempts (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	attempts := s.attempts.Load()
	if attempts == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(attempts)
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
