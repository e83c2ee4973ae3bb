// Package buffer provides a generic, thread-safe ring buffer with a
// configurable overflow policy, always-on statistics and optional
// Prometheus metrics.
//
// The remote bridge queues pong replies through a DropOldest buffer and the
// recorder hands values to its writer goroutine through a DropNewest buffer:
//
//	buf, err := buffer.NewCircularBuffer[entry](limit+reserve,
//		buffer.WithOverflowPolicy[entry](buffer.DropNewest),
//		buffer.WithDropCallback[entry](onDrop),
//	)
//
//	for {
//		if err := buf.Wait(ctx); err != nil {
//			return err
//		}
//		for _, e := range buf.ReadBatch(64) {
//			write(e)
//		}
//	}
package buffer

import (
	"context"
)

// Buffer represents a generic buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. When the buffer is full the
	// overflow policy decides which item is dropped.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek retrieves the oldest item without removing it.
	Peek() (T, bool)

	// Wait blocks until the buffer is non-empty, ctx is done or the
	// buffer is closed.
	Wait(ctx context.Context) error

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items. The drop callback is invoked for each.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close wakes up waiters and rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called outside the buffer lock with each dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new ring buffer with the specified capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
