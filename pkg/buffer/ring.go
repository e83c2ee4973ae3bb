package buffer

import (
	"context"
	"sync"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

type ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	// ready holds a token while the buffer is non-empty
	ready chan struct{}
	done  chan struct{}

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewCircularBuffer", "metrics registration")
		}
	}

	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

func (r *ring[T]) Write(item T) error {
	dropped, hasDropped, err := r.write(item)
	if hasDropped && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return err
}

func (r *ring[T]) write(item T) (dropped T, hasDropped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	r.stats.attempt()
	if r.size == r.capacity {
		r.stats.drop()
		r.metrics.recordDrop()
		if r.opts.overflowPolicy == DropNewest {
			return item, true, nil
		}
		dropped, hasDropped = r.popLocked(), true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.write(r.size)
	r.metrics.recordWrite(r.size)

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped, hasDropped, nil
}

func (r *ring[T]) popLocked() T {
	var zero T
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item
}

// drainReadyLocked removes the ready token once the buffer is empty
func (r *ring[T]) drainReadyLocked() {
	if r.size > 0 {
		return
	}
	select {
	case <-r.ready:
	default:
	}
}

func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}

	item := r.popLocked()
	r.drainReadyLocked()
	r.stats.read(1)
	r.metrics.recordRead(1, r.size)
	return item, true
}

func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(max, r.size)
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = r.popLocked()
	}
	r.drainReadyLocked()
	r.stats.read(n)
	r.metrics.recordRead(n, r.size)
	return out
}

func (r *ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.tail], true
}

func (r *ring[T]) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		size, closed := r.size, r.closed
		r.mu.Unlock()

		if size > 0 {
			return nil
		}
		if closed {
			return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Wait", "buffer closed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
		case <-r.ready:
			// hand the token on to other waiters while items remain
			r.mu.Lock()
			if r.size > 0 {
				select {
				case r.ready <- struct{}{}:
				default:
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring[T]) Capacity() int { return r.capacity }

func (r *ring[T]) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == r.capacity
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == 0
}

func (r *ring[T]) Clear() {
	r.mu.Lock()
	dropped := make([]T, 0, r.size)
	for r.size > 0 {
		dropped = append(dropped, r.popLocked())
	}
	r.head, r.tail = 0, 0
	r.drainReadyLocked()
	r.metrics.recordRead(0, 0)
	r.mu.Unlock()

	if r.opts.dropCallback != nil {
		for _, item := range dropped {
			r.opts.dropCallback(item)
		}
	}
}

func (r *ring[T]) Stats() *Statistics { return r.stats }

func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}
