package valuestore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/value"
)

// Receiver is notified of every value set on the topics it is registered
// for. Receive must not block on the store. Returning expired == true
// removes the receiver from the store.
//
// Receivers are compared by identity, so implementations must be pointer
// types.
type Receiver interface {
	Receive(topic string, v value.Value) (expired bool)
}

// Item is a queued value together with the topic it arrived on.
type Item struct {
	Topic string
	Value value.Value
}

// Queue is a bounded FIFO of received values. When full, the oldest item is
// evicted. A Queue notifies its attached events on every received value.
type Queue struct {
	EventSource

	mu        sync.Mutex
	items     []Item
	maxLen    int
	lastTopic string
	lastTime  time.Time

	expired atomic.Bool
}

// NewQueue creates a queue holding at most maxLen items. 0 means unbounded.
func NewQueue(maxLen int) *Queue {
	if maxLen < 0 {
		maxLen = 0
	}
	return &Queue{maxLen: maxLen}
}

// Receive appends v, evicting the oldest item if the queue is full.
func (q *Queue) Receive(topic string, v value.Value) (expired bool) {
	q.mu.Lock()
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		q.items[0] = Item{}
		q.items = q.items[1:]
	}
	q.items = append(q.items, Item{Topic: topic, Value: v})
	q.lastTopic = topic
	q.lastTime = time.Now()
	q.mu.Unlock()

	q.NotifyEvents()
	return q.expired.Load()
}

// Peek returns the oldest value without removing it.
func (q *Queue) Peek() (value.Value, bool) {
	item, ok := q.PeekWithTopic()
	return item.Value, ok
}

// PeekWithTopic returns the oldest item without removing it.
func (q *Queue) PeekWithTopic() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the oldest value.
func (q *Queue) Pop() (value.Value, bool) {
	item, ok := q.PopWithTopic()
	return item.Value, ok
}

// PopWithTopic removes and returns the oldest item.
func (q *Queue) PopWithTopic() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue holds no items.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Clear drops all queued items.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// MaxLen returns the capacity, 0 for unbounded.
func (q *Queue) MaxLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxLen
}

// SetMaxLen changes the capacity and drops the oldest items that no longer
// fit.
func (q *Queue) SetMaxLen(n int) {
	if n < 0 {
		n = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.maxLen = n
	if n > 0 && len(q.items) > n {
		drop := len(q.items) - n
		clear(q.items[:drop])
		q.items = q.items[drop:]
	}
}

// LastReceived returns the topic and time of the most recent value. The
// time is zero if nothing was received yet.
func (q *Queue) LastReceived() (string, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastTopic, q.lastTime
}

// Expire makes the next Receive report the queue as expired, which
// unregisters it from the store.
func (q *Queue) Expire() {
	q.expired.Store(true)
}

// Expired reports whether Expire was called.
func (q *Queue) Expired() bool {
	return q.expired.Load()
}
