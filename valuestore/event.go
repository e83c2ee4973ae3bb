package valuestore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single-slot wake-up flag. Any number of triggers collapse into
// one pending wake until a waiter consumes it; a trigger releases every
// goroutine blocked in a wait at that moment. Once expired an event ignores
// further triggers.
type Event struct {
	mu      sync.Mutex
	flag    bool
	wake    chan struct{} // closed and replaced by every trigger
	expired atomic.Bool
}

// NewEvent creates an inactive event.
func NewEvent() *Event {
	return &Event{wake: make(chan struct{})}
}

// Trigger sets the flag and wakes all waiters. It reports whether the event
// is expired, in which case nothing happens.
func (e *Event) Trigger() (expired bool) {
	if e.expired.Load() {
		return true
	}
	e.mu.Lock()
	e.flag = true
	close(e.wake)
	e.wake = make(chan struct{})
	e.mu.Unlock()
	return false
}

// pending consumes a set flag, or returns the channel the next trigger closes
func (e *Event) pending() (bool, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flag {
		e.flag = false
		return true, nil
	}
	return false, e.wake
}

func (e *Event) consume() {
	e.mu.Lock()
	e.flag = false
	e.mu.Unlock()
}

// WaitAndClear blocks until the flag is set and clears it.
func (e *Event) WaitAndClear(ctx context.Context) error {
	set, wake := e.pending()
	if set {
		return nil
	}
	select {
	case <-wake:
		e.consume()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAndClearTimeout waits at most d and reports whether the flag was
// consumed.
func (e *Event) WaitAndClearTimeout(d time.Duration) bool {
	set, wake := e.pending()
	if set {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-wake:
		e.consume()
		return true
	case <-timer.C:
		return false
	}
}

// Active reports whether a trigger is pending.
func (e *Event) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flag
}

// Clear drops a pending trigger without waiting.
func (e *Event) Clear() {
	e.consume()
}

// Expire marks the event as permanently expired. Sources drop expired
// events on their next notification.
func (e *Event) Expire() {
	e.expired.Store(true)
}

// Expired reports whether Expire was called.
func (e *Event) Expired() bool {
	return e.expired.Load()
}

// EventSource is an ordered set of events notified together.
type EventSource struct {
	mu     sync.RWMutex
	events []*Event
}

// AddEvent attaches e. Adding the same event twice has no effect.
func (s *EventSource) AddEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events {
		if existing == e {
			return
		}
	}
	s.events = append(s.events, e)
}

// RemoveEvent detaches e.
func (s *EventSource) RemoveEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.events {
		if existing == e {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return
		}
	}
}

// NotifyEvents triggers every attached event in the order they were added
// and removes those that turned out to be expired.
func (s *EventSource) NotifyEvents() {
	s.mu.RLock()
	snapshot := make([]*Event, len(s.events))
	copy(snapshot, s.events)
	s.mu.RUnlock()

	pruned := false
	for _, e := range snapshot {
		if e.Trigger() {
			pruned = true
		}
	}

	if pruned {
		s.mu.Lock()
		kept := s.events[:0]
		for _, e := range s.events {
			if !e.Expired() {
				kept = append(kept, e)
			}
		}
		for i := len(kept); i < len(s.events); i++ {
			s.events[i] = nil
		}
		s.events = kept
		s.mu.Unlock()
	}
}

// EventCount returns the number of attached events.
func (s *EventSource) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
