package remote

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Heartbeat defaults
const (
	DefaultPingIntervalMin = 100 * time.Millisecond
	DefaultPingIntervalMax = 3000 * time.Millisecond
	DefaultPongTimeout     = 5000 * time.Millisecond
)

// State is the link state as seen by the heartbeat
type State int

const (
	StateDown State = iota
	StateUnsure
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateUnsure:
		return "UNSURE"
	case StateUp:
		return "UP"
	default:
		return "UnknownRemoteState"
	}
}

// PingFunc sends a ping carrying freshness to the peer
type PingFunc func(ctx context.Context, freshness uint64)

// TrackerOption configures a StatusTracker
type TrackerOption func(*StatusTracker)

// WithPingIntervals sets the initial and the maximum ping interval. Zero
// values keep the defaults.
func WithPingIntervals(minInterval, maxInterval time.Duration) TrackerOption {
	return func(t *StatusTracker) {
		if minInterval > 0 {
			t.min = minInterval
		}
		if maxInterval > 0 {
			t.max = maxInterval
		}
	}
}

// WithPongTimeout sets how long the link stays up without a pong
func WithPongTimeout(d time.Duration) TrackerOption {
	return func(t *StatusTracker) {
		if d > 0 {
			t.pongTimeout = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) TrackerOption {
	return func(t *StatusTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// StatusTracker runs the ping/pong heartbeat of one link.
//
// In Unsure a ping goes out whenever the current interval has elapsed and
// the interval doubles each time; once it exceeds the maximum the link is
// Down. A pong answering the latest ping makes the link Up, where pings go
// out at the maximum interval and a missing pong for longer than the pong
// timeout takes the link Down. Down sends nothing; any received message
// moves it back to Unsure.
type StatusTracker struct {
	ping PingFunc
	now  func() time.Time

	min, max    time.Duration
	pongTimeout time.Duration

	mu        sync.Mutex
	state     State
	interval  time.Duration
	lastPing  time.Time
	lastPong  time.Time
	freshness uint64
	changed   chan struct{} // closed and replaced on every state change
}

// NewStatusTracker creates a tracker in state Unsure
func NewStatusTracker(ping PingFunc, opts ...TrackerOption) *StatusTracker {
	t := &StatusTracker{
		ping:        ping,
		now:         time.Now,
		min:         DefaultPingIntervalMin,
		max:         DefaultPingIntervalMax,
		pongTimeout: DefaultPongTimeout,
		state:       StateUnsure,
		freshness:   rand.Uint64(),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.max < t.min {
		t.max = t.min
	}
	t.interval = t.min
	return t
}

// State returns the current link state
func (t *StatusTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PingInterval returns the current ping interval
func (t *StatusTracker) PingInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// PongReceived accepts a pong. Pongs not answering the latest ping are
// ignored.
func (t *StatusTracker) PongReceived(freshness uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if freshness != t.freshness {
		return
	}
	if t.state == StateUnsure {
		t.setStateLocked(StateUp)
	}
	if t.state == StateUp {
		t.lastPong = t.now()
	}
}

// RunCyclic sends a ping when one is due and applies the resulting state
// transition. The ping is sent after the tracker lock is released.
func (t *StatusTracker) RunCyclic(ctx context.Context) {
	t.mu.Lock()
	now := t.now()
	due := t.state != StateDown && now.After(t.lastPing.Add(t.interval))
	var freshness uint64
	if due {
		t.lastPing = now
		t.freshness++
		freshness = t.freshness

		switch t.state {
		case StateUnsure:
			t.interval *= 2
			if t.interval > t.max {
				t.setStateLocked(StateDown)
			}
		case StateUp:
			if now.After(t.lastPong.Add(t.pongTimeout)) {
				t.setStateLocked(StateDown)
			}
		}
	}
	t.mu.Unlock()

	if due && t.ping != nil {
		t.ping(ctx, freshness)
	}
}

// MessageReceivedInDown moves a Down link to Unsure
func (t *StatusTracker) MessageReceivedInDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDown {
		t.setStateLocked(StateUnsure)
	}
}

// SendingTimeout moves the link to Unsure
func (t *StatusTracker) SendingTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStateLocked(StateUnsure)
}

// WaitForEvent blocks until the state changes, the current ping interval
// elapses or ctx is done. Only the latter returns an error.
func (t *StatusTracker) WaitForEvent(ctx context.Context) error {
	t.mu.Lock()
	changed, interval := t.changed, t.interval
	t.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timer.C:
	}
	return nil
}

func (t *StatusTracker) setStateLocked(s State) {
	switch s {
	case StateUnsure:
		t.interval = t.min
		t.lastPing = time.Time{}
	case StateUp:
		t.interval = t.max
	}
	t.state = s

	close(t.changed)
	t.changed = make(chan struct{})
}
