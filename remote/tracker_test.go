package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pingLog struct {
	mu   sync.Mutex
	sent []uint64
}

func (p *pingLog) ping(_ context.Context, f uint64) {
	p.mu.Lock()
	p.sent = append(p.sent, f)
	p.mu.Unlock()
}

func (p *pingLog) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *pingLog) last() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func newTestTracker(clock *fakeClock, pings *pingLog) *StatusTracker {
	return NewStatusTracker(pings.ping,
		WithPingIntervals(100*time.Millisecond, 400*time.Millisecond),
		WithPongTimeout(time.Second),
		WithClock(clock.Now),
	)
}

func TestStatusTracker_UnsureDecaysToDown(t *testing.T) {
	ctx := context.Background()
	clock, pings := newFakeClock(), &pingLog{}
	tr := newTestTracker(clock, pings)

	assert.Equal(t, StateUnsure, tr.State())
	assert.Equal(t, 100*time.Millisecond, tr.PingInterval())

	tr.RunCyclic(ctx)
	assert.Equal(t, 1, pings.count())
	assert.Equal(t, 200*time.Millisecond, tr.PingInterval())

	clock.Advance(150 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, 1, pings.count(), "interval not yet elapsed")

	clock.Advance(51 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, 2, pings.count())
	assert.Equal(t, StateUnsure, tr.State())
	assert.Equal(t, 400*time.Millisecond, tr.PingInterval())

	clock.Advance(401 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, 3, pings.count())
	assert.Equal(t, StateDown, tr.State())

	clock.Advance(time.Minute)
	tr.RunCyclic(ctx)
	assert.Equal(t, 3, pings.count(), "no pings while down")

	tr.MessageReceivedInDown()
	assert.Equal(t, StateUnsure, tr.State())
	assert.Equal(t, 100*time.Millisecond, tr.PingInterval())
	tr.RunCyclic(ctx)
	assert.Equal(t, 4, pings.count(), "unsure pings right away")
}

func TestStatusTracker_PongMakesUp(t *testing.T) {
	ctx := context.Background()
	clock, pings := newFakeClock(), &pingLog{}
	tr := newTestTracker(clock, pings)

	tr.RunCyclic(ctx)
	f := pings.last()

	tr.PongReceived(f - 1)
	assert.Equal(t, StateUnsure, tr.State(), "stale pong is ignored")

	tr.PongReceived(f)
	assert.Equal(t, StateUp, tr.State())
	assert.Equal(t, 400*time.Millisecond, tr.PingInterval())

	tr.MessageReceivedInDown()
	assert.Equal(t, StateUp, tr.State())
}

func TestStatusTracker_PongTimeout(t *testing.T) {
	ctx := context.Background()
	clock, pings := newFakeClock(), &pingLog{}
	tr := newTestTracker(clock, pings)

	tr.RunCyclic(ctx)
	tr.PongReceived(pings.last())
	require.Equal(t, StateUp, tr.State())

	clock.Advance(401 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, 2, pings.count())
	assert.Equal(t, StateUp, tr.State())

	clock.Advance(401 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, StateUp, tr.State())

	clock.Advance(401 * time.Millisecond)
	tr.RunCyclic(ctx)
	assert.Equal(t, StateDown, tr.State())
}

func TestStatusTracker_PongKeepsUp(t *testing.T) {
	ctx := context.Background()
	clock, pings := newFakeClock(), &pingLog{}
	tr := newTestTracker(clock, pings)

	tr.RunCyclic(ctx)
	tr.PongReceived(pings.last())

	for range 10 {
		clock.Advance(401 * time.Millisecond)
		tr.RunCyclic(ctx)
		tr.PongReceived(pings.last())
	}
	assert.Equal(t, StateUp, tr.State())
	assert.Equal(t, 11, pings.count())
}

func TestStatusTracker_SendingTimeout(t *testing.T) {
	ctx := context.Background()
	clock, pings := newFakeClock(), &pingLog{}
	tr := newTestTracker(clock, pings)

	tr.RunCyclic(ctx)
	tr.PongReceived(pings.last())
	require.Equal(t, StateUp, tr.State())

	tr.SendingTimeout()
	assert.Equal(t, StateUnsure, tr.State())
	assert.Equal(t, 100*time.Millisecond, tr.PingInterval())

	tr.RunCyclic(ctx)
	assert.Equal(t, 2, pings.count(), "entering unsure resets the last ping")
}

func TestStatusTracker_WaitForEvent(t *testing.T) {
	tr := NewStatusTracker(nil, WithPingIntervals(time.Hour, time.Hour))

	woke := make(chan error, 1)
	go func() {
		woke <- tr.WaitForEvent(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	tr.SendingTimeout()

	select {
	case err := <-woke:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("state change did not wake the waiter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.WaitForEvent(ctx), context.Canceled)

	short := NewStatusTracker(nil, WithPingIntervals(5*time.Millisecond, 5*time.Millisecond))
	assert.NoError(t, short.WaitForEvent(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "DOWN", StateDown.String())
	assert.Equal(t, "UNSURE", StateUnsure.String())
	assert.Equal(t, "UP", StateUp.String())
	assert.Equal(t, "UnknownRemoteState", State(9).String())
}
