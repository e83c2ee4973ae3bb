package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	v, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", v)
	assert.Equal(t, 3, buf.Size(), "peek must not consume")

	v, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", v)

	assert.Equal(t, []string{"second", "third"}, buf.ReadBatch(5))
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.ReadBatch(1))
	assert.Nil(t, buf.ReadBatch(0))

	_, ok = buf.Read()
	assert.False(t, ok)
	_, ok = buf.Peek()
	assert.False(t, ok)
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
		dropped  []int
	}{
		{"drop oldest", DropOldest, []int{3, 4, 5}, []int{1, 2}},
		{"drop newest", DropNewest, []int{1, 2, 3}, []int{4, 5}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var mu sync.Mutex
			var dropped []int
			buf, err := NewCircularBuffer[int](3,
				WithOverflowPolicy[int](test.policy),
				WithDropCallback[int](func(item int) {
					mu.Lock()
					dropped = append(dropped, item)
					mu.Unlock()
				}),
			)
			require.NoError(t, err)

			for i := 1; i <= 5; i++ {
				require.NoError(t, buf.Write(i))
			}

			assert.Equal(t, test.expected, buf.ReadBatch(10))
			assert.Equal(t, test.dropped, dropped)
			assert.Equal(t, int64(2), buf.Stats().Drops())
			assert.Equal(t, int64(3), buf.Stats().MaxSize())
		})
	}
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(7).String())
}

func TestCircularBufferClear(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer[string](4, WithDropCallback[string](func(s string) {
		dropped = append(dropped, s)
	}))
	require.NoError(t, err)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []string{"a", "b"}, dropped)

	// ring indices are reset and keep working after a clear
	require.NoError(t, buf.Write("c"))
	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestCircularBufferWait(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, buf.Wait(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Write(7)
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, buf.Wait(ctx2))

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	// an already non-empty buffer returns immediately
	require.NoError(t, buf.Write(8))
	require.NoError(t, buf.Wait(context.Background()))
}

func TestCircularBufferClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- buf.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}

	err = buf.Write(1)
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
	assert.True(t, errors.IsInvalid(err))
}

func TestCircularBufferThreadSafety(t *testing.T) {
	buf, err := NewCircularBuffer[int](100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = buf.Write(i)
			}
		}()
	}

	var readMu sync.Mutex
	read := 0
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				n := len(buf.ReadBatch(3))
				readMu.Lock()
				read += n
				readMu.Unlock()
			}
		}()
	}
	wg.Wait()

	stats := buf.Stats()
	assert.Equal(t, int64(2000), stats.Writes())
	assert.Equal(t, int64(read), stats.Reads())
	assert.Equal(t, int(stats.Writes()-stats.Reads()-stats.Drops()), buf.Size())
}

func TestCircularBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCircularBuffer[int](1, WithMetrics[int](registry, "pong_queue"))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	_, _ = buf.Read()

	r := buf.(*ring[int])
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.drops))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.size))

	_, err = NewCircularBuffer[int](1, WithMetrics[int](registry, "pong_queue"))
	assert.Error(t, err, "second buffer with the same metrics prefix")
}

func TestStatistics_DropRate(t *testing.T) {
	s := NewStatistics()
	assert.Equal(t, 0.0, s.DropRate())
	s.attempt()
	s.write(1)
	s.attempt()
	s.drop()
	assert.InDelta(t, 0.5, s.DropRate(), 1e-9)
	assert.Greater(t, s.Uptime(), time.Duration(0))
}
