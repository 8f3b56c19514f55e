package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/metric"
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

	value, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 3, buf.Size())

	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", value)

	assert.Equal(t, []string{"second", "third"}, buf.ReadBatch(5))
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.ReadBatch(1))
}

func TestCircularBufferOverflowPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
	}{
		{name: "DropOldest", policy: DropOldest, expected: []int{3, 4, 5}},
		{name: "DropNewest", policy: DropNewest, expected: []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []int
			buf, err := NewCircularBuffer[int](3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
			)
			require.NoError(t, err)
			defer buf.Close()

			for i := 1; i <= 5; i++ {
				require.NoError(t, buf.Write(i))
			}

			assert.Equal(t, tt.expected, buf.Snapshot())
			assert.Len(t, dropped, 2)
			assert.Equal(t, int64(2), buf.Stats().Drops())
			assert.Equal(t, int64(2), buf.Stats().Overflows())
		})
	}
}

func TestCircularBufferSnapshotDoesNotConsume(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	for i := range 6 {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{2, 3, 4, 5}, buf.Snapshot())
	assert.Equal(t, 4, buf.Size())
}

func TestCircularBufferReadWithTimeout(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	start := time.Now()
	_, err = buf.ReadWithTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.True(t, errors.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), buf.Stats().Timeouts())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Write(7)
	}()
	value, err := buf.ReadWithTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestCircularBufferWriteWithTimeout(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.WriteWithTimeout(1, 10*time.Millisecond))
	err = buf.WriteWithTimeout(2, 10*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		buf.Read()
	}()
	require.NoError(t, buf.WriteWithTimeout(3, time.Second))
	assert.Equal(t, []int{3}, buf.Snapshot())
}

func TestCircularBufferCloseWakesWaiters(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := buf.ReadWithTimeout(5 * time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Close")
	}

	assert.ErrorIs(t, buf.Write(1), errors.ErrQueueClosed)
	assert.True(t, errors.IsResource(buf.Write(1)))
}

func TestCircularBufferClear(t *testing.T) {
	var dropped int
	buf, err := NewCircularBuffer[int](3, WithDropCallback[int](func(int) { dropped++ }))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 2, dropped)
	require.NoError(t, buf.Write(3))
	assert.Equal(t, []int{3}, buf.Snapshot())
}

func TestCircularBufferConcurrentProducersConsumer(t *testing.T) {
	buf, err := NewCircularBuffer[int](16, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				assert.NoError(t, buf.WriteWithTimeout(p*perProducer+i, time.Second))
			}
		}()
	}

	seen := make(map[int]bool)
	for len(seen) < producers*perProducer {
		v, err := buf.ReadWithTimeout(time.Second)
		require.NoError(t, err)
		seen[v] = true
	}
	wg.Wait()

	assert.Equal(t, int64(producers*perProducer), buf.Stats().Writes())
	assert.LessOrEqual(t, buf.Stats().MaxSize(), int64(16))
}

func TestCircularBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	a, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "link0"))
	require.NoError(t, err)
	b, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "link1"))
	require.NoError(t, err)

	for i := range 3 {
		_ = a.Write(i)
	}
	_ = b.Write(1)

	vecs, err := registryVecs(registry)
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(vecs.writes.WithLabelValues("link0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vecs.drops.WithLabelValues("link0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vecs.size.WithLabelValues("link1")))
}

func TestStatisticsReset(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)
	buf.Stats().Reset()

	summary := buf.Stats().Summary()
	assert.Zero(t, summary.Writes)
	assert.Zero(t, summary.Drops)
	assert.Equal(t, int64(2), summary.CurrentSize)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, ok := ParseOverflowPolicy("block")
	assert.True(t, ok)
	assert.Equal(t, Block, p)

	p, ok = ParseOverflowPolicy("")
	assert.True(t, ok)
	assert.Equal(t, DropOldest, p)

	_, ok = ParseOverflowPolicy("spill")
	assert.False(t, ok)
	assert.Equal(t, "DropNewest", DropNewest.String())
}
