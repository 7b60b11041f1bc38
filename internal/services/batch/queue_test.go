package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func double(_ context.Context, n int) (int, error) {
	return n * 2, nil
}

// gatedProcessor blocks every call until release is closed.
type gatedProcessor struct {
	started chan int
	release chan struct{}
	calls   atomic.Int32
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{
		started: make(chan int, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedProcessor) process(ctx context.Context, n int) (int, error) {
	g.calls.Add(1)
	g.started <- n
	select {
	case <-g.release:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestQueue_Defaults(t *testing.T) {
	q := New[int, int](double, Config{}, nil)
	defer q.Close()

	assert.Equal(t, DefaultBatchSize, q.cfg.BatchSize)
	assert.Equal(t, DefaultDelay, q.cfg.Delay)

	q = New[int, int](double, Config{Delay: -1}, nil)
	defer q.Close()
	assert.Equal(t, time.Duration(0), q.cfg.Delay)
}

func TestQueue_Add(t *testing.T) {
	q := New[int, int](double, Config{BatchSize: 3}, zap.NewNop())
	defer q.Close()

	v, err := q.Add(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestQueue_WavesRespectBatchSizeAndDelay(t *testing.T) {
	const (
		items     = 7
		batchSize = 3
		delay     = 40 * time.Millisecond
	)

	var (
		mu          sync.Mutex
		active      int
		maxActive   int
		processedAt []time.Time
	)
	process := func(_ context.Context, n int) (int, error) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		processedAt = append(processedAt, time.Now())
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return n + 1, nil
	}

	q := New[int, int](process, Config{BatchSize: batchSize, Delay: delay}, zap.NewNop())
	defer q.Close()

	input := make([]int, items)
	for i := range input {
		input[i] = i
	}

	start := time.Now()
	results := q.AddBatch(context.Background(), input)
	elapsed := time.Since(start)

	require.Len(t, results, items)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i+1, r.Value, "results keep input order")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxActive, batchSize)
	assert.Len(t, processedAt, items)
	// ceil(7/3) = 3 waves need at least two pauses.
	assert.GreaterOrEqual(t, elapsed, 2*delay)
}

func TestQueue_FailureIsolation(t *testing.T) {
	errBoom := errors.New("boom")
	process := func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, errBoom
		}
		if n == 3 {
			panic("bad item")
		}
		return n, nil
	}

	q := New[int, int](process, Config{BatchSize: 5}, zap.NewNop())
	defer q.Close()

	results := q.AddBatch(context.Background(), []int{0, 1, 2, 3, 4})
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, errBoom)
	assert.ErrorContains(t, results[3].Err, "panicked")
	assert.NoError(t, results[4].Err)
	assert.Equal(t, 4, results[4].Value)
}

func TestQueue_ClearCancelsOnlyQueuedItems(t *testing.T) {
	g := newGatedProcessor()
	q := New[int, int](g.process, Config{BatchSize: 1}, zap.NewNop())
	defer q.Close()

	ctx := context.Background()
	first := q.Enqueue(ctx, 1)
	second := q.Enqueue(ctx, 2)
	third := q.Enqueue(ctx, 3)

	select {
	case n := <-g.started:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("first item never dispatched")
	}

	status := q.Status()
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.InFlight)
	assert.True(t, status.Processing)

	assert.Equal(t, 2, q.Clear())

	r := <-second
	assert.ErrorIs(t, r.Err, ErrCancelled)
	r = <-third
	assert.ErrorIs(t, r.Err, ErrCancelled)

	close(g.release)
	r = <-first
	require.NoError(t, r.Err)
	assert.Equal(t, 1, r.Value)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestQueue_SettlesExactlyOnce(t *testing.T) {
	q := New[int, int](double, Config{BatchSize: 2}, zap.NewNop())
	defer q.Close()

	ch := q.Enqueue(context.Background(), 5)
	r := <-ch
	require.NoError(t, r.Err)
	assert.Equal(t, 10, r.Value)

	// A late Clear must not produce a second result.
	q.Clear()
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second result: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQueue_CancelledContextSkipsProcessor(t *testing.T) {
	var calls atomic.Int32
	process := func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	}
	q := New[int, int](process, Config{}, zap.NewNop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := <-q.Enqueue(ctx, 1)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestQueue_AddReturnsWhenCallerGivesUp(t *testing.T) {
	g := newGatedProcessor()
	q := New[int, int](g.process, Config{BatchSize: 1}, zap.NewNop())
	defer func() {
		close(g.release)
		q.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Add(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	g := newGatedProcessor()
	q := New[int, int](g.process, Config{BatchSize: 1}, zap.NewNop())

	ctx := context.Background()
	first := q.Enqueue(ctx, 1)
	<-g.started
	queued := q.Enqueue(ctx, 2)

	q.Close()
	q.Close()

	assert.ErrorIs(t, (<-queued).Err, ErrCancelled)
	assert.ErrorIs(t, (<-q.Enqueue(ctx, 3)).Err, ErrClosed)

	close(g.release)
	assert.NoError(t, (<-first).Err)
}

func TestQueue_StatusOldestAge(t *testing.T) {
	g := newGatedProcessor()
	q := New[int, int](g.process, Config{BatchSize: 1}, zap.NewNop())
	defer func() {
		close(g.release)
		q.Close()
	}()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	q.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	ctx := context.Background()
	q.Enqueue(ctx, 1)
	<-g.started
	q.Enqueue(ctx, 2)

	offset.Store(int64(3 * time.Second))
	s := q.Status()
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 3*time.Second, s.OldestAge)
}
