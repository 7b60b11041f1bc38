package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/services/monitoring/metrics"
)

var (
	ErrCancelled = errors.New("batch item cancelled")
	ErrClosed    = errors.New("batch queue closed")
)

const (
	DefaultBatchSize = 5
	DefaultDelay     = time.Second
)

// ProcessFunc handles a single item. It is called with the item's own context.
type ProcessFunc[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the settled outcome of one item.
type Result[R any] struct {
	Value R
	Err   error
}

// Config tunes the queue. A zero Delay means DefaultDelay; a negative Delay
// disables the pause between waves.
type Config struct {
	BatchSize int           `mapstructure:"batch_size"`
	Delay     time.Duration `mapstructure:"delay"`
}

type Status struct {
	Pending    int           `json:"pending"`
	Processing bool          `json:"processing"`
	InFlight   int           `json:"in_flight"`
	OldestAge  time.Duration `json:"oldest_age"`
}

type entry[T, R any] struct {
	ctx      context.Context
	item     T
	enqueued time.Time
	done     chan Result[R]
}

func (e *entry[T, R]) settle(r Result[R]) {
	e.done <- r
}

// Queue runs items through a ProcessFunc in waves of at most BatchSize,
// pausing Delay between waves while work remains.
type Queue[T, R any] struct {
	process ProcessFunc[T, R]
	cfg     Config
	log     *zap.Logger

	mu         sync.Mutex
	pending    []*entry[T, R]
	inFlight   int
	processing bool
	closed     bool
	stopCh     chan struct{}
	now        func() time.Time
}

func New[T, R any](process ProcessFunc[T, R], cfg Config, log *zap.Logger) *Queue[T, R] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch {
	case cfg.Delay == 0:
		cfg.Delay = DefaultDelay
	case cfg.Delay < 0:
		cfg.Delay = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue[T, R]{
		process: process,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Enqueue adds item and returns a channel that receives exactly one Result.
func (q *Queue[T, R]) Enqueue(ctx context.Context, item T) <-chan Result[R] {
	e := &entry[T, R]{
		ctx:  ctx,
		item: item,
		done: make(chan Result[R], 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		e.settle(Result[R]{Err: ErrClosed})
		return e.done
	}
	e.enqueued = q.now()
	q.pending = append(q.pending, e)
	metrics.SetBatchPending(len(q.pending))
	if !q.processing {
		q.processing = true
		go q.pump()
	}
	q.mu.Unlock()

	return e.done
}

// Add enqueues item and waits for its result or for ctx to end. An item
// abandoned this way is skipped when its wave starts.
func (q *Queue[T, R]) Add(ctx context.Context, item T) (R, error) {
	select {
	case r := <-q.Enqueue(ctx, item):
		return r.Value, r.Err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// AddBatch enqueues every item and returns their results in input order.
// One failure does not affect the others.
func (q *Queue[T, R]) AddBatch(ctx context.Context, items []T) []Result[R] {
	chans := make([]<-chan Result[R], len(items))
	for i, item := range items {
		chans[i] = q.Enqueue(ctx, item)
	}

	results := make([]Result[R], len(items))
	for i, ch := range chans {
		select {
		case results[i] = <-ch:
		case <-ctx.Done():
			results[i] = Result[R]{Err: ctx.Err()}
		}
	}
	return results
}

func (q *Queue[T, R]) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{
		Pending:    len(q.pending),
		Processing: q.processing,
		InFlight:   q.inFlight,
	}
	if len(q.pending) > 0 {
		s.OldestAge = q.now().Sub(q.pending[0].enqueued)
	}
	return s
}

// Clear fails every queued item with ErrCancelled. Items already dispatched
// to the processor run to completion.
func (q *Queue[T, R]) Clear() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	metrics.SetBatchPending(0)
	q.mu.Unlock()

	for _, e := range dropped {
		e.settle(Result[R]{Err: ErrCancelled})
	}
	if len(dropped) > 0 {
		q.log.Info("Cleared batch queue", zap.Int("dropped", len(dropped)))
	}
	return len(dropped)
}

// Close clears the queue and rejects later enqueues with ErrClosed.
func (q *Queue[T, R]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stopCh)
	q.mu.Unlock()

	q.Clear()
}

func (q *Queue[T, R]) pump() {
	for {
		wave := q.nextWave()
		if wave == nil {
			return
		}

		q.runWave(wave)

		if !q.hasPending() {
			continue
		}
		if q.cfg.Delay > 0 {
			timer := time.NewTimer(q.cfg.Delay)
			select {
			case <-timer.C:
			case <-q.stopCh:
				timer.Stop()
			}
		}
	}
}

// nextWave takes up to BatchSize items off the queue. A nil wave means the
// queue drained and the pump has stopped.
func (q *Queue[T, R]) nextWave() []*entry[T, R] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		q.processing = false
		return nil
	}

	n := min(q.cfg.BatchSize, len(q.pending))
	wave := make([]*entry[T, R], n)
	copy(wave, q.pending[:n])
	q.pending = q.pending[n:]
	q.inFlight += n
	metrics.SetBatchPending(len(q.pending))
	return wave
}

func (q *Queue[T, R]) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

func (q *Queue[T, R]) runWave(wave []*entry[T, R]) {
	metrics.RecordBatchWave()
	q.log.Debug("Processing batch wave", zap.Int("size", len(wave)))

	var wg sync.WaitGroup
	for _, e := range wave {
		wg.Add(1)
		go func(e *entry[T, R]) {
			defer wg.Done()
			e.settle(q.run(e))
		}(e)
	}
	wg.Wait()

	q.mu.Lock()
	q.inFlight -= len(wave)
	q.mu.Unlock()
}

func (q *Queue[T, R]) run(e *entry[T, R]) (res Result[R]) {
	if err := e.ctx.Err(); err != nil {
		return Result[R]{Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Batch item panicked", zap.Any("panic", r))
			res = Result[R]{Err: fmt.Errorf("batch item panicked: %v", r)}
		}
	}()

	v, err := q.process(e.ctx, e.item)
	if err != nil {
		return Result[R]{Err: err}
	}
	return Result[R]{Value: v}
}
