package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/services/monitoring/metrics"
)

var (
	// ErrLimiterClosed is returned to waiters that were pending when Destroy ran
	// and to any Acquire issued afterwards.
	ErrLimiterClosed = errors.New("rate limiter destroyed")
	// ErrLimiterReset is returned to waiters dropped by Reset.
	ErrLimiterReset = errors.New("rate limiter reset")
	// ErrAcquireTimeout wraps the context error of a waiter that gave up.
	ErrAcquireTimeout = errors.New("rate limiter wait timed out")
)

// Limiter is what the orchestrator needs from an admission controller.
type Limiter interface {
	Acquire(ctx context.Context) error
	Status() Status
}

// Status is a point-in-time view of the bucket.
type Status struct {
	Available     int           `json:"available"`
	MaxTokens     int           `json:"max_tokens"`
	QueueLength   int           `json:"queue_length"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

type waiter struct {
	ready    chan error
	queuedAt time.Time
}

// TokenBucket admits requests at maxRequests per window. Callers that find
// the bucket empty wait in FIFO order until a refill tick grants them a token.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	waiters    *list.List
	closed     bool

	tick   time.Duration
	now    func() time.Time
	log    *zap.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customises a TokenBucket.
type Option func(*TokenBucket)

// WithTickInterval overrides the refill tick (1s by default).
func WithTickInterval(d time.Duration) Option {
	return func(b *TokenBucket) {
		if d > 0 {
			b.tick = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *TokenBucket) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a full bucket of maxRequests tokens that refills one token every
// window/maxRequests and starts the refill ticker.
func New(maxRequests int, window time.Duration, opts ...Option) *TokenBucket {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	b := &TokenBucket{
		tokens:     float64(maxRequests),
		maxTokens:  maxRequests,
		refillRate: window / time.Duration(maxRequests),
		waiters:    list.New(),
		tick:       time.Second,
		now:        time.Now,
		log:        zap.NewNop(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if b.refillRate <= 0 {
		b.refillRate = time.Nanosecond
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()

	go b.run()
	return b
}

// RefillRate is the time it takes to earn one token.
func (b *TokenBucket) RefillRate() time.Duration {
	return b.refillRate
}

// Acquire blocks until a token has been consumed on behalf of the caller.
// A waiter whose context ends is removed from the queue without consuming a token.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	start := b.now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrLimiterClosed
	}
	b.refillLocked()
	if b.waiters.Len() == 0 && b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		metrics.RecordRateLimitWait(0)
		return nil
	}
	w := &waiter{ready: make(chan error, 1), queuedAt: start}
	elem := b.waiters.PushBack(w)
	queued := b.waiters.Len()
	b.mu.Unlock()

	metrics.SetRateLimitQueue(queued)
	b.log.Debug("Rate limit reached, queueing request",
		zap.Int("queue_length", queued),
		zap.Duration("estimated_wait", time.Duration(queued)*b.refillRate))

	select {
	case err := <-w.ready:
		if err == nil {
			metrics.RecordRateLimitWait(b.now().Sub(start))
		}
		return err
	case <-ctx.Done():
		b.mu.Lock()
		// The tick may have granted us between ctx firing and taking the lock.
		select {
		case err := <-w.ready:
			b.mu.Unlock()
			return err
		default:
		}
		b.waiters.Remove(elem)
		queued = b.waiters.Len()
		b.mu.Unlock()
		metrics.SetRateLimitQueue(queued)
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

// Status reports whole tokens, capacity and the queue.
func (b *TokenBucket) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := b.waiters.Len()
	return Status{
		Available:     int(math.Floor(b.tokens)),
		MaxTokens:     b.maxTokens,
		QueueLength:   queued,
		EstimatedWait: time.Duration(queued) * b.refillRate,
	}
}

// Reset refills the bucket and drops every waiter with ErrLimiterReset.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = float64(b.maxTokens)
	b.lastRefill = b.now()
	b.failAllLocked(ErrLimiterReset)
	metrics.SetRateLimitQueue(0)
}

// Destroy stops the ticker. Pending waiters are dropped, never granted.
func (b *TokenBucket) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dropped := b.waiters.Len()
	b.failAllLocked(ErrLimiterClosed)
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
	metrics.SetRateLimitQueue(0)
	if dropped > 0 {
		b.log.Warn("Rate limiter destroyed with pending waiters", zap.Int("dropped", dropped))
	}
}

func (b *TokenBucket) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.onTick()
		case <-b.stopCh:
			return
		}
	}
}

func (b *TokenBucket) onTick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.refillLocked()

	granted := 0
	for b.tokens >= 1 && b.waiters.Len() > 0 {
		front := b.waiters.Front()
		b.waiters.Remove(front)
		b.tokens--
		front.Value.(*waiter).ready <- nil
		granted++
	}
	if granted > 0 {
		metrics.SetRateLimitQueue(b.waiters.Len())
		b.log.Debug("Granted queued requests",
			zap.Int("granted", granted),
			zap.Int("still_queued", b.waiters.Len()))
	}
}

// refillLocked adds whole tokens earned since lastRefill, keeping the
// fractional remainder of the interval for the next refill.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.refillRate {
		return
	}
	earned := int64(elapsed / b.refillRate)
	b.tokens += float64(earned)
	if b.tokens >= float64(b.maxTokens) {
		b.tokens = float64(b.maxTokens)
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(earned) * b.refillRate)
}

func (b *TokenBucket) failAllLocked(err error) {
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).ready <- err
	}
	b.waiters.Init()
}
