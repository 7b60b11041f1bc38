package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// countingStore records how often the durable tier is scanned.
type countingStore struct {
	*MemoryStore
	mu       sync.Mutex
	iterates int
}

func (s *countingStore) Iterate(ctx context.Context, visit func(string, []byte) bool) error {
	s.mu.Lock()
	s.iterates++
	s.mu.Unlock()
	return s.MemoryStore.Iterate(ctx, visit)
}

func (s *countingStore) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterates
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (failingStore) Set(context.Context, string, []byte) error          { return errStoreDown }
func (failingStore) Remove(context.Context, string) error               { return errStoreDown }
func (failingStore) Iterate(context.Context, func(string, []byte) bool) error {
	return errStoreDown
}
func (failingStore) Clear(context.Context) error { return errStoreDown }

func newTestCache(t *testing.T, store Store, cfg Config, clock *fakeClock) *SemanticCache {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	c, err := NewSemanticCache(store, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

const (
	dragonPrompt    = "A majestic dragon flying over snowy mountains at sunset, golden clouds"
	dragonPainting  = "A majestic dragon flying over snowy mountains at sunset, golden clouds, painting"
	unrelatedPrompt = "Quiet library interior, wooden shelves, reading lamp"
)

func TestSemanticCache_ExactMatch(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(t, NewMemoryStore(), Config{TTL: time.Hour}, clock)

	require.NoError(t, c.Set(ctx, "Draw a RED dragon!", "result-1", models.KindText))

	t.Run("normalised prompt hits", func(t *testing.T) {
		v, ok, err := c.Get(ctx, "draw   a red dragon", models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "result-1", v)
	})

	t.Run("kinds do not mix", func(t *testing.T) {
		_, ok, err := c.Get(ctx, "Draw a RED dragon!", models.KindImage, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expires after ttl", func(t *testing.T) {
		clock.Advance(time.Hour)
		_, ok, err := c.Get(ctx, "Draw a RED dragon!", models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired entry is purged", func(t *testing.T) {
		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.TextEntries)
		assert.Equal(t, 0, stats.MemoryEntries)
	})
}

func TestSemanticCache_SimilarMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("high keyword overlap hits", func(t *testing.T) {
		c := newTestCache(t, NewMemoryStore(), Config{}, nil)
		require.NoError(t, c.Set(ctx, dragonPrompt, "dragon.png", models.KindImage))

		// 9 shared keywords out of 10 distinct.
		v, ok, err := c.Get(ctx, dragonPainting, models.KindImage, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "dragon.png", v)
	})

	t.Run("no shared keywords never hits", func(t *testing.T) {
		c := newTestCache(t, NewMemoryStore(), Config{}, nil)
		require.NoError(t, c.Set(ctx, dragonPrompt, "dragon.png", models.KindImage))

		_, ok, err := c.Get(ctx, unrelatedPrompt, models.KindImage, 0.01)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("below threshold misses", func(t *testing.T) {
		c := newTestCache(t, NewMemoryStore(), Config{}, nil)
		require.NoError(t, c.Set(ctx, "castle ruins moonlight fog", "castle", models.KindImage))

		// 2 shared keywords out of 8 distinct.
		_, ok, err := c.Get(ctx, "castle ruins bright noon market crowd", models.KindImage, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty fingerprint never matches", func(t *testing.T) {
		c := newTestCache(t, NewMemoryStore(), Config{}, nil)
		require.NoError(t, c.Set(ctx, "it is an ox", "ox", models.KindText))

		_, ok, err := c.Get(ctx, "it is so", models.KindText, 0.01)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSemanticCache_ExhaustiveScan(t *testing.T) {
	ctx := context.Background()

	t.Run("weak memory match falls back to a better durable match", func(t *testing.T) {
		store := &countingStore{MemoryStore: NewMemoryStore()}
		c := newTestCache(t, store, Config{MaxMemoryEntries: 1}, nil)

		// Same keywords as the query, different exact key because of stop words.
		require.NoError(t, c.Set(ctx, "the knight rides through dark forest", "best", models.KindText))
		// Evicts the first entry from memory; scores 0.5 against the query.
		require.NoError(t, c.Set(ctx, "knight rides dark castle", "weak", models.KindText))

		v, ok, err := c.Get(ctx, "knight rides through dark forest", models.KindText, 0.5)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "best", v)
		assert.Equal(t, 1, store.Iterations())
	})

	t.Run("near duplicate in memory skips the durable scan", func(t *testing.T) {
		store := &countingStore{MemoryStore: NewMemoryStore()}
		c := newTestCache(t, store, Config{}, nil)

		require.NoError(t, c.Set(ctx, "the knight rides through dark forest", "memory", models.KindText))

		v, ok, err := c.Get(ctx, "knight rides through dark forest", models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "memory", v)
		assert.Equal(t, 0, store.Iterations())
	})
}

func TestSemanticCache_Scopes(t *testing.T) {
	ctx := context.Background()

	for name, store := range map[string]Store{"memory only": nil, "durable": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, store, Config{}, nil)

			require.NoError(t, c.SetScoped(ctx, "standard", dragonPrompt, "standard.png", models.KindImage))
			require.NoError(t, c.SetScoped(ctx, "preview", dragonPainting, "preview.png", models.KindImage))

			// Exact match on another scope is not a hit.
			_, ok, err := c.GetScoped(ctx, "high", dragonPrompt, models.KindImage, DefaultSimilarityThreshold)
			require.NoError(t, err)
			assert.False(t, ok)

			// The standard entry is an exact match but lives in another scope,
			// so the similar preview entry wins.
			v, ok, err := c.GetScoped(ctx, "preview", dragonPrompt, models.KindImage, DefaultSimilarityThreshold)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "preview.png", v)

			// Unscoped lookups never see scoped entries.
			_, ok, err = c.Get(ctx, dragonPrompt, models.KindImage, DefaultSimilarityThreshold)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSemanticCache_Eviction(t *testing.T) {
	ctx := context.Background()
	prompts := []string{
		"alpha castle ruins",
		"bravo ocean waves",
		"charlie forest path",
		"delta desert storm",
	}

	t.Run("overflow evicts least recently accessed", func(t *testing.T) {
		c := newTestCache(t, nil, Config{MaxMemoryEntries: 3}, nil)
		for _, p := range prompts[:3] {
			require.NoError(t, c.Set(ctx, p, p, models.KindText))
		}

		// Touch the oldest entry so the second one becomes the eviction victim.
		_, ok, err := c.Get(ctx, prompts[0], models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, c.Set(ctx, prompts[3], prompts[3], models.KindText))

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.MemoryEntries)

		for i, p := range prompts {
			_, ok, err := c.Get(ctx, p, models.KindText, DefaultSimilarityThreshold)
			require.NoError(t, err)
			assert.Equal(t, i != 1, ok, "prompt %q", p)
		}
	})

	t.Run("evicted entry is promoted back from the durable tier", func(t *testing.T) {
		store := NewMemoryStore()
		c := newTestCache(t, store, Config{MaxMemoryEntries: 1}, nil)
		require.NoError(t, c.Set(ctx, prompts[0], "first", models.KindText))
		require.NoError(t, c.Set(ctx, prompts[1], "second", models.KindText))

		v, ok, err := c.Get(ctx, prompts[0], models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "first", v)
		assert.Equal(t, 2, store.Len())

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.MemoryEntries)
	})
}

func TestSemanticCache_StoreFailures(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, failingStore{}, Config{}, nil)

	t.Run("set reports the durable failure", func(t *testing.T) {
		err := c.Set(ctx, dragonPrompt, "dragon", models.KindText)
		assert.ErrorIs(t, err, errStoreDown)
	})

	t.Run("memory tier still serves", func(t *testing.T) {
		v, ok, err := c.Get(ctx, dragonPrompt, models.KindText, DefaultSimilarityThreshold)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "dragon", v)
	})

	t.Run("miss is distinguishable from failure", func(t *testing.T) {
		_, ok, err := c.Get(ctx, unrelatedPrompt, models.KindText, DefaultSimilarityThreshold)
		assert.False(t, ok)
		assert.ErrorIs(t, err, errStoreDown)
	})
}

func TestSemanticCache_CleanupAndStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	c := newTestCache(t, store, Config{TTL: time.Hour}, clock)

	require.NoError(t, c.Set(ctx, "old text prompt here", "old", models.KindText))
	clock.Advance(30 * time.Minute)
	require.NoError(t, c.Set(ctx, "fresh image prompt here", "fresh", models.KindImage))
	require.NoError(t, c.Set(ctx, "fresh text prompt here", "fresh", models.KindText))

	_, ok, err := c.Get(ctx, "fresh image prompt here", models.KindImage, DefaultSimilarityThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = c.Get(ctx, "completely different words", models.KindImage, DefaultSimilarityThreshold)
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TextEntries)
	assert.Equal(t, 1, stats.ImageEntries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Greater(t, stats.EstimatedBytes, int64(0))

	clock.Advance(45 * time.Minute)
	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, store.Len())

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, store.Len())
}

func TestSemanticCache_InvalidKind(t *testing.T) {
	c := newTestCache(t, nil, Config{}, nil)
	_, _, err := c.Get(context.Background(), "x", models.Kind("audio"), 0)
	assert.ErrorIs(t, err, ErrInvalidKind)
	assert.ErrorIs(t, c.Set(context.Background(), "x", "y", models.Kind("audio")), ErrInvalidKind)
}
