package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/models"
	"github.com/amerfu/genmediator/internal/services/monitoring/metrics"
)

const (
	DefaultSimilarityThreshold = 0.85
	DefaultExhaustiveBelow     = 0.95
	DefaultMaxMemoryEntries    = 100
	DefaultTTL                 = 24 * time.Hour
)

// ErrInvalidKind is returned for kinds other than text and image.
var ErrInvalidKind = errors.New("invalid cache kind")

// Entry is one cached generation result.
type Entry struct {
	Key          string      `json:"key"`
	Value        string      `json:"value"`
	Kind         models.Kind `json:"kind"`
	Scope        string      `json:"scope,omitempty"`
	Keywords     []string    `json:"keywords"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	AccessCount  int64       `json:"access_count"`
}

type Config struct {
	TTL              time.Duration
	MaxMemoryEntries int
	// ExhaustiveBelow is the best in-memory score under which the whole
	// durable tier is scanned for a closer match.
	ExhaustiveBelow float64
}

// Stats summarises the cache since process start.
type Stats struct {
	TextEntries    int     `json:"text_entries"`
	ImageEntries   int     `json:"image_entries"`
	MemoryEntries  int     `json:"memory_entries"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
}

// SemanticCache is a two-tier cache of generation results keyed by
// normalised prompt, with a keyword-overlap fallback for near duplicates.
type SemanticCache struct {
	// mu guards memory-tier bookkeeping and Entry fields; store I/O runs outside it.
	mu     sync.Mutex
	memory *lru.Cache[string, *Entry]
	store  Store
	cfg    Config
	now    func() time.Time
	log    *zap.Logger

	hits   int64
	misses int64
}

type Option func(*SemanticCache)

func WithClock(now func() time.Time) Option {
	return func(c *SemanticCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewSemanticCache builds the cache. store may be nil for a memory-only cache.
func NewSemanticCache(store Store, cfg Config, log *zap.Logger, opts ...Option) (*SemanticCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if cfg.ExhaustiveBelow <= 0 {
		cfg.ExhaustiveBelow = DefaultExhaustiveBelow
	}
	if log == nil {
		log = zap.NewNop()
	}

	memory, err := lru.New[string, *Entry](cfg.MaxMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}

	c := &SemanticCache{
		memory: memory,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value for prompt, first by exact key and then by the
// most similar fingerprint scoring at least threshold. A non-nil error means
// the durable tier failed; ok is still meaningful and callers may treat the
// lookup as a miss.
func (c *SemanticCache) Get(ctx context.Context, prompt string, kind models.Kind, threshold float64) (string, bool, error) {
	return c.GetScoped(ctx, "", prompt, kind, threshold)
}

// GetScoped is Get restricted to entries stored under scope. Entries of other
// scopes are never scored, so they cannot shadow a usable match.
func (c *SemanticCache) GetScoped(ctx context.Context, scope, prompt string, kind models.Kind, threshold float64) (string, bool, error) {
	if !kind.Valid() {
		return "", false, ErrInvalidKind
	}
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	normalized := Normalize(prompt)
	if normalized == "" {
		c.recordMiss(kind)
		return "", false, nil
	}
	key := ScopedKey(scope, normalized, kind)
	now := c.now()

	if value, ok := c.getMemory(ctx, key, now); ok {
		c.recordHit(kind, "exact")
		return value, true, nil
	}

	var storeErr error
	if c.store != nil {
		entry, ok, err := c.loadDurable(ctx, key)
		switch {
		case err != nil:
			storeErr = err
			c.log.Warn("Durable cache read failed", zap.String("key", key), zap.Error(err))
		case ok && c.valid(entry, now):
			value := c.promote(entry, now)
			c.recordHit(kind, "exact")
			return value, true, nil
		case ok:
			c.purgeDurable(ctx, key)
		}
	}

	keywords := ExtractKeywords(normalized)
	if len(keywords) == 0 {
		c.recordMiss(kind)
		return "", false, storeErr
	}

	best, score := c.bestInMemory(keywords, kind, scope, threshold, now)
	if score < c.cfg.ExhaustiveBelow && c.store != nil && storeErr == nil {
		candidate, candidateScore, err := c.bestInStore(ctx, keywords, kind, scope, threshold, now)
		if err != nil {
			storeErr = err
			c.log.Warn("Durable cache scan failed", zap.Error(err))
		} else if candidate != nil && candidateScore > score {
			best, score = candidate, candidateScore
		}
	}

	if best != nil {
		value := c.promote(best, now)
		c.recordHit(kind, "similar")
		c.log.Debug("Similar prompt cache hit",
			zap.String("kind", string(kind)),
			zap.String("matched_key", best.Key),
			zap.Float64("similarity", score))
		return value, true, nil
	}

	c.recordMiss(kind)
	return "", false, storeErr
}

// Set stores value in both tiers. The memory tier is always updated; an error
// reports a durable-tier failure.
func (c *SemanticCache) Set(ctx context.Context, prompt, value string, kind models.Kind) error {
	return c.SetScoped(ctx, "", prompt, value, kind)
}

// SetScoped is Set under scope; only GetScoped with the same scope finds it.
func (c *SemanticCache) SetScoped(ctx context.Context, scope, prompt, value string, kind models.Kind) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	normalized := Normalize(prompt)
	if normalized == "" {
		return nil
	}
	now := c.now()
	entry := &Entry{
		Key:          ScopedKey(scope, normalized, kind),
		Value:        value,
		Kind:         kind,
		Scope:        scope,
		Keywords:     ExtractKeywords(normalized),
		CreatedAt:    now,
		LastAccessed: now,
	}

	c.mu.Lock()
	c.addMemoryLocked(entry)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, entry.Key, raw); err != nil {
		return fmt.Errorf("durable cache write: %w", err)
	}
	return nil
}

// Cleanup purges expired entries from both tiers and reports how many durable
// entries were removed.
func (c *SemanticCache) Cleanup(ctx context.Context) (int, error) {
	now := c.now()

	c.mu.Lock()
	for _, key := range c.memory.Keys() {
		if e, ok := c.memory.Peek(key); ok && !c.valid(e, now) {
			c.memory.Remove(key)
		}
	}
	metrics.SetCacheMemoryEntries(c.memory.Len())
	c.mu.Unlock()

	if c.store == nil {
		return 0, nil
	}

	var expired []string
	err := c.store.Iterate(ctx, func(key string, raw []byte) bool {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || !c.valid(&e, now) {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scan durable cache: %w", err)
	}

	removed := 0
	for _, key := range expired {
		if err := c.store.Remove(ctx, key); err != nil {
			return removed, fmt.Errorf("remove expired entry: %w", err)
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("Purged expired cache entries", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats counts durable entries by kind (memory entries when there is no store).
func (c *SemanticCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	stats := Stats{
		MemoryEntries: c.memory.Len(),
		Hits:          c.hits,
		Misses:        c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	var resident []*Entry
	if c.store == nil {
		resident = c.memory.Values()
		for _, e := range resident {
			c.countLocked(&stats, e)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return stats, nil
	}

	err := c.store.Iterate(ctx, func(key string, raw []byte) bool {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return true
		}
		switch e.Kind {
		case models.KindText:
			stats.TextEntries++
		case models.KindImage:
			stats.ImageEntries++
		}
		stats.EstimatedBytes += int64(len(key) + len(raw))
		return true
	})
	if err != nil {
		return stats, fmt.Errorf("scan durable cache: %w", err)
	}
	return stats, nil
}

// Clear empties both tiers. Hit counters are kept.
func (c *SemanticCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.memory.Purge()
	metrics.SetCacheMemoryEntries(0)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear durable cache: %w", err)
	}
	return nil
}

func (c *SemanticCache) valid(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) < c.cfg.TTL
}

func (c *SemanticCache) getMemory(ctx context.Context, key string, now time.Time) (string, bool) {
	c.mu.Lock()
	e, ok := c.memory.Get(key)
	if !ok {
		c.mu.Unlock()
		return "", false
	}
	if c.valid(e, now) {
		c.touchLocked(e, now)
		value := e.Value
		c.mu.Unlock()
		return value, true
	}
	c.memory.Remove(key)
	metrics.SetCacheMemoryEntries(c.memory.Len())
	c.mu.Unlock()

	c.purgeDurable(ctx, key)
	return "", false
}

func (c *SemanticCache) loadDurable(ctx context.Context, key string) (*Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Unreadable entries are treated as expired.
		c.log.Warn("Discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return &Entry{Key: key}, true, nil
	}
	return &e, true, nil
}

func (c *SemanticCache) purgeDurable(ctx context.Context, key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Remove(ctx, key); err != nil {
		c.log.Warn("Failed to purge expired cache entry", zap.String("key", key), zap.Error(err))
	}
}

// promote puts e in the memory tier (or refreshes it there) and records the access.
func (c *SemanticCache) promote(e *Entry, now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resident, ok := c.memory.Get(e.Key); ok {
		e = resident
	} else {
		c.addMemoryLocked(e)
	}
	c.touchLocked(e, now)
	return e.Value
}

func (c *SemanticCache) addMemoryLocked(e *Entry) {
	if c.memory.Add(e.Key, e) {
		metrics.RecordCacheEviction()
	}
	metrics.SetCacheMemoryEntries(c.memory.Len())
}

func (c *SemanticCache) touchLocked(e *Entry, now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

func (c *SemanticCache) bestInMemory(keywords []string, kind models.Kind, scope string, threshold float64, now time.Time) (*Entry, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Entry
	bestScore := 0.0
	for _, key := range c.memory.Keys() {
		e, ok := c.memory.Peek(key)
		if !ok || e.Kind != kind || e.Scope != scope {
			continue
		}
		if !c.valid(e, now) {
			c.memory.Remove(key)
			continue
		}
		score := Jaccard(keywords, e.Keywords)
		if score >= threshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore
}

func (c *SemanticCache) bestInStore(ctx context.Context, keywords []string, kind models.Kind, scope string, threshold float64, now time.Time) (*Entry, float64, error) {
	var best *Entry
	bestScore := 0.0
	var expired []string

	err := c.store.Iterate(ctx, func(key string, raw []byte) bool {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			expired = append(expired, key)
			return true
		}
		if e.Kind != kind || e.Scope != scope {
			return true
		}
		if !c.valid(&e, now) {
			expired = append(expired, key)
			return true
		}
		score := Jaccard(keywords, e.Keywords)
		if score >= threshold && score > bestScore {
			entry := e
			best, bestScore = &entry, score
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	for _, key := range expired {
		c.purgeDurable(ctx, key)
	}
	return best, bestScore, nil
}

func (c *SemanticCache) countLocked(stats *Stats, e *Entry) {
	switch e.Kind {
	case models.KindText:
		stats.TextEntries++
	case models.KindImage:
		stats.ImageEntries++
	}
	stats.EstimatedBytes += int64(len(e.Key) + len(e.Value))
	for _, k := range e.Keywords {
		stats.EstimatedBytes += int64(len(k))
	}
}

func (c *SemanticCache) recordHit(kind models.Kind, outcome string) {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.RecordCacheLookup(string(kind), outcome)
}

func (c *SemanticCache) recordMiss(kind models.Kind) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.RecordCacheLookup(string(kind), "miss")
}
