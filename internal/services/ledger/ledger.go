package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/models"
	"github.com/amerfu/genmediator/internal/services/monitoring/metrics"
)

var (
	ErrNegativeAmount = errors.New("ledger amount must not be negative")
	ErrInvalidDate    = errors.New("invalid ledger date")
)

const (
	DefaultKeyPrefix = "genmediator:usage:"
	// Daily hashes outlive a billing month.
	DefaultRetention = 35 * 24 * time.Hour
)

// Hash fields of a daily usage record.
const (
	fieldText      = "text_count"
	fieldImage     = "image_count"
	fieldCacheHits = "cache_hits"
	fieldTotal     = "total_cost"
	fieldSaved     = "saved_cost"
)

// Sink receives the cost of every generation and every cache hit.
type Sink interface {
	RecordSpend(ctx context.Context, kind models.Kind, cost float64) error
	RecordCacheHit(ctx context.Context, kind models.Kind, saved float64) error
	Today(ctx context.Context) (models.DailyUsage, error)
	SessionTotal() float64
}

// Ledger keeps per-day usage in memory and optionally mirrors it to Redis so
// several mediator processes share one daily total.
type Ledger struct {
	mu      sync.Mutex
	days    map[string]*models.DailyUsage
	session float64

	client    *redis.Client
	prefix    string
	retention time.Duration

	log *zap.Logger
	now func() time.Time
}

type Option func(*Ledger)

// WithRedis mirrors every record into a hash per day under prefix.
func WithRedis(client *redis.Client, prefix string, retention time.Duration) Option {
	return func(l *Ledger) {
		l.client = client
		if prefix != "" {
			l.prefix = prefix
		}
		if retention > 0 {
			l.retention = retention
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(log *zap.Logger, opts ...Option) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		days:      make(map[string]*models.DailyUsage),
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordSpend adds a billed generation to today's usage.
func (l *Ledger) RecordSpend(ctx context.Context, kind models.Kind, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("%w: %f", ErrNegativeAmount, cost)
	}
	countField := fieldText
	if kind == models.KindImage {
		countField = fieldImage
	}

	date := models.DateKey(l.now())
	l.mu.Lock()
	day := l.dayLocked(date)
	if kind == models.KindImage {
		day.ImageCount++
	} else {
		day.TextCount++
	}
	day.TotalCost += cost
	l.session += cost
	l.mu.Unlock()

	metrics.RecordSpend(string(kind), cost)
	l.mirror(ctx, date, countField, fieldTotal, cost)

	l.log.Debug("Recorded spend",
		zap.String("kind", string(kind)),
		zap.Float64("cost", cost),
		zap.String("date", date))
	return nil
}

// RecordCacheHit counts a request served from the cache and what it would
// have cost.
func (l *Ledger) RecordCacheHit(ctx context.Context, kind models.Kind, saved float64) error {
	if saved < 0 {
		return fmt.Errorf("%w: %f", ErrNegativeAmount, saved)
	}

	date := models.DateKey(l.now())
	l.mu.Lock()
	day := l.dayLocked(date)
	day.CacheHits++
	day.SavedCost += saved
	l.mu.Unlock()

	metrics.RecordSaved(string(kind), saved)
	l.mirror(ctx, date, fieldCacheHits, fieldSaved, saved)
	return nil
}

// Today returns today's usage.
func (l *Ledger) Today(ctx context.Context) (models.DailyUsage, error) {
	return l.Usage(ctx, models.DateKey(l.now()))
}

// Usage returns the usage recorded on date (YYYY-MM-DD). With Redis
// configured the shared record wins; if Redis is unreachable the local
// record is returned instead.
func (l *Ledger) Usage(ctx context.Context, date string) (models.DailyUsage, error) {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return models.DailyUsage{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	local := l.local(date)
	if l.client == nil {
		return local, nil
	}

	shared, err := l.fetch(ctx, date)
	if err != nil {
		l.log.Warn("Failed to read shared usage, using local ledger",
			zap.String("date", date),
			zap.Error(err))
		return local, nil
	}
	return shared, nil
}

// SessionTotal is everything this process has spent since it started.
func (l *Ledger) SessionTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Ledger) dayLocked(date string) *models.DailyUsage {
	day, ok := l.days[date]
	if !ok {
		day = &models.DailyUsage{Date: date}
		l.days[date] = day
	}
	return day
}

func (l *Ledger) local(date string) models.DailyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if day, ok := l.days[date]; ok {
		return *day
	}
	return models.DailyUsage{Date: date}
}

func (l *Ledger) key(date string) string {
	return l.prefix + date
}

// mirror copies one record into Redis. Failures are logged only; the local
// ledger stays authoritative for this process.
func (l *Ledger) mirror(ctx context.Context, date, countField, amountField string, amount float64) {
	if l.client == nil {
		return
	}
	key := l.key(date)

	pipe := l.client.TxPipeline()
	pipe.HIncrBy(ctx, key, countField, 1)
	pipe.HIncrByFloat(ctx, key, amountField, amount)
	pipe.Expire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("Failed to mirror usage to redis",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (l *Ledger) fetch(ctx context.Context, date string) (models.DailyUsage, error) {
	fields, err := l.client.HGetAll(ctx, l.key(date)).Result()
	if err != nil {
		return models.DailyUsage{}, err
	}

	usage := models.DailyUsage{Date: date}
	for field, raw := range fields {
		switch field {
		case fieldText:
			usage.TextCount, err = strconv.ParseInt(raw, 10, 64)
		case fieldImage:
			usage.ImageCount, err = strconv.ParseInt(raw, 10, 64)
		case fieldCacheHits:
			usage.CacheHits, err = strconv.ParseInt(raw, 10, 64)
		case fieldTotal:
			usage.TotalCost, err = strconv.ParseFloat(raw, 64)
		case fieldSaved:
			usage.SavedCost, err = strconv.ParseFloat(raw, 64)
		}
		if err != nil {
			return models.DailyUsage{}, fmt.Errorf("parse %s: %w", field, err)
		}
	}
	return usage, nil
}
