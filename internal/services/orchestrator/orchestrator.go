package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/models"
	"github.com/amerfu/genmediator/internal/services/batch"
	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/ledger"
	"github.com/amerfu/genmediator/internal/services/monitoring/metrics"
	"github.com/amerfu/genmediator/internal/services/providers"
	"github.com/amerfu/genmediator/internal/services/ratelimit"
	"github.com/amerfu/genmediator/internal/services/retry"
)

const (
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 4096

	DefaultGenerationTimeout = 2 * time.Minute
	DefaultAcquireTimeout    = 5 * time.Minute
)

// Cache is the approximate result cache consulted before every generation.
// Images are scoped by resolution so no tier is matched against another.
type Cache interface {
	GetScoped(ctx context.Context, scope, prompt string, kind models.Kind, threshold float64) (string, bool, error)
	SetScoped(ctx context.Context, scope, prompt, value string, kind models.Kind) error
}

type Config struct {
	// GenerationTimeout bounds each provider call. Zero disables it.
	GenerationTimeout time.Duration
	// AcquireTimeout bounds the wait for a rate limiter token. Zero disables it.
	AcquireTimeout time.Duration
	// EnforceBudget refuses calls that would exceed the daily limit. When false
	// the budget check only logs.
	EnforceBudget bool
	Batch         batch.Config
	Retry         retry.Config
}

func DefaultConfig() Config {
	return Config{
		GenerationTimeout: DefaultGenerationTimeout,
		AcquireTimeout:    DefaultAcquireTimeout,
		EnforceBudget:     true,
		Batch:             batch.Config{BatchSize: batch.DefaultBatchSize, Delay: batch.DefaultDelay},
		Retry:             retry.Config{MaxAttempts: 1},
	}
}

// Deps are the collaborators an Orchestrator composes. Cache may be nil.
type Deps struct {
	Generator providers.Generator
	Limiter   ratelimit.Limiter
	Cache     Cache
	Optimizer *budget.Optimizer
	Sink      ledger.Sink
	Logger    *zap.Logger
}

type TextOptions struct {
	SystemPrompt string
	// Temperature defaults to DefaultTemperature when nil. Zero asks for
	// deterministic sampling.
	Temperature *float32
	MaxTokens   int
	SkipCache   bool
}

type ImageOptions struct {
	Resolution      models.Resolution
	AspectRatio     string
	ReferenceImages []providers.Image
	// SkipCache disables both the cache read and the cache write.
	SkipCache bool
	// ForceRegenerate skips the cache read but still stores the new result.
	ForceRegenerate bool
}

type ImageRequest struct {
	Prompt  string       `json:"prompt"`
	Options ImageOptions `json:"-"`
}

type TextResult struct {
	Text      string  `json:"text"`
	FromCache bool    `json:"from_cache"`
	Cost      float64 `json:"cost"`
}

type ImageResult struct {
	Data       []byte            `json:"data"`
	MIMEType   string            `json:"mime_type"`
	Resolution models.Resolution `json:"resolution"`
	FromCache  bool              `json:"from_cache"`
	Cost       float64           `json:"cost"`
}

// Status aggregates the state of every control layer. SessionSpent is what
// this process has spent since it started.
type Status struct {
	RateLimit    ratelimit.Status   `json:"rate_limit"`
	Batch        batch.Status       `json:"batch"`
	Today        models.DailyUsage  `json:"today"`
	Budget       budget.BudgetCheck `json:"budget"`
	SessionSpent float64            `json:"session_spent"`
}

// Orchestrator runs every request through cache check, budget gate, rate
// limit, generation, cache write and cost record, in that order.
type Orchestrator struct {
	gen       providers.Generator
	limiter   ratelimit.Limiter
	cache     Cache
	optimizer *budget.Optimizer
	sink      ledger.Sink
	log       *zap.Logger
	cfg       Config

	batch *batch.Queue[ImageRequest, *ImageResult]
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Generator == nil {
		return nil, newError(KindConfiguration, providers.ErrNotConfigured)
	}
	if deps.Limiter == nil {
		return nil, errors.New("orchestrator: limiter is required")
	}
	if deps.Optimizer == nil {
		deps.Optimizer = budget.NewOptimizer(budget.DefaultSettings(), budget.DefaultPricing())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = ledger.New(deps.Logger)
	}

	o := &Orchestrator{
		gen:       deps.Generator,
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		optimizer: deps.Optimizer,
		sink:      deps.Sink,
		log:       deps.Logger,
		cfg:       cfg,
	}
	o.batch = batch.New(o.processBatchItem, cfg.Batch, deps.Logger.Named("batch"))
	return o, nil
}

// Close stops the batch queue. Queued batch items fail with batch.ErrClosed.
func (o *Orchestrator) Close() {
	o.batch.Close()
}

func (o *Orchestrator) GenerateText(ctx context.Context, prompt string, opts TextOptions) (*TextResult, error) {
	temperature := float32(DefaultTemperature)
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	fullPrompt := prompt
	if opts.SystemPrompt != "" {
		fullPrompt = opts.SystemPrompt + "\n\n" + prompt
	}

	settings := o.optimizer.Settings()
	useCache := o.cache != nil && settings.EnableSemanticCache && !opts.SkipCache
	inputTokens := budget.EstimateTokens(fullPrompt)

	if useCache {
		if v, ok := o.lookup(ctx, "", fullPrompt, models.KindText, settings.CacheThreshold); ok {
			saved := o.optimizer.EstimateTextCost(inputTokens + budget.EstimateTokens(v))
			o.recordCacheHit(ctx, models.KindText, saved)
			return &TextResult{Text: v, FromCache: true}, nil
		}
	}

	// Pre-flight estimate assumes the full output allowance is used.
	if err := o.gate(ctx, o.optimizer.EstimateTextCost(inputTokens+opts.MaxTokens)); err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
		if err := o.admit(ctx); err != nil {
			return "", err
		}
		callCtx, cancel := o.callContext(ctx)
		defer cancel()
		return o.gen.GenerateText(callCtx, fullPrompt, temperature, opts.MaxTokens)
	}, o.retryable)
	if err == nil && strings.TrimSpace(text) == "" {
		err = providers.ErrEmptyResponse
	}
	if err != nil {
		return nil, o.fail(models.KindText, start, err)
	}

	if useCache {
		o.store(ctx, "", fullPrompt, text, models.KindText)
	}

	cost := o.optimizer.EstimateTextCost(inputTokens + budget.EstimateTokens(text))
	o.recordSpend(ctx, models.KindText, cost)
	metrics.RecordGeneration(string(models.KindText), "success", time.Since(start))

	return &TextResult{Text: text, Cost: cost}, nil
}

// cachedImage is the cache payload for images. The resolution is checked on
// read so a similar prompt at another tier is never served.
type cachedImage struct {
	Resolution models.Resolution `json:"resolution"`
	DataURL    string            `json:"data_url"`
}

func (o *Orchestrator) GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (*ImageResult, error) {
	if opts.Resolution == "" {
		opts.Resolution = models.ResolutionStandard
	}

	settings := o.optimizer.Settings()
	// A result derived from reference images is not a function of the prompt alone.
	cacheable := o.cache != nil && settings.EnableSemanticCache && !opts.SkipCache && len(opts.ReferenceImages) == 0
	scope := string(opts.Resolution)
	unitCost := o.optimizer.UnitImageCost(opts.Resolution)

	if cacheable && !opts.ForceRegenerate {
		if v, ok := o.lookup(ctx, scope, prompt, models.KindImage, settings.CacheThreshold); ok {
			if img, ok := o.decodeImage(v, opts.Resolution); ok {
				o.recordCacheHit(ctx, models.KindImage, unitCost)
				return &ImageResult{
					Data:       img.Data,
					MIMEType:   img.MIMEType,
					Resolution: opts.Resolution,
					FromCache:  true,
				}, nil
			}
		}
	}

	if err := o.gate(ctx, unitCost); err != nil {
		return nil, err
	}

	start := time.Now()
	params := providers.ImageParams{Resolution: opts.Resolution, AspectRatio: opts.AspectRatio}
	img, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (*providers.Image, error) {
		if err := o.admit(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := o.callContext(ctx)
		defer cancel()
		return o.gen.GenerateImage(callCtx, prompt, opts.ReferenceImages, params)
	}, o.retryable)
	if err == nil && (img == nil || len(img.Data) == 0) {
		err = providers.ErrEmptyResponse
	}
	if err != nil {
		return nil, o.fail(models.KindImage, start, err)
	}

	if cacheable {
		payload, merr := json.Marshal(cachedImage{Resolution: opts.Resolution, DataURL: img.DataURL()})
		if merr == nil {
			o.store(ctx, scope, prompt, string(payload), models.KindImage)
		}
	}

	o.recordSpend(ctx, models.KindImage, unitCost)
	metrics.RecordGeneration(string(models.KindImage), "success", time.Since(start))

	return &ImageResult{
		Data:       img.Data,
		MIMEType:   img.MIMEType,
		Resolution: opts.Resolution,
		Cost:       unitCost,
	}, nil
}

// ProgressiveImage is a cached preview that can later be upgraded.
type ProgressiveImage struct {
	Preview *ImageResult

	o      *Orchestrator
	prompt string
	opts   ImageOptions
}

// GenerateHighRes produces the full-resolution image. It never reads from or
// writes to the cache.
func (p *ProgressiveImage) GenerateHighRes(ctx context.Context) (*ImageResult, error) {
	return p.o.GenerateImage(ctx, p.prompt, ImageOptions{
		Resolution:      models.ResolutionHigh,
		AspectRatio:     p.opts.AspectRatio,
		ReferenceImages: p.opts.ReferenceImages,
		SkipCache:       true,
	})
}

// GenerateProgressiveImage generates a cache-enabled preview first.
func (o *Orchestrator) GenerateProgressiveImage(ctx context.Context, prompt string, opts ImageOptions) (*ProgressiveImage, error) {
	previewOpts := opts
	previewOpts.Resolution = models.ResolutionPreview
	previewOpts.SkipCache = false
	previewOpts.ForceRegenerate = false

	preview, err := o.GenerateImage(ctx, prompt, previewOpts)
	if err != nil {
		return nil, err
	}
	return &ProgressiveImage{Preview: preview, o: o, prompt: prompt, opts: opts}, nil
}

// BatchGenerateImages runs the requests through the batch queue in bounded
// waves. Results keep input order and fail independently.
func (o *Orchestrator) BatchGenerateImages(ctx context.Context, requests []ImageRequest) []batch.Result[*ImageResult] {
	return o.batch.AddBatch(ctx, requests)
}

func (o *Orchestrator) processBatchItem(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	res, err := o.GenerateImage(ctx, req.Prompt, req.Options)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) Status(ctx context.Context) Status {
	s := Status{
		RateLimit: o.limiter.Status(),
		Batch:     o.batch.Status(),
	}
	today, err := o.sink.Today(ctx)
	if err != nil {
		o.log.Warn("Failed to read today's usage", zap.Error(err))
	}
	s.Today = today
	s.Budget = o.optimizer.CheckBudget(0, today.TotalCost)
	s.SessionSpent = o.sink.SessionTotal()
	return s
}

func (o *Orchestrator) lookup(ctx context.Context, scope, prompt string, kind models.Kind, threshold float64) (string, bool) {
	v, ok, err := o.cache.GetScoped(ctx, scope, prompt, kind, threshold)
	if err != nil {
		// Cache failures degrade to a miss.
		o.log.Warn("Cache lookup failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	return v, ok
}

func (o *Orchestrator) store(ctx context.Context, scope, prompt, value string, kind models.Kind) {
	if err := o.cache.SetScoped(ctx, scope, prompt, value, kind); err != nil {
		o.log.Warn("Cache write failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (o *Orchestrator) decodeImage(v string, want models.Resolution) (*providers.Image, bool) {
	var cached cachedImage
	if err := json.Unmarshal([]byte(v), &cached); err != nil {
		o.log.Warn("Discarding malformed cached image", zap.Error(err))
		return nil, false
	}
	if cached.Resolution != want {
		return nil, false
	}
	img, err := providers.ParseDataURL(cached.DataURL)
	if err != nil {
		o.log.Warn("Discarding malformed cached image", zap.Error(err))
		return nil, false
	}
	return img, true
}

// gate applies the daily budget check.
func (o *Orchestrator) gate(ctx context.Context, estimated float64) error {
	today, err := o.sink.Today(ctx)
	if err != nil {
		o.log.Warn("Failed to read today's spend, budget check uses zero", zap.Error(err))
	}

	check := o.optimizer.CheckBudget(estimated, today.TotalCost)
	switch {
	case !check.CanProceed && o.cfg.EnforceBudget:
		metrics.RecordBudgetRejection()
		o.log.Warn("Generation refused by budget",
			zap.Float64("estimated", estimated),
			zap.Float64("spent", today.TotalCost),
			zap.Float64("limit", check.Limit))
		return &Error{Kind: KindBudgetExceeded, Message: check.Message, Err: budget.ErrBudgetExceeded}
	case !check.CanProceed:
		o.log.Warn("Generation exceeds budget", zap.String("message", check.Message))
	case check.Warning:
		o.log.Info("Budget warning", zap.String("message", check.Message))
	}
	return nil
}

func (o *Orchestrator) admit(ctx context.Context) error {
	if o.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AcquireTimeout)
		defer cancel()
	}
	return o.limiter.Acquire(ctx)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.GenerationTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	}
	return context.WithCancel(ctx)
}

// retryable limits retries to transient provider failures. Limiter errors
// are final.
func (o *Orchestrator) retryable(err error) bool {
	if errors.Is(err, ratelimit.ErrAcquireTimeout) ||
		errors.Is(err, ratelimit.ErrLimiterClosed) ||
		errors.Is(err, ratelimit.ErrLimiterReset) {
		return false
	}
	return retry.IsTransient(err)
}

func (o *Orchestrator) fail(kind models.Kind, start time.Time, err error) error {
	classified := Classify(err)
	metrics.RecordGeneration(string(kind), string(classified.Kind), time.Since(start))
	o.log.Error("Generation failed",
		zap.String("kind", string(kind)),
		zap.String("error_kind", string(classified.Kind)),
		zap.Error(err))
	return classified
}

func (o *Orchestrator) recordSpend(ctx context.Context, kind models.Kind, cost float64) {
	if err := o.sink.RecordSpend(ctx, kind, cost); err != nil {
		o.log.Warn("Failed to record spend", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (o *Orchestrator) recordCacheHit(ctx context.Context, kind models.Kind, saved float64) {
	metrics.RecordGeneration(string(kind), "cache_hit", 0)
	if err := o.sink.RecordCacheHit(ctx, kind, saved); err != nil {
		o.log.Warn("Failed to record cache hit", zap.String("kind", string(kind)), zap.Error(err))
	}
}
