package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/amerfu/genmediator/internal/models"
)

// ErrBudgetExceeded is returned by callers that enforce CheckBudget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Projection constants used by EstimateEpisodeCost.
const (
	ProgressivePromotionRate = 0.70
	AssumedCacheHitRate      = 0.30
	ScriptTokensPerPanel     = 500
)

// Pricing is the linear rate table, in USD.
type Pricing struct {
	PreviewImage  float64 `mapstructure:"preview_image" json:"preview_image"`
	StandardImage float64 `mapstructure:"standard_image" json:"standard_image"`
	HighImage     float64 `mapstructure:"high_image" json:"high_image"`
	TextPer1K     float64 `mapstructure:"text_per_1k" json:"text_per_1k"`
}

func DefaultPricing() Pricing {
	return Pricing{
		PreviewImage:  0.002,
		StandardImage: 0.02,
		HighImage:     0.04,
		TextPer1K:     0.0005,
	}
}

// Settings are the user-adjustable budget knobs.
type Settings struct {
	DailyLimit                  float64 `mapstructure:"daily_limit" json:"daily_limit"`
	WarningThreshold            float64 `mapstructure:"warning_threshold" json:"warning_threshold"`
	CacheThreshold              float64 `mapstructure:"cache_threshold" json:"cache_threshold"`
	EnableProgressiveGeneration bool    `mapstructure:"enable_progressive_generation" json:"enable_progressive_generation"`
	EnableSemanticCache         bool    `mapstructure:"enable_semantic_cache" json:"enable_semantic_cache"`
	PreferBatchProcessing       bool    `mapstructure:"prefer_batch_processing" json:"prefer_batch_processing"`
}

func DefaultSettings() Settings {
	return Settings{
		DailyLimit:                  5.0,
		WarningThreshold:            0.8,
		CacheThreshold:              0.85,
		EnableProgressiveGeneration: true,
		EnableSemanticCache:         true,
		PreferBatchProcessing:       false,
	}
}

// BudgetCheck is the outcome of a pre-flight spend check.
type BudgetCheck struct {
	CanProceed bool    `json:"can_proceed"`
	Warning    bool    `json:"warning"`
	Message    string  `json:"message,omitempty"`
	Spent      float64 `json:"spent"`
	Estimated  float64 `json:"estimated"`
	Limit      float64 `json:"limit"`
	Remaining  float64 `json:"remaining"`
	Unlimited  bool    `json:"unlimited,omitempty"`
}

// EpisodeEstimate is a projection for display, not a measured cost. It
// assumes a fixed promotion rate for progressive generation and a fixed cache
// hit rate; real spend depends on what users actually promote and repeat.
type EpisodeEstimate struct {
	PanelCount       int     `json:"panel_count"`
	ImageCost        float64 `json:"image_cost"`
	TextCost         float64 `json:"text_cost"`
	CacheDiscount    float64 `json:"cache_discount"`
	TotalCost        float64 `json:"total_cost"`
	BaselineCost     float64 `json:"baseline_cost"`
	PotentialSavings float64 `json:"potential_savings"`
	Heuristic        bool    `json:"heuristic"`
}

// Optimizer estimates spend and gates it against the daily limit. It does no I/O.
type Optimizer struct {
	mu       sync.RWMutex
	settings Settings
	pricing  Pricing
}

func NewOptimizer(settings Settings, pricing Pricing) *Optimizer {
	return &Optimizer{settings: settings, pricing: pricing}
}

func (o *Optimizer) Settings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// UpdateSettings applies fn to a copy of the settings and stores the result.
func (o *Optimizer) UpdateSettings(fn func(*Settings)) Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.settings
	fn(&s)
	o.settings = s
	return s
}

func (o *Optimizer) Pricing() Pricing {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pricing
}

// UnitImageCost is the price of one image at resolution. Unknown tiers are
// billed as standard.
func (o *Optimizer) UnitImageCost(resolution models.Resolution) float64 {
	p := o.Pricing()
	switch resolution {
	case models.ResolutionPreview:
		return p.PreviewImage
	case models.ResolutionHigh:
		return p.HighImage
	default:
		return p.StandardImage
	}
}

func (o *Optimizer) EstimateImageCost(count int, resolution models.Resolution) float64 {
	if count <= 0 {
		return 0
	}
	return float64(count) * o.UnitImageCost(resolution)
}

func (o *Optimizer) EstimateTextCost(tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * o.Pricing().TextPer1K
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / 4))
}

// EstimateEpisodeCost projects the cost of generating panelCount panels plus
// their script.
func (o *Optimizer) EstimateEpisodeCost(panelCount int) EpisodeEstimate {
	est := EpisodeEstimate{PanelCount: panelCount, Heuristic: true}
	if panelCount <= 0 {
		return est
	}
	settings := o.Settings()

	est.TextCost = o.EstimateTextCost(panelCount * ScriptTokensPerPanel)
	est.BaselineCost = o.EstimateImageCost(panelCount, models.ResolutionHigh) + est.TextCost

	if settings.EnableProgressiveGeneration {
		promoted := float64(panelCount) * ProgressivePromotionRate
		est.ImageCost = o.EstimateImageCost(panelCount, models.ResolutionPreview) +
			promoted*o.UnitImageCost(models.ResolutionHigh)
	} else {
		est.ImageCost = o.EstimateImageCost(panelCount, models.ResolutionHigh)
	}

	subtotal := est.ImageCost + est.TextCost
	if settings.EnableSemanticCache {
		est.CacheDiscount = subtotal * AssumedCacheHitRate
	}
	est.TotalCost = subtotal - est.CacheDiscount
	est.PotentialSavings = est.BaselineCost - est.TotalCost
	return est
}

// CheckBudget decides whether estimatedCost may be spent on top of
// currentSpent. A non-positive daily limit disables the gate.
func (o *Optimizer) CheckBudget(estimatedCost, currentSpent float64) BudgetCheck {
	settings := o.Settings()
	check := BudgetCheck{
		Spent:     currentSpent,
		Estimated: estimatedCost,
		Limit:     settings.DailyLimit,
	}
	if settings.DailyLimit <= 0 {
		check.CanProceed = true
		check.Unlimited = true
		return check
	}

	projected := currentSpent + estimatedCost
	check.Remaining = settings.DailyLimit - projected
	check.CanProceed = projected <= settings.DailyLimit

	remainingFraction := check.Remaining / settings.DailyLimit
	check.Warning = remainingFraction < 1-settings.WarningThreshold

	switch {
	case !check.CanProceed:
		check.Message = fmt.Sprintf("Daily budget of $%.2f would be exceeded: $%.4f spent, $%.4f requested",
			settings.DailyLimit, currentSpent, estimatedCost)
	case check.Warning:
		check.Message = fmt.Sprintf("Only $%.4f (%.0f%%) of today's $%.2f budget would remain",
			check.Remaining, remainingFraction*100, settings.DailyLimit)
	}
	return check
}

// OptimalResolution maps what an image is for to the cheapest adequate tier.
func OptimalResolution(purpose models.Purpose) models.Resolution {
	switch purpose {
	case models.PurposePreview:
		return models.ResolutionPreview
	case models.PurposeFinal:
		return models.ResolutionHigh
	default:
		return models.ResolutionStandard
	}
}
