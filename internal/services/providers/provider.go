package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/amerfu/genmediator/internal/models"
)

var (
	ErrNotConfigured  = errors.New("provider not configured: missing API key")
	ErrEmptyResponse  = errors.New("empty response from provider")
	ErrUnknownType    = errors.New("unknown provider type")
	ErrContentBlocked = errors.New("content blocked by safety policy")
	ErrInvalidDataURL = errors.New("invalid image data url")
)

// Generator is the external model the mediator protects.
type Generator interface {
	GenerateText(ctx context.Context, fullPrompt string, temperature float32, maxOutputTokens int) (string, error)
	GenerateImage(ctx context.Context, prompt string, referenceImages []Image, params ImageParams) (*Image, error)
}

// Image is raw image bytes plus their MIME type.
type Image struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// DataURL renders the image as a data: URL, the form stored in the cache.
func (i *Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, base64.StdEncoding.EncodeToString(i.Data))
}

// ParseDataURL is the inverse of Image.DataURL.
func ParseDataURL(s string) (*Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, ErrInvalidDataURL
	}
	mime, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || mime == "" {
		return nil, ErrInvalidDataURL
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
	}
	return &Image{Data: data, MIMEType: mime}, nil
}

type ImageParams struct {
	Resolution  models.Resolution
	AspectRatio string
}

const (
	TypeGemini = "gemini"
	TypeOpenAI = "openai"
)

// Config selects and configures one provider.
type Config struct {
	Type       string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	TextModel  string `mapstructure:"text_model"`
	ImageModel string `mapstructure:"image_model"`
}

// New builds the Generator named by cfg.Type.
func New(ctx context.Context, cfg Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Type, ErrNotConfigured)
	}
	switch cfg.Type {
	case TypeGemini, "":
		return NewGeminiGenerator(ctx, cfg)
	case TypeOpenAI:
		return NewOpenAIGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
}
