package providers

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/amerfu/genmediator/internal/models"
)

const (
	DefaultGeminiTextModel  = "gemini-2.5-flash"
	DefaultGeminiImageModel = "gemini-2.5-flash-image-preview"
)

// GeminiGenerator calls the Gemini API through the official genai client.
type GeminiGenerator struct {
	cli        *genai.Client
	textModel  string
	imageModel string
}

func NewGeminiGenerator(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNotConfigured)
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	g := &GeminiGenerator{
		cli:        cli,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
	}
	if g.textModel == "" {
		g.textModel = DefaultGeminiTextModel
	}
	if g.imageModel == "" {
		g.imageModel = DefaultGeminiImageModel
	}
	return g, nil
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, fullPrompt string, temperature float32, maxOutputTokens int) (string, error) {
	resp, err := g.cli.Models.GenerateContent(ctx, g.textModel,
		[]*genai.Content{{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: fullPrompt}}}},
		&genai.GenerateContentConfig{
			Temperature:     genai.Ptr(temperature),
			MaxOutputTokens: int32(maxOutputTokens),
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini generate text: %w", err)
	}
	if err := blocked(resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		break
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

func (g *GeminiGenerator) GenerateImage(ctx context.Context, prompt string, referenceImages []Image, params ImageParams) (*Image, error) {
	parts := make([]*genai.Part, 0, len(referenceImages)+1)
	for _, ref := range referenceImages {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: ref.MIMEType, Data: ref.Data}})
	}
	parts = append(parts, &genai.Part{Text: imagePrompt(prompt, params)})

	resp, err := g.cli.Models.GenerateContent(ctx, g.imageModel,
		[]*genai.Content{{Role: string(genai.RoleUser), Parts: parts}},
		&genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini generate image: %w", err)
	}
	if err := blocked(resp); err != nil {
		return nil, err
	}

	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return &Image{Data: p.InlineData.Data, MIMEType: mime}, nil
			}
		}
	}
	return nil, ErrEmptyResponse
}

func blocked(resp *genai.GenerateContentResponse) error {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	for _, c := range resp.Candidates {
		if c.FinishReason == genai.FinishReasonSafety {
			return fmt.Errorf("%w: response stopped by safety filter", ErrContentBlocked)
		}
	}
	return nil
}

// imagePrompt appends quality and framing hints the image model reads from text.
func imagePrompt(prompt string, params ImageParams) string {
	var hints []string
	switch params.Resolution {
	case models.ResolutionPreview:
		hints = append(hints, "quick low-detail draft")
	case models.ResolutionHigh:
		hints = append(hints, "highly detailed, high resolution")
	}
	if params.AspectRatio != "" {
		hints = append(hints, "aspect ratio "+params.AspectRatio)
	}
	if len(hints) == 0 {
		return prompt
	}
	return prompt + "\n\n(" + strings.Join(hints, "; ") + ")"
}
