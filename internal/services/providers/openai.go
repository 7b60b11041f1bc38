package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/amerfu/genmediator/internal/models"
)

const (
	DefaultOpenAITextModel  = openai.GPT4oMini
	DefaultOpenAIImageModel = openai.CreateImageModelDallE3
)

// OpenAIGenerator calls an OpenAI compatible API.
type OpenAIGenerator struct {
	client     *openai.Client
	textModel  string
	imageModel string
}

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	g := &OpenAIGenerator{
		client:     openai.NewClientWithConfig(clientConfig),
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
	}
	if g.textModel == "" {
		g.textModel = DefaultOpenAITextModel
	}
	if g.imageModel == "" {
		g.imageModel = DefaultOpenAIImageModel
	}
	return g
}

func (g *OpenAIGenerator) GenerateText(ctx context.Context, fullPrompt string, temperature float32, maxOutputTokens int) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.textModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fullPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: response stopped by content filter", ErrContentBlocked)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

// GenerateImage ignores referenceImages; the images endpoint only accepts them
// through the edit API, which this generator does not use.
func (g *OpenAIGenerator) GenerateImage(ctx context.Context, prompt string, _ []Image, params ImageParams) (*Image, error) {
	req := openai.ImageRequest{
		Prompt:         prompt,
		Model:          g.imageModel,
		N:              1,
		Size:           openAISize(params),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}
	if params.Resolution == models.ResolutionHigh {
		req.Quality = openai.CreateImageQualityHD
	}

	resp, err := g.client.CreateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai create image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrEmptyResponse
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode openai image: %w", err)
	}
	return &Image{Data: data, MIMEType: "image/png"}, nil
}

func openAISize(params ImageParams) string {
	switch params.AspectRatio {
	case "16:9":
		return openai.CreateImageSize1792x1024
	case "9:16":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}
