package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/genmediator/internal/models"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}

func TestImage_DataURL(t *testing.T) {
	img := &Image{Data: pngBytes, MIMEType: "image/png"}
	url := img.DataURL()
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	back, err := ParseDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, img, back)

	for _, bad := range []string{"", "image/png;base64,AAAA", "data:;base64,AAAA", "data:image/png;base64,@@"} {
		_, err := ParseDataURL(bad)
		assert.ErrorIs(t, err, ErrInvalidDataURL, "input %q", bad)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{Type: TypeGemini})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(ctx, Config{Type: TypeOpenAI})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(ctx, Config{Type: "midjourney", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownType)

	g, err := New(ctx, Config{Type: TypeOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIGenerator{}, g)
}

func TestImagePrompt(t *testing.T) {
	assert.Equal(t, "cat", imagePrompt("cat", ImageParams{Resolution: models.ResolutionStandard}))
	assert.Contains(t, imagePrompt("cat", ImageParams{Resolution: models.ResolutionHigh}), "high resolution")
	assert.Contains(t, imagePrompt("cat", ImageParams{AspectRatio: "16:9"}), "aspect ratio 16:9")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestOpenAIGenerator(t *testing.T) {
	var lastBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		lastBody = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))

		switch r.URL.Path {
		case "/v1/chat/completions":
			writeJSON(t, w, map[string]any{
				"id": "chatcmpl-1",
				"choices": []map[string]any{{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": "a quiet harbour at dawn"},
				}},
			})
		case "/v1/images/generations":
			writeJSON(t, w, map[string]any{
				"created": 1,
				"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(pngBytes)}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	ctx := context.Background()

	t.Run("text", func(t *testing.T) {
		text, err := g.GenerateText(ctx, "describe a harbour", 0.8, 256)
		require.NoError(t, err)
		assert.Equal(t, "a quiet harbour at dawn", text)
		assert.Equal(t, DefaultOpenAITextModel, lastBody["model"])
		assert.EqualValues(t, 256, lastBody["max_tokens"])
	})

	t.Run("image", func(t *testing.T) {
		img, err := g.GenerateImage(ctx, "harbour", nil, ImageParams{Resolution: models.ResolutionHigh})
		require.NoError(t, err)
		assert.Equal(t, pngBytes, img.Data)
		assert.Equal(t, "image/png", img.MIMEType)
		assert.Equal(t, "hd", lastBody["quality"])
		assert.Equal(t, "b64_json", lastBody["response_format"])
	})
}

func TestGeminiGenerator(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}

		switch {
		case strings.Contains(r.URL.Path, DefaultGeminiImageModel):
			writeJSON(t, w, map[string]any{
				"candidates": []map[string]any{{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{"text": "here you go"},
							{"inlineData": map[string]any{
								"mimeType": "image/png",
								"data":     base64.StdEncoding.EncodeToString(pngBytes),
							}},
						},
					},
				}},
			})
		default:
			writeJSON(t, w, map[string]any{
				"candidates": []map[string]any{{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]any{{"text": "once upon "}, {"text": "a time"}},
					},
				}},
			})
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := NewGeminiGenerator(ctx, Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	t.Run("text joins parts", func(t *testing.T) {
		text, err := g.GenerateText(ctx, "tell a story", 0.8, 128)
		require.NoError(t, err)
		assert.Equal(t, "once upon a time", text)
	})

	t.Run("image returns inline data", func(t *testing.T) {
		img, err := g.GenerateImage(ctx, "a cat", []Image{{Data: pngBytes, MIMEType: "image/png"}}, ImageParams{})
		require.NoError(t, err)
		assert.Equal(t, pngBytes, img.Data)
		assert.Equal(t, "image/png", img.MIMEType)
	})

	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], DefaultGeminiTextModel)
}

func TestGeminiGenerator_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"promptFeedback": map[string]any{"blockReason": "SAFETY"},
		})
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := NewGeminiGenerator(ctx, Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = g.GenerateText(ctx, "something", 0.8, 64)
	assert.ErrorIs(t, err, ErrContentBlocked)
}
