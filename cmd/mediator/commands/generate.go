package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amerfu/genmediator/internal/models"
	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/orchestrator"
	"github.com/amerfu/genmediator/internal/services/providers"
)

// NewGenerateCommand creates the generation command tree
func NewGenerateCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text or images",
		Long:  "Generate text or images through the cache, budget gate and rate limiter",
	}

	cmd.AddCommand(newGenerateTextCommand(ctx))
	cmd.AddCommand(newGenerateImageCommand(ctx))
	cmd.AddCommand(newGenerateBatchCommand(ctx))

	return cmd
}

func newGenerateTextCommand(ctx context.Context) *cobra.Command {
	var (
		systemPrompt string
		temperature  float32
		maxTokens    int
		noCache      bool
		parallel     int
	)

	cmd := &cobra.Command{
		Use:   "text PROMPT [PROMPT...]",
		Short: "Generate text",
		Long:  "Generate text for one or more prompts. Several prompts run in parallel and still share the rate limiter.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := orchestrator.TextOptions{
				SystemPrompt: systemPrompt,
				Temperature:  &temperature,
				MaxTokens:    maxTokens,
				SkipCache:    noCache,
			}

			results := make([]*orchestrator.TextResult, len(args))
			g, gctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(parallel, 1))
			for i, prompt := range args {
				g.Go(func() error {
					res, err := app.Orchestrator.GenerateText(gctx, prompt, opts)
					if err != nil {
						return fmt.Errorf("prompt %d: %w", i+1, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(results)
				return nil
			}
			for i, res := range results {
				if len(results) > 1 {
					fmt.Fprintf(stdout, "--- %d (cached: %v, cost: %s)\n", i+1, res.FromCache, usd(res.Cost))
				}
				fmt.Fprintln(stdout, res.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "System prompt prepended to every prompt")
	cmd.Flags().Float32VarP(&temperature, "temperature", "t", orchestrator.DefaultTemperature, "Sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", orchestrator.DefaultMaxTokens, "Maximum output tokens")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the semantic cache")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 3, "Prompts generated concurrently")

	return cmd
}

func newGenerateImageCommand(ctx context.Context) *cobra.Command {
	var (
		resolution  string
		purpose     string
		aspectRatio string
		outPath     string
		references  []string
		noCache     bool
		force       bool
		progressive bool
	)

	cmd := &cobra.Command{
		Use:   "image PROMPT",
		Short: "Generate an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := resolveResolution(resolution, purpose)
			if err != nil {
				return err
			}
			refs, err := readReferences(references)
			if err != nil {
				return err
			}

			app, err := loadApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := orchestrator.ImageOptions{
				Resolution:      res,
				AspectRatio:     aspectRatio,
				ReferenceImages: refs,
				SkipCache:       noCache,
				ForceRegenerate: force,
			}

			var results []*orchestrator.ImageResult
			if progressive {
				prog, err := app.Orchestrator.GenerateProgressiveImage(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				high, err := prog.GenerateHighRes(cmd.Context())
				if err != nil {
					return err
				}
				results = append(results, prog.Preview, high)
			} else {
				img, err := app.Orchestrator.GenerateImage(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				results = append(results, img)
			}

			return writeImages(outPath, results)
		},
	}

	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "Resolution tier (preview, standard, high)")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Pick the resolution for a purpose (preview, edit, final)")
	cmd.Flags().StringVar(&aspectRatio, "aspect-ratio", "", "Aspect ratio hint, e.g. 16:9")
	cmd.Flags().StringVarP(&outPath, "out", "o", "image.png", "Output file")
	cmd.Flags().StringSliceVar(&references, "ref", nil, "Reference image files")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the semantic cache")
	cmd.Flags().BoolVar(&force, "force", false, "Regenerate even if cached, then refresh the cache")
	cmd.Flags().BoolVar(&progressive, "progressive", false, "Generate a cached preview, then the high resolution image")

	return cmd
}

func newGenerateBatchCommand(ctx context.Context) *cobra.Command {
	var (
		resolution string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "batch PROMPT [PROMPT...]",
		Short: "Generate several images through the batch queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := models.ParseResolution(resolution)
			if err != nil {
				return err
			}

			app, err := loadApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()

			requests := make([]orchestrator.ImageRequest, len(args))
			for i, p := range args {
				requests[i] = orchestrator.ImageRequest{Prompt: p, Options: orchestrator.ImageOptions{Resolution: res}}
			}

			var rows [][]string
			failed := 0
			for i, r := range app.Orchestrator.BatchGenerateImages(cmd.Context(), requests) {
				if r.Err != nil {
					failed++
					rows = append(rows, []string{strconv.Itoa(i + 1), "error", r.Err.Error()})
					continue
				}
				path := filepath.Join(outDir, fmt.Sprintf("image-%02d%s", i+1, extension(r.Value.MIMEType)))
				if err := os.WriteFile(path, r.Value.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				rows = append(rows, []string{strconv.Itoa(i + 1), "ok", path})
			}
			OutputTable([]string{"#", "STATUS", "DETAIL"}, rows)

			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(requests))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "Resolution tier (preview, standard, high)")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Output directory")

	return cmd
}

func resolveResolution(resolution, purpose string) (models.Resolution, error) {
	if purpose != "" {
		if resolution != "" {
			return "", fmt.Errorf("--resolution and --purpose are mutually exclusive")
		}
		switch p := models.Purpose(purpose); p {
		case models.PurposePreview, models.PurposeEdit, models.PurposeFinal:
			return budget.OptimalResolution(p), nil
		default:
			return "", fmt.Errorf("unknown purpose %q", purpose)
		}
	}
	return models.ParseResolution(resolution)
}

func readReferences(paths []string) ([]providers.Image, error) {
	refs := make([]providers.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read reference image: %w", err)
		}
		refs = append(refs, providers.Image{Data: data, MIMEType: mimeType(p)})
	}
	return refs, nil
}

func writeImages(outPath string, results []*orchestrator.ImageResult) error {
	var rows [][]string
	for i, img := range results {
		path := outPath
		if len(results) > 1 {
			ext := filepath.Ext(outPath)
			path = strings.TrimSuffix(outPath, ext) + "-" + string(img.Resolution) + ext
		}
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1), path, string(img.Resolution),
			strconv.FormatBool(img.FromCache), usd(img.Cost),
		})
	}
	OutputTable([]string{"#", "FILE", "RESOLUTION", "CACHED", "COST"}, rows)
	return nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func extension(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
