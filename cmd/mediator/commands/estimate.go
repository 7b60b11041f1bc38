package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/genmediator/internal/config"
	"github.com/amerfu/genmediator/internal/models"
	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/orchestrator"
)

// NewEstimateCommand creates the cost estimation commands. They only read
// configuration and never contact a provider.
func NewEstimateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate generation costs",
	}

	cmd.AddCommand(newEstimateEpisodeCommand())
	cmd.AddCommand(newEstimateImageCommand())
	cmd.AddCommand(newEstimateTextCommand())

	return cmd
}

func loadOptimizer() (*budget.Optimizer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return budget.NewOptimizer(budgetSettings(cfg.Budget), budget.Pricing{
		PreviewImage:  cfg.Budget.Pricing.PreviewImage,
		StandardImage: cfg.Budget.Pricing.StandardImage,
		HighImage:     cfg.Budget.Pricing.HighImage,
		TextPer1K:     cfg.Budget.Pricing.TextPer1K,
	}), nil
}

func newEstimateEpisodeCommand() *cobra.Command {
	var panels int

	cmd := &cobra.Command{
		Use:   "episode",
		Short: "Project the cost of an episode",
		Long:  "Project the cost of an episode. The figures assume fixed promotion and cache hit rates and are not measured costs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if panels <= 0 {
				return fmt.Errorf("--panels must be positive")
			}
			opt, err := loadOptimizer()
			if err != nil {
				return err
			}
			return printEpisodeEstimate(opt.EstimateEpisodeCost(panels))
		},
	}

	cmd.Flags().IntVarP(&panels, "panels", "n", 6, "Number of panels")
	return cmd
}

func printEpisodeEstimate(est budget.EpisodeEstimate) error {
	Output(est, [][]string{
		{"Panels", strconv.Itoa(est.PanelCount)},
		{"Image cost", usd(est.ImageCost)},
		{"Text cost", usd(est.TextCost)},
		{"Cache discount", usd(est.CacheDiscount)},
		{"Total (estimated)", usd(est.TotalCost)},
		{"Baseline", usd(est.BaselineCost)},
		{"Potential savings", usd(est.PotentialSavings)},
	})
	return nil
}

func newEstimateImageCommand() *cobra.Command {
	var (
		count      int
		resolution string
	)

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Estimate the cost of a number of images",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := models.ParseResolution(resolution)
			if err != nil {
				return err
			}
			opt, err := loadOptimizer()
			if err != nil {
				return err
			}
			cost := opt.EstimateImageCost(count, res)
			Output(map[string]any{
				"count":      count,
				"resolution": res,
				"unit_cost":  opt.UnitImageCost(res),
				"cost":       cost,
			}, [][]string{
				{"Images", strconv.Itoa(count)},
				{"Resolution", string(res)},
				{"Unit cost", usd(opt.UnitImageCost(res))},
				{"Cost", usd(cost)},
			})
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 1, "Number of images")
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "Resolution tier (preview, standard, high)")
	return cmd
}

func newEstimateTextCommand() *cobra.Command {
	var (
		tokens    int
		maxTokens int
	)

	cmd := &cobra.Command{
		Use:   "text [PROMPT]",
		Short: "Estimate the cost of a text generation",
		Long:  "Estimate the worst-case cost of a text generation from --tokens, or from the length of PROMPT plus --max-tokens of output.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				tokens = budget.EstimateTokens(args[0]) + maxTokens
			}
			opt, err := loadOptimizer()
			if err != nil {
				return err
			}
			cost := opt.EstimateTextCost(tokens)
			Output(map[string]any{"tokens": tokens, "cost": cost}, [][]string{
				{"Tokens", strconv.Itoa(tokens)},
				{"Cost", usd(cost)},
			})
			return nil
		},
	}

	cmd.Flags().IntVar(&tokens, "tokens", 1000, "Token count")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", orchestrator.DefaultMaxTokens, "Output token allowance added to PROMPT")
	return cmd
}
