package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/genmediator/internal/models"
)

// NewBudgetCommand creates the budget commands
func NewBudgetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect daily spend against the budget",
	}

	cmd.AddCommand(newBudgetStatusCommand(ctx))
	cmd.AddCommand(newBudgetCheckCommand(ctx))

	return cmd
}

// budgetStatus flattens the day's usage next to the session total.
type budgetStatus struct {
	models.DailyUsage
	SessionSpent float64 `json:"session_spent"`
	DailyLimit   float64 `json:"daily_limit"`
}

func newBudgetStatusCommand(ctx context.Context) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if date == "" {
				date = models.DateKey(timeNow())
			}
			usage, err := app.Ledger.Usage(cmd.Context(), date)
			if err != nil {
				return err
			}
			report := budgetStatus{
				DailyUsage:   usage,
				SessionSpent: app.Ledger.SessionTotal(),
				DailyLimit:   app.Optimizer.Settings().DailyLimit,
			}

			Output(report, [][]string{
				{"Date", usage.Date},
				{"Text generations", strconv.FormatInt(usage.TextCount, 10)},
				{"Image generations", strconv.FormatInt(usage.ImageCount, 10)},
				{"Cache hits", strconv.FormatInt(usage.CacheHits, 10)},
				{"Spent", usd(usage.TotalCost)},
				{"Saved", usd(usage.SavedCost)},
				{"Spent this session", usd(report.SessionSpent)},
				{"Daily limit", limitLabel(report.DailyLimit)},
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Day to show, as YYYY-MM-DD (default today)")
	return cmd
}

func newBudgetCheckCommand(ctx context.Context) *cobra.Command {
	var estimate float64

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether an estimated cost fits today's budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if estimate < 0 {
				return fmt.Errorf("--estimate must not be negative")
			}
			app, err := loadApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			today, err := app.Ledger.Today(cmd.Context())
			if err != nil {
				return err
			}
			check := app.Optimizer.CheckBudget(estimate, today.TotalCost)

			Output(check, [][]string{
				{"Can proceed", strconv.FormatBool(check.CanProceed)},
				{"Warning", strconv.FormatBool(check.Warning)},
				{"Spent", usd(check.Spent)},
				{"Estimated", usd(check.Estimated)},
				{"Limit", limitLabel(check.Limit)},
				{"Remaining", usd(check.Remaining)},
				{"Message", check.Message},
			})
			if !check.CanProceed {
				return fmt.Errorf("budget exceeded")
			}
			return nil
		},
	}

	cmd.Flags().Float64VarP(&estimate, "estimate", "e", 0, "Estimated cost in USD")
	return cmd
}

func limitLabel(limit float64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return usd(limit)
}
