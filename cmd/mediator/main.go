package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/genmediator/cmd/mediator/commands"
)

var (
	cfgPath    string
	outputJSON bool
	verbose    bool
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mediator",
		Short: "Generation mediator CLI",
		Long: `Runs text and image generation through the rate limiter, semantic cache,
batch queue and budget gate, and inspects their state.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			commands.SetConfigPath(cfgPath)
			commands.SetOutputJSON(outputJSON)
			commands.SetVerbose(verbose)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewGenerateCommand(ctx))
	rootCmd.AddCommand(commands.NewEstimateCommand())
	rootCmd.AddCommand(commands.NewBudgetCommand(ctx))
	rootCmd.AddCommand(commands.NewCacheCommand(ctx))
	rootCmd.AddCommand(commands.NewServeCommand(ctx))
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}
