package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCacheCommand creates the semantic cache maintenance commands
func NewCacheCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the semantic cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			Output(stats, [][]string{
				{"Store", app.Config.Cache.Store},
				{"Text entries", strconv.Itoa(stats.TextEntries)},
				{"Image entries", strconv.Itoa(stats.ImageEntries)},
				{"Memory entries", strconv.Itoa(stats.MemoryEntries)},
				{"Estimated size", fmt.Sprintf("%d bytes", stats.EstimatedBytes)},
			})
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			removed, err := app.Cache.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			Output(map[string]int{"removed": removed}, [][]string{{"Removed", strconv.Itoa(removed)}})
			return nil
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the cache without --yes")
			}
			app, err := loadApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Cache.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Cache cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	cmd.AddCommand(clearCmd)

	return cmd
}
