package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andyyyy64/opentiger/internal/app"
	"github.com/andyyyy64/opentiger/internal/domain"
)

var endCycleCmd = &cobra.Command{
	Use:   "end-cycle",
	Short: "End the running cycle manually and start the next one",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			cycle, err := e.Cycles.Current(ctx)
			if err != nil {
				return err
			}
			next, err := e.Controller.EndCycle(ctx, cycle, domain.TriggerManual, "ended by operator")
			if err != nil {
				return err
			}
			fmt.Printf("cycle #%d ended; cycle #%d started\n", cycle.Number, next.Number)
			return nil
		})
	},
}

var newCycleCmd = &cobra.Command{
	Use:   "new-cycle",
	Short: "Start a cycle (aborting any running one)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			cycle, err := e.Cycles.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cycle #%d started\n", cycle.Number)
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one cleanup sweep: reclaim leases, revive agents, cancel stuck runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			if err := e.Controller.CleanupTick(ctx); err != nil {
				return err
			}
			fmt.Println("cleanup complete")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(endCycleCmd)
	rootCmd.AddCommand(newCycleCmd)
	rootCmd.AddCommand(cleanupCmd)
}
