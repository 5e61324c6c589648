package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andyyyy64/opentiger/internal/app"
	"github.com/andyyyy64/opentiger/internal/domain"
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List recorded anomalies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			events, err := e.EventR.ListByType(ctx, domain.EventAnomalyDetected, 50)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no anomalies recorded")
				return nil
			}
			for _, ev := range events {
				kind, _ := ev.Payload["kind"].(string)
				severity, _ := ev.Payload["severity"].(string)
				message, _ := ev.Payload["message"].(string)
				fmt.Printf("%s  [%s/%s] %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), severity, kind, message)
			}
			return nil
		})
	},
}

var clearAnomaliesCmd = &cobra.Command{
	Use:   "clear-anomalies",
	Short: "Delete recorded anomalies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			n, err := e.EventR.DeleteByType(ctx, domain.EventAnomalyDetected)
			if err != nil {
				return err
			}
			e.Events.Emit(ctx, domain.EventAnomaliesCleared, "cycle", "", map[string]any{"cleared": n})
			fmt.Printf("cleared %d anomalies\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(clearAnomaliesCmd)
}
