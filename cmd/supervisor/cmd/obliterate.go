package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andyyyy64/opentiger/internal/app"
)

var obliterateCmd = &cobra.Command{
	Use:   "obliterate <queue>",
	Short: "Purge a whole queue including in-flight jobs (admin)",
	Long: `Obliterate deletes every job on the named queue (critical, default,
low, or dead), including scheduled and in-flight ones. Tasks themselves are
untouched; requeue them through the planner or a cleanup sweep.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			if err := e.Queue.Obliterate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("queue %q obliterated\n", args[0])
			return nil
		})
	},
}

func init() { rootCmd.AddCommand(obliterateCmd) }
