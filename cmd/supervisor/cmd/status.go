package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andyyyy64/opentiger/internal/app"
	"github.com/andyyyy64/opentiger/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running cycle and task counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *app.Engine) error {
			cycle, err := e.Cycles.Current(ctx)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				fmt.Println("cycle: none running")
			case err != nil:
				return err
			default:
				fmt.Printf("cycle: #%d (%s) started %s\n", cycle.Number, cycle.ID, cycle.StartedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("stats: completed=%d failed=%d cancelled=%d runs=%d tokens=%d\n",
					cycle.Stats.TasksCompleted, cycle.Stats.TasksFailed, cycle.Stats.TasksCancelled,
					cycle.Stats.RunsTotal, cycle.Stats.TotalTokens)
			}
			counts, err := e.Tasks.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("tasks: queued=%d running=%d blocked=%d done=%d failed=%d cancelled=%d\n",
				counts[domain.TaskQueued], counts[domain.TaskRunning], counts[domain.TaskBlocked],
				counts[domain.TaskDone], counts[domain.TaskFailed], counts[domain.TaskCancelled])
			pending, err := e.Queue.PendingCount(ctx)
			if err == nil {
				fmt.Printf("queue: %d pending jobs\n", pending)
			}
			return nil
		})
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
