package cli

import (
	"context"
	"encoding/json"
	"os"

	"leadflow/internal/services"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run one batch job and print its result as JSON",
}

func jobCommand(use, short string, run func(ctx context.Context, r *services.JobRunner) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := run(cmd.Context(), a.Runner)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func init() {
	jobsCmd.AddCommand(
		jobCommand("process-events", "Consume pending events against active automations", func(ctx context.Context, r *services.JobRunner) (interface{}, error) {
			return r.ProcessEvents(ctx)
		}),
		jobCommand("process-delays", "Resume due delayed action chains", func(ctx context.Context, r *services.JobRunner) (interface{}, error) {
			return r.ProcessDelays(ctx)
		}),
		jobCommand("process-sla", "Redistribute leads whose SLA expired", func(ctx context.Context, r *services.JobRunner) (interface{}, error) {
			return r.ProcessSLA(ctx)
		}),
	)
	rootCmd.AddCommand(jobsCmd)
}
