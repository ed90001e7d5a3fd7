package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/casafeed/server/internal/domain/reconcile"
)

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run scheduled tasks once",
	}

	daily := &cobra.Command{
		Use:   "daily",
		Short: "Start a run for every enabled agency",
		Long: `Start a scrape for every enabled agency, the same work as POST /cron/daily
and the daily_dispatch periodic job. One agency failing does not stop the
others; the command fails only when no agency could be started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireScraper: true})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.service.DispatchAll(a.withLogger(cmd.Context()))
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), summary, func(w io.Writer) {
				writeDispatchSummary(w, summary)
			}); err != nil {
				return err
			}
			if len(summary.Started) == 0 && len(summary.Failed) > 0 {
				return fmt.Errorf("daily dispatch: all %d agencies failed", len(summary.Failed))
			}
			return nil
		},
	}

	cmd.AddCommand(daily)
	return cmd
}

func writeDispatchSummary(w io.Writer, summary reconcile.DispatchSummary) {
	for _, started := range summary.Started {
		fmt.Fprintf(w, "started  %s run %s\n", started.AgencyID, started.RunID)
	}
	for _, failed := range summary.Failed {
		fmt.Fprintf(w, "failed   %s [%s] %s\n", failed.AgencyID, failed.Category, failed.Error)
	}
	fmt.Fprintf(w, "%d started, %d failed\n", len(summary.Started), len(summary.Failed))
}
