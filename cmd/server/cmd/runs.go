package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/domain/runs"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Start, reconcile and inspect scrape runs",
	}

	start := &cobra.Command{
		Use:   "start <agency-id>",
		Short: "Dispatch a scrape for one agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireScraper: true})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service.StartRun(a.withLogger(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "run %s started for %s (dispatch %s)\n", result.RunID, result.AgencyID, result.DispatchID)
			})
		},
	}

	var wait bool
	var timeout time.Duration
	reconcileCmd := &cobra.Command{
		Use:   "reconcile <dispatch-id>",
		Short: "Apply the batch of a finished scrape",
		Long: `Reconcile the batch of a finished scrape, as the webhook would. With
--wait the command polls Apify until the scrape finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireScraper: true, awaitBatches: wait})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.withLogger(cmd.Context())
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			outcome, err := a.service.HandleCompletionEvent(ctx, args[0])
			if err != nil && !outcome.Processed {
				return err
			}
			if perr := printOutcome(cmd.OutOrStdout(), args[0], outcome); perr != nil {
				return perr
			}
			return err
		},
	}
	reconcileCmd.Flags().BoolVar(&wait, "wait", false, "poll until the scrape finishes")
	reconcileCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Re-check stale open runs and fail the expired ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireScraper: true})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.service.SweepStale(a.withLogger(cmd.Context()))
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "checked %d, reconciled %d, failed %d, still pending %d\n",
					summary.Checked, summary.Reconciled, summary.Failed, summary.Pending)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.service.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), run, func(w io.Writer) {
				writeRunTable(w, []runs.Run{*run})
			})
		},
	}

	var state string
	var limit int
	list := &cobra.Command{
		Use:   "list <agency-id>",
		Short: "List an agency's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.service.AgencyRuns(cmd.Context(), runs.ListParams{
				AgencyID: args[0],
				State:    runs.State(state),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), list, func(w io.Writer) {
				writeRunTable(w, list)
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "filter by state (pending, running, succeeded, failed)")
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs to print")

	cmd.AddCommand(start, reconcileCmd, sweep, show, list)
	return cmd
}

func printOutcome(out io.Writer, dispatchID string, outcome reconcile.Outcome) error {
	return printResult(out, outcome, func(w io.Writer) {
		if outcome.Run == nil {
			fmt.Fprintf(w, "dispatch %s: %s\n", dispatchID, outcome.Reason)
			return
		}
		fmt.Fprintf(w, "dispatch %s: %s (run %s %s, %d items, %d new)\n",
			dispatchID, outcome.Reason, outcome.Run.ID, outcome.Run.State, outcome.Run.TotalItems, outcome.Run.NewItems)
	})
}

func writeRunTable(w io.Writer, list []runs.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENCY\tSTATE\tITEMS\tNEW\tCREATED\tCOMPLETED")
	for _, run := range list {
		completed := "-"
		if run.CompletedAt != nil {
			completed = run.CompletedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			run.ID, run.AgencyID, run.State, run.TotalItems, run.NewItems,
			run.CreatedAt.UTC().Format(time.RFC3339), completed)
	}
	_ = tw.Flush()
}
