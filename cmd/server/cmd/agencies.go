package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/casafeed/server/internal/domain/agencies"
)

func newAgenciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agencies",
		Short: "Manage agencies and their scrape parameters",
	}

	var dryRun bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Upsert agencies from the YAML files in --agencies-dir",
		Long: `Read every *.yaml file in --agencies-dir, validate it and upsert the
agencies it defines. Agencies missing from the files are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := agencies.LoadConfigs(agencyDir)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d agency config(s) valid in %s\n", len(configs), agencyDir)
				return nil
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			synced, err := syncAgencies(a.withLogger(cmd.Context()), a.repo.Agencies(), configs)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), synced, func(w io.Writer) {
				fmt.Fprintf(w, "synced %d agency(ies) from %s\n", len(synced), agencyDir)
			})
		},
	}
	sync.Flags().BoolVar(&dryRun, "dry-run", false, "validate files without writing")

	var enabledOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List agencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.repo.Agencies().List(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), list, func(w io.Writer) {
				writeAgencyTable(w, list)
			})
		},
	}
	list.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled agencies")

	cmd.AddCommand(sync, list)
	return cmd
}

// syncAgencies upserts every config and returns the stored agencies.
func syncAgencies(ctx context.Context, repo agencies.Repository, configs []agencies.Config) ([]agencies.Agency, error) {
	out := make([]agencies.Agency, 0, len(configs))
	for _, cfg := range configs {
		params, err := cfg.ToUpsertParams()
		if err != nil {
			return out, err
		}
		agency, err := repo.Upsert(ctx, params)
		if err != nil {
			return out, fmt.Errorf("upsert agency %q: %w", cfg.ID, err)
		}
		out = append(out, *agency)
	}
	return out, nil
}

func writeAgencyTable(w io.Writer, list []agencies.Agency) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOPERATION\tMAX ITEMS\tENABLED")
	for _, agency := range list {
		operation := agency.Operation
		if operation == "" {
			operation = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", agency.ID, agency.Name, operation, agency.MaxItems, agency.Enabled)
	}
	_ = tw.Flush()
}
