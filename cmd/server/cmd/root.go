package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	agencyDir  string
	jsonOutput bool
)

// newRootCommand builds the full command tree. Tests build their own copy to
// avoid sharing flag state.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "server",
		Short: "casafeed server - agency listing scrapes and catalog reconciliation",
		Long: `casafeed dispatches per-agency listing scrapes to Apify and reconciles the
results into a shared listing catalog.

Each agency owns the listings it discovered first. A run counts a listing as
new only when that run created the agency's ownership link, so duplicate or
replayed webhook deliveries never inflate the counts.`,
		SilenceUsage: true,
		// serve is the default command
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), serveOptions{})
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")
	root.PersistentFlags().StringVar(&agencyDir, "agencies-dir", "configs/agencies", "directory holding agency YAML files")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print command results as JSON")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newAgenciesCommand(),
		newRunsCommand(),
		newCronCommand(),
		newVersionCommand(),
		newHealthcheckCommand(),
	)
	return root
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
