package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevigo/ci-dispatch/internal/storage"
	"github.com/sevigo/ci-dispatch/internal/wire"
)

var (
	historySHA   string
	historyPull  int
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Lists recorded job results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()

		d, cleanup, err := wire.InitializeDispatch(ctx)
		if err != nil {
			return usageError{fmt.Errorf("failed to initialize: %w", err)}
		}
		defer cleanup()

		records, err := d.Store.ListResults(ctx, storage.ResultFilter{
			Repo:  repo,
			SHA:   historySHA,
			Pull:  historyPull,
			Limit: historyLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to list job results: %w", err)
		}

		if historyJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(records)
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No job results recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tREPOSITORY\tSHA\tCONTEXT\tSTATE\tDESCRIPTION")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.FinishedAt.Format(time.RFC822),
				r.Repo,
				shortSHA(r.SHA),
				r.Context,
				r.State,
				r.Description,
			)
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	historyCmd.Flags().StringVarP(&repo, "repo", "r", "", "Only results of this repository")
	historyCmd.Flags().StringVar(&historySHA, "sha", "", "Only results of this commit")
	historyCmd.Flags().IntVar(&historyPull, "pull", 0, "Only results of this pull request")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of results")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(historyCmd)
}
