package app

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/QuagHien/translator-v3/translator/db"

	"github.com/spf13/cobra"
)

// RunsOptions holds options for the runs command
type RunsOptions struct {
	*GlobalOptions

	// Limit caps the number of runs listed
	Limit int
}

// NewRunsCommand creates the runs command, which lists past fine-tuning runs
// recorded in the local registry.
func NewRunsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded fine-tuning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := db.NewRunsProvider()
			if err != nil {
				return err
			}
			defer registry.Close()

			runs, err := registry.ListRuns(opts.Limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tSTEPS\tLOSS\tOUTPUT")
			for _, r := range runs {
				loss := "-"
				if r.TrainLoss.Valid {
					loss = fmt.Sprintf("%.4f", r.TrainLoss.Float64)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID.String()[:8],
					r.Status,
					r.StartedAt.Format(time.RFC3339),
					r.GlobalStep,
					loss,
					r.OutputDir)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list")
	return cmd
}
