package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medlit/medlit/internal/pubmed"
)

func newSyncCmd() *cobra.Command {
	var source string
	var term string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync and exit",
		Long: `Fetches records entered since the stored watermark (minus the
overlap window), ingests them, and advances the watermark. Intended
for cron-style operation; the serve command runs syncs as jobs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if term == "" {
				term = a.cfg.Sync.Term
			}
			if term == "" {
				return fmt.Errorf("--term is required (or set sync.term)")
			}

			result, err := a.syncer.Sync(cmd.Context(), source, term,
				func(_ float64, message string) {
					fmt.Fprintln(os.Stderr, message)
				})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", pubmed.SourceName, "Source to sync")
	cmd.Flags().StringVar(&term, "term", "", "Source query term to sync")
	return cmd
}
