package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medlit/medlit/internal/retrieval"
)

func newSearchCmd() *cobra.Command {
	var (
		limit     int
		mode      string
		source    string
		chunks    bool
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the ingested corpus from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			req := retrieval.SearchRequest{
				Query:            strings.Join(args, " "),
				Limit:            limit,
				Mode:             mode,
				QualityThreshold: threshold,
				Filters:          retrieval.SearchFilters{Source: source},
			}
			if chunks {
				req.Return = retrieval.ReturnChunks
			}

			resp, err := a.search.Search(cmd.Context(), req)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().StringVar(&mode, "mode", "", "Search mode: hybrid, vector, or lexical")
	cmd.Flags().StringVar(&source, "source", "", "Restrict to one source")
	cmd.Flags().BoolVar(&chunks, "chunks", false, "Return raw chunks instead of documents")
	cmd.Flags().Float64Var(&threshold, "quality-threshold", 0, "Drop documents below this quality score")
	return cmd
}
