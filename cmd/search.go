package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mcphub/internal/searchindex"
)

func newSearchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Query the cached tool schemas offline",
		Long: `Runs a ranked search over the cached tool schemas without starting any
server. Useful to check what the discover tool would return for a query.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache := openCache(cfg)
			index := searchindex.Build(cache.OwnedTools())
			if index.Size() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "cache is empty; run 'mcphub generate' first")
				return nil
			}

			query := strings.Join(args, " ")
			hits := index.Query(query, limit)
			if len(hits) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no tools match %q\n", query)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tSERVER\tTOOL\tDESCRIPTION")
			for _, hit := range hits {
				fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\n", hit.Score, hit.Server, hit.Tool.Name, hit.Tool.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	return cmd
}
