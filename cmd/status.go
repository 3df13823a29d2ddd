package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured servers and the cached schema summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache := openCache(cfg)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode: %s\n", cfg.Settings.Mode)
			if gen := cache.GeneratedAt(); !gen.IsZero() {
				fmt.Fprintf(out, "cache generated: %s\n", gen.Format("2006-01-02 15:04:05 MST"))
			} else {
				fmt.Fprintln(out, "cache generated: never (run 'mcphub generate')")
			}
			fmt.Fprintln(out)

			cached := make(map[string]bool)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tTOOLS\tCACHED AT\tNOTE")
			for _, row := range cache.Summary() {
				cached[row.Name] = true
				note := row.Error
				cachedAt := "-"
				if !row.CachedAt.IsZero() {
					cachedAt = row.CachedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", row.Name, row.ToolCount, cachedAt, note)
			}
			for _, name := range cfg.OrderedServerNames() {
				if !cached[name] {
					fmt.Fprintf(w, "%s\t0\t-\tnot discovered yet\n", name)
				}
			}
			return w.Flush()
		},
	}
}
