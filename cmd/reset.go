package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the cached tool schemas",
		Long: `Removes the schema cache file. The next proxy start (or 'mcphub
generate') rediscovers every server from scratch. The config file is
left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache := openCache(cfg)
			if err := cache.Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache deleted")
			return nil
		},
	}
}
