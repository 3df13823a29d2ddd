package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcphub/internal/childmgr"
	"mcphub/pkg/logging"
)

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Discover tool schemas from every configured server and cache them",
		Long: `Spawns each configured server once, fetches its tool list, writes the
schemas to the cache file and stops the server again. Run this after
editing the config so the proxy can expose tools without waiting for
background discovery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache := openCache(cfg)
			mgr := childmgr.New(cfg)
			defer mgr.ShutdownAll()

			ctx, stop := signalContext()
			defer stop()

			failed := 0
			for _, name := range cfg.OrderedServerNames() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				tools, err := mgr.DiscoverTools(ctx, name)
				if err != nil {
					logging.Warn("CLI", "discovery of server %q failed: %v", name, err)
					cache.SetServerError(name, err.Error())
					failed++
					continue
				}
				cache.UpdateServer(name, tools)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tools\n", name, len(tools))
				if err := mgr.StopServer(ctx, name); err != nil {
					logging.Warn("CLI", "stopping server %q: %v", name, err)
				}
			}
			if err := cache.Save(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("discovery failed for %d of %d servers", failed, len(cfg.OrderedServerNames()))
			}
			return nil
		},
	}
}
