package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over HTTP/SSE on the loopback interface",
		Long: `Starts the proxy with the HTTP/SSE transport instead of stdio. Hosts
connect to http://127.0.0.1:<port>/sse and POST requests to the session
endpoint announced on the stream. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Settings.Port = port
			}
			ctx, stop := signalContext()
			defer stop()
			p, shutdown := newStack(cfg, cmd.Root().Version)
			defer shutdown()
			return p.RunSSE(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: the configured port)")
	return cmd
}
