package cmd

import (
	"github.com/spf13/cobra"

	"mcphub/internal/dashboard"
)

func newDashboardCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the config editing API on the loopback interface",
		Long: `Starts the dashboard HTTP server. The API reads and writes the config
file; a proxy started afterwards picks up the edited configuration.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			path, err := resolvedConfigPath()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return dashboard.New(path, nil).Run(ctx, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", dashboard.DefaultPort, "dashboard listen port")
	return cmd
}
