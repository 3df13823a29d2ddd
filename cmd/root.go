package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"mcphub/internal/childmgr"
	"mcphub/internal/config"
	"mcphub/internal/proxy"
	"mcphub/internal/schemacache"
	"mcphub/pkg/logging"
)

var (
	configPath string
	debug      bool
)

// rootCmd represents the base command. Without a subcommand it starts the
// proxy on stdio, which is how MCP hosts launch it.
var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Aggregate multiple MCP servers behind one endpoint",
	Long: `mcphub exposes a set of configured MCP servers to an editor or agent as a
single MCP server. Upstream servers are spawned on demand, their tool
schemas are cached on disk, and idle children are stopped automatically.

Run without arguments to serve MCP over stdio (the usual host setup), or
use 'mcphub serve' for the HTTP/SSE transport.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		p, shutdown := newStack(cfg, cmd.Root().Version)
		defer shutdown()
		return p.RunStdio(ctx)
	},
}

// SetVersion sets the version reported by the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcphub version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default: the user config directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newDashboardCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig reads the config file, creating a defaulted one when missing,
// and initializes logging from it. The --debug flag overrides the level.
func loadConfig() (*config.HubConfig, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Settings.LogLevel
	if debug {
		level = "debug"
	}
	logging.Init(logging.ParseLevel(level), os.Stderr)
	return cfg, nil
}

// resolvedConfigPath mirrors loadConfig's path choice for commands that
// need to tell other components where the file lives.
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

func cachePath(cfg *config.HubConfig) (string, error) {
	dir, err := cfg.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, schemacache.FileName), nil
}

// newStack wires cache, child manager and proxy from a loaded config. Cache
// read errors degrade to an empty cache; discovery repopulates it. The
// returned shutdown func stops all upstream children.
func newStack(cfg *config.HubConfig, version string) (*proxy.Proxy, func()) {
	cache := openCache(cfg)
	mgr := childmgr.New(cfg)
	return proxy.New(cfg, cache, mgr, version), mgr.ShutdownAll
}

func openCache(cfg *config.HubConfig) *schemacache.Cache {
	path, err := cachePath(cfg)
	if err != nil {
		logging.Warn("CLI", "resolving cache directory: %v; starting with an empty cache", err)
		return schemacache.New(schemacache.FileName, cfg.OrderedServerNames())
	}
	cache := schemacache.New(path, cfg.OrderedServerNames())
	if err := cache.Load(); err != nil {
		logging.Warn("CLI", "loading cache: %v; starting empty", err)
	}
	return cache
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
