package config

import (
	"fmt"
	"os"
	"path/filepath"

	"mcphub/internal/hubtype"
)

const (
	// DefaultIdleTimeoutSeconds is the idle reap window for servers without
	// an override.
	DefaultIdleTimeoutSeconds = 300
	// DefaultStartupTimeoutMillis bounds spawn plus initialize handshake.
	DefaultStartupTimeoutMillis = 30000
	// DefaultPort is the loopback port of the SSE transport.
	DefaultPort = 24680

	appDirName = "mcphub"
	// FileName is the config document name inside the app directory.
	FileName = "config.json"
)

// DefaultSettings returns the settings applied when the document omits them.
func DefaultSettings() Settings {
	return Settings{
		IdleTimeout:    DefaultIdleTimeoutSeconds,
		StartupTimeout: DefaultStartupTimeoutMillis,
		Mode:           ModePassthrough,
		Preload:        PreloadSpec{},
		PrefixTools:    false,
		Port:           DefaultPort,
	}
}

// DefaultDir returns the per-user application directory, e.g.
// ~/.config/mcphub on Linux.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve user config dir: %v", hubtype.ErrConfig, err)
	}
	return filepath.Join(base, appDirName), nil
}

// DefaultPath returns the location of the config document.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// CacheDir resolves where the schema cache lives: the configured cacheDir
// when set, the application directory otherwise.
func (c *HubConfig) CacheDir() (string, error) {
	if c.Settings.CacheDir != "" {
		return c.Settings.CacheDir, nil
	}
	return DefaultDir()
}
