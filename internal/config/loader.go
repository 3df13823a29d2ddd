package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mcphub/internal/hubtype"
	"mcphub/pkg/logging"
)

const subsystem = "Config"

// Load reads the configuration document at path. A missing file is replaced
// by a freshly written defaulted one. Environment overrides
// (MCP_ON_DEMAND_MODE, MCP_ON_DEMAND_PRELOAD, MCP_ON_DEMAND_DEBUG) are
// applied after decoding and never written back.
func Load(path string) (*HubConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefault()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		logging.Info(subsystem, "created default config at %s", path)
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", hubtype.ErrConfig, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// NewDefault returns a config with default settings and no servers.
func NewDefault() *HubConfig {
	return &HubConfig{
		Settings: DefaultSettings(),
		Servers:  make(map[string]ServerEntry),
	}
}

// Parse decodes a configuration document. Unknown keys at the top level and
// inside settings are retained for write-back, and the declaration order of
// the servers object is captured because the tool-name collision policy
// depends on it.
func Parse(data []byte) (*HubConfig, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", hubtype.ErrConfig, err)
	}

	cfg := NewDefault()
	cfg.extraTop = make(map[string]json.RawMessage)
	for key, raw := range top {
		switch key {
		case "settings", "servers":
		default:
			cfg.extraTop[key] = raw
		}
	}

	if raw, ok := top["settings"]; ok {
		if err := json.Unmarshal(raw, &cfg.Settings); err != nil {
			return nil, fmt.Errorf("%w: invalid settings: %v", hubtype.ErrConfig, err)
		}
		var all map[string]json.RawMessage
		if err := json.Unmarshal(raw, &all); err == nil {
			cfg.extraSettings = make(map[string]json.RawMessage)
			for key, v := range all {
				if !knownSettingsKeys[key] {
					cfg.extraSettings[key] = v
				}
			}
		}
	}

	if raw, ok := top["servers"]; ok {
		if err := json.Unmarshal(raw, &cfg.Servers); err != nil {
			return nil, fmt.Errorf("%w: invalid servers: %v", hubtype.ErrConfig, err)
		}
		order, err := objectKeyOrder(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid servers: %v", hubtype.ErrConfig, err)
		}
		cfg.ServerOrder = order
	}

	for _, name := range cfg.OrderedServerNames() {
		entry := cfg.Servers[name]
		if err := entry.Validate(name); err != nil {
			return nil, err
		}
		if entry.Disabled != nil && *entry.Disabled {
			logging.Warn(subsystem, "server %q is marked disabled; mcphub does not enforce this and treats it as enabled", name)
		}
	}
	return cfg, nil
}

var knownSettingsKeys = map[string]bool{
	"idleTimeout":    true,
	"startupTimeout": true,
	"mode":           true,
	"preload":        true,
	"prefixTools":    true,
	"cacheDir":       true,
	"logLevel":       true,
	"port":           true,
}

// objectKeyOrder returns the keys of a JSON object in document order.
func objectKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}
	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("expected an object key")
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
		order = append(order, key)
	}
	return order, nil
}

func applyEnvOverrides(cfg *HubConfig) {
	if v := os.Getenv("MCP_ON_DEMAND_MODE"); v != "" {
		switch Mode(v) {
		case ModePassthrough, ModeToolSearch:
			cfg.Settings.Mode = Mode(v)
		case "discover":
			// Legacy alias.
			cfg.Settings.Mode = ModeToolSearch
		default:
			logging.Warn(subsystem, "ignoring MCP_ON_DEMAND_MODE=%q: unknown mode", v)
		}
	}
	if v, ok := os.LookupEnv("MCP_ON_DEMAND_PRELOAD"); ok {
		switch v {
		case "all":
			cfg.Settings.Preload = PreloadSpec{All: true}
		case "none", "":
			cfg.Settings.Preload = PreloadSpec{}
		default:
			var names []string
			for _, n := range strings.Split(v, ",") {
				if n = strings.TrimSpace(n); n != "" {
					names = append(names, n)
				}
			}
			cfg.Settings.Preload = PreloadSpec{Names: names}
		}
	}
	if os.Getenv("MCP_ON_DEMAND_DEBUG") == "1" {
		cfg.Settings.LogLevel = "debug"
	}
}

// Save writes the document atomically: marshal to a temp file in the target
// directory, then rename over the destination. Unknown keys captured at load
// time are written back untouched. The file is 0600 because server env
// blocks may hold credentials.
func (c *HubConfig) Save(path string) error {
	data, err := c.encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", hubtype.ErrConfig, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", hubtype.ErrConfig, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %v", hubtype.ErrConfig, tmpName, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %s: %v", hubtype.ErrConfig, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", hubtype.ErrConfig, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: renaming into %s: %v", hubtype.ErrConfig, path, err)
	}
	return nil
}

func (c *HubConfig) encode() ([]byte, error) {
	settingsRaw, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding settings: %v", hubtype.ErrConfig, err)
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(settingsRaw, &settings); err != nil {
		return nil, fmt.Errorf("%w: encoding settings: %v", hubtype.ErrConfig, err)
	}
	for key, v := range c.extraSettings {
		if _, ok := settings[key]; !ok {
			settings[key] = v
		}
	}

	servers, err := c.serversJSON()
	if err != nil {
		return nil, err
	}

	doc := make(map[string]json.RawMessage, len(c.extraTop)+2)
	for key, v := range c.extraTop {
		doc[key] = v
	}
	if doc["settings"], err = json.Marshal(settings); err != nil {
		return nil, fmt.Errorf("%w: encoding settings: %v", hubtype.ErrConfig, err)
	}
	doc["servers"] = servers

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding config: %v", hubtype.ErrConfig, err)
	}
	return out, nil
}

// serversJSON builds the servers object by hand so that declaration order
// survives the round trip.
func (c *HubConfig) serversJSON() (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range c.OrderedServerNames() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding server name %q: %v", hubtype.ErrConfig, name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		entry, err := json.Marshal(c.Servers[name])
		if err != nil {
			return nil, fmt.Errorf("%w: encoding server %q: %v", hubtype.ErrConfig, name, err)
		}
		buf.Write(entry)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
