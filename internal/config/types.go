package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mcphub/internal/hubtype"
)

// Mode selects how the proxy exposes upstream tools to the host.
type Mode string

const (
	// ModePassthrough exposes the union of all upstream tools.
	ModePassthrough Mode = "passthrough"
	// ModeToolSearch exposes only the discover/execute meta-tools backed by
	// the full-text index.
	ModeToolSearch Mode = "tool-search"
)

// ServerEntry is the user-declared configuration for one upstream MCP server.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Preload bool              `json:"preload,omitempty"`
	// IdleTimeout overrides the global idle timeout (seconds) when set.
	IdleTimeout *int `json:"idleTimeout,omitempty"`
	// Persistent servers are never idle-reaped.
	Persistent bool `json:"persistent,omitempty"`
	// Disabled appears in entries imported from host configs. It is not
	// enforced: the loader warns and treats the server as enabled.
	Disabled *bool `json:"disabled,omitempty"`
}

// Validate checks the required fields of a server entry.
func (e ServerEntry) Validate(name string) error {
	if e.Command == "" {
		return fmt.Errorf("%w: server %q has no command", hubtype.ErrConfig, name)
	}
	return nil
}

// PreloadSpec selects which servers are warmed at startup. It decodes from
// either the strings "all"/"none" or an explicit list of server names.
type PreloadSpec struct {
	All   bool
	Names []string
}

// UnmarshalJSON accepts "all", "none", or a JSON array of server names.
func (p *PreloadSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "all":
			*p = PreloadSpec{All: true}
		case "none", "":
			*p = PreloadSpec{}
		default:
			return fmt.Errorf("%w: preload must be \"all\", \"none\" or a list, got %q", hubtype.ErrConfig, s)
		}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("%w: invalid preload value: %v", hubtype.ErrConfig, err)
	}
	*p = PreloadSpec{Names: names}
	return nil
}

// MarshalJSON writes back the same shape the value was declared with, except
// that an empty list is written as "none".
func (p PreloadSpec) MarshalJSON() ([]byte, error) {
	if p.All {
		return json.Marshal("all")
	}
	if len(p.Names) == 0 {
		return json.Marshal("none")
	}
	return json.Marshal(p.Names)
}

// Settings holds the global tuning knobs for the proxy.
type Settings struct {
	// IdleTimeout is the default idle reap window in seconds.
	IdleTimeout int `json:"idleTimeout"`
	// StartupTimeout bounds the child spawn+handshake in milliseconds.
	StartupTimeout int         `json:"startupTimeout"`
	Mode           Mode        `json:"mode"`
	Preload        PreloadSpec `json:"preload"`
	PrefixTools    bool        `json:"prefixTools"`
	CacheDir       string      `json:"cacheDir,omitempty"`
	LogLevel       string      `json:"logLevel,omitempty"`
	// Port is the loopback port for the SSE transport.
	Port int `json:"port,omitempty"`
}

// HubConfig is the top-level configuration document. Unknown keys at the top
// level and inside settings are carried through Load/Save unchanged so that
// other tools can annotate the file without mcphub destroying their data.
type HubConfig struct {
	Settings Settings
	Servers  map[string]ServerEntry

	// ServerOrder preserves the declaration order of the servers object.
	// The tool-name collision policy depends on it.
	ServerOrder []string

	extraTop      map[string]json.RawMessage
	extraSettings map[string]json.RawMessage
}

// OrderedServerNames returns the server names in declaration order. Servers
// added programmatically after load are appended at the end.
func (c *HubConfig) OrderedServerNames() []string {
	seen := make(map[string]bool, len(c.ServerOrder))
	out := make([]string, 0, len(c.Servers))
	for _, name := range c.ServerOrder {
		if _, ok := c.Servers[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	for name := range c.Servers {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// SetServer inserts or replaces a server entry, keeping declaration order.
func (c *HubConfig) SetServer(name string, entry ServerEntry) {
	if c.Servers == nil {
		c.Servers = make(map[string]ServerEntry)
	}
	if _, exists := c.Servers[name]; !exists {
		c.ServerOrder = append(c.ServerOrder, name)
	}
	c.Servers[name] = entry
}

// RemoveServer deletes a server entry. It reports whether the entry existed.
func (c *HubConfig) RemoveServer(name string) bool {
	if _, exists := c.Servers[name]; !exists {
		return false
	}
	delete(c.Servers, name)
	for i, n := range c.ServerOrder {
		if n == name {
			c.ServerOrder = append(c.ServerOrder[:i], c.ServerOrder[i+1:]...)
			break
		}
	}
	return true
}

// EffectiveIdleTimeoutSeconds resolves the idle window for one server.
func (c *HubConfig) EffectiveIdleTimeoutSeconds(name string) int {
	if entry, ok := c.Servers[name]; ok && entry.IdleTimeout != nil {
		return *entry.IdleTimeout
	}
	return c.Settings.IdleTimeout
}
