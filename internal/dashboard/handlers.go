package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"mcphub/internal/config"
)

// serverView is one row of the server listing. Env values never leave the
// process; only the key names are reported.
type serverView struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	EnvKeys     []string `json:"envKeys,omitempty"`
	Persistent  bool     `json:"persistent,omitempty"`
	IdleTimeout *int     `json:"idleTimeout,omitempty"`
}

func viewOf(name string, entry config.ServerEntry) serverView {
	keys := make([]string, 0, len(entry.Env))
	for k := range entry.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return serverView{
		Name:        name,
		Command:     entry.Command,
		Args:        entry.Args,
		EnvKeys:     keys,
		Persistent:  entry.Persistent,
		IdleTimeout: entry.IdleTimeout,
	}
}

// handleServers serves GET (list) and POST (add) on /api/servers.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := config.Load(s.configPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "loading config: %v", err)
			return
		}
		views := make([]serverView, 0, len(cfg.Servers))
		for _, name := range cfg.OrderedServerNames() {
			views = append(views, viewOf(name, cfg.Servers[name]))
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
			config.ServerEntry
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "decoding body: %v", err)
			return
		}
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := body.ServerEntry.Validate(body.Name); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		_, err := s.mutate(func(cfg *config.HubConfig) error {
			if _, exists := cfg.Servers[body.Name]; exists {
				return fmt.Errorf("server %q already exists", body.Name)
			}
			cfg.SetServer(body.Name, body.ServerEntry)
			return nil
		})
		if err != nil {
			writeError(w, http.StatusConflict, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(body.Name, body.ServerEntry))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleServerByName serves PUT and DELETE on /api/servers/{name} and PUT
// on /api/servers/{name}/env/{key}.
func (s *Server) handleServerByName(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/servers/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "server name required")
		return
	}
	name := parts[0]

	if len(parts) == 3 && parts[1] == "env" {
		s.handleServerEnv(w, r, name, parts[2])
		return
	}
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var entry config.ServerEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			writeError(w, http.StatusBadRequest, "decoding body: %v", err)
			return
		}
		if err := entry.Validate(name); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		_, err := s.mutate(func(cfg *config.HubConfig) error {
			if _, exists := cfg.Servers[name]; !exists {
				return fmt.Errorf("server %q is not configured", name)
			}
			cfg.SetServer(name, entry)
			return nil
		})
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(name, entry))

	case http.MethodDelete:
		_, err := s.mutate(func(cfg *config.HubConfig) error {
			if !cfg.RemoveServer(name) {
				return fmt.Errorf("server %q is not configured", name)
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServerEnv(w http.ResponseWriter, r *http.Request, name, key string) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decoding body: %v", err)
		return
	}
	_, err := s.mutate(func(cfg *config.HubConfig) error {
		entry, exists := cfg.Servers[name]
		if !exists {
			return fmt.Errorf("server %q is not configured", name)
		}
		if entry.Env == nil {
			entry.Env = make(map[string]string)
		}
		entry.Env[key] = body.Value
		cfg.SetServer(name, entry)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSettings serves PUT /api/settings. The body is a partial settings
// object; absent fields keep their current values.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	cfg, err := s.mutate(func(cfg *config.HubConfig) error {
		updated := cfg.Settings
		if err := json.Unmarshal(raw, &updated); err != nil {
			return fmt.Errorf("decoding settings: %v", err)
		}
		if updated.Mode != config.ModePassthrough && updated.Mode != config.ModeToolSearch {
			return fmt.Errorf("unknown mode %q", updated.Mode)
		}
		if updated.Port <= 0 || updated.Port > 65535 {
			return fmt.Errorf("port %d out of range", updated.Port)
		}
		cfg.Settings = updated
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Settings)
}

// importRequest is the host-style config document accepted by POST
// /api/import, as written by common MCP host applications.
type importRequest struct {
	MCPServers map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
	} `json:"mcpServers"`
}

// handleImport merges servers from a host config document. Entries that
// fail validation are skipped and reported; existing entries with the same
// name are replaced.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding body: %v", err)
		return
	}
	if len(req.MCPServers) == 0 {
		writeError(w, http.StatusBadRequest, "no servers in document")
		return
	}

	var imported, skipped []string
	_, err := s.mutate(func(cfg *config.HubConfig) error {
		names := make([]string, 0, len(req.MCPServers))
		for name := range req.MCPServers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			src := req.MCPServers[name]
			entry := config.ServerEntry{Command: src.Command, Args: src.Args, Env: src.Env}
			if err := entry.Validate(name); err != nil {
				skipped = append(skipped, name)
				continue
			}
			cfg.SetServer(name, entry)
			imported = append(imported, name)
		}
		if len(imported) == 0 {
			return fmt.Errorf("no importable servers in document")
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": imported,
		"skipped":  skipped,
	})
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding body: %v", err)
	}
	return raw, nil
}
