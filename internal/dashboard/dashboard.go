// Package dashboard serves the loopback REST API that edits the config
// file. Every mutation rewrites the file atomically and notifies the
// reloader so a running proxy can pick up the change.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcphub/internal/config"
	"mcphub/pkg/logging"
)

const subsystem = "Dashboard"

// DefaultPort is the dashboard listen port.
const DefaultPort = 24681

const shutdownGrace = 5 * time.Second

// Reloader receives the new configuration after a successful mutation.
type Reloader interface {
	Reload(cfg *config.HubConfig)
}

// Server is the dashboard HTTP server. Mutations serialize on mu so two
// concurrent edits cannot interleave their read-modify-write cycles.
type Server struct {
	configPath string
	reloader   Reloader

	mu sync.Mutex
}

// New returns a dashboard server editing the config file at path. reloader
// may be nil when no proxy is running in-process.
func New(configPath string, reloader Reloader) *Server {
	return &Server{configPath: configPath, reloader: reloader}
}

// Handler returns the API routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/servers/", s.handleServerByName)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/import", s.handleImport)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return withRequestID(mux)
}

// Run serves the API on 127.0.0.1:port until ctx is cancelled. A bind
// failure is returned to the caller.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logging.Info(subsystem, "serving dashboard API on http://%s", addr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// withRequestID tags every request with an id so log lines from one edit
// can be correlated.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logging.Debug(subsystem, "[%s] %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// mutate runs fn against the on-disk config under the mutation lock, writes
// the result back and notifies the reloader. fn returning an error aborts
// without writing.
func (s *Server) mutate(fn func(cfg *config.HubConfig) error) (*config.HubConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Save(s.configPath); err != nil {
		return nil, err
	}
	if s.reloader != nil {
		s.reloader.Reload(cfg)
	}
	return cfg, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn(subsystem, "encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
