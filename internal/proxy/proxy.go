// Package proxy exposes the federated upstream servers to the host as one
// MCP server, over stdio or loopback SSE. The tool surface depends on the
// configured mode: passthrough mirrors the cached tool schemas, tool-search
// exposes the discover/execute meta-tools backed by the BM25 index.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"mcphub/internal/childmgr"
	"mcphub/internal/config"
	"mcphub/internal/hubtype"
	"mcphub/internal/schemacache"
	"mcphub/internal/searchindex"
	"mcphub/pkg/logging"
)

const subsystem = "Proxy"

const (
	sseKeepAliveInterval = 15 * time.Second
	sseShutdownGrace     = 5 * time.Second
	preloadSpacing       = 2 * time.Second
)

// Proxy wires the schema cache, the child manager and the search index
// behind a host-facing MCP server.
type Proxy struct {
	cache  *schemacache.Cache
	mgr    *childmgr.Manager
	server *server.MCPServer

	mode   config.Mode
	prefix bool
	port   int

	index atomic.Pointer[searchindex.Index]

	mu          sync.Mutex
	serverNames []string
	registered  []string
}

// New builds the proxy for the given config snapshot. Tools visible to the
// host are installed immediately from whatever the cache already holds;
// servers without cached schemas are discovered in the background once a
// transport runs.
func New(cfg *config.HubConfig, cache *schemacache.Cache, mgr *childmgr.Manager, version string) *Proxy {
	p := &Proxy{
		cache:       cache,
		mgr:         mgr,
		mode:        cfg.Settings.Mode,
		prefix:      cfg.Settings.PrefixTools,
		port:        cfg.Settings.Port,
		serverNames: cfg.OrderedServerNames(),
	}
	p.index.Store(searchindex.Build(nil))
	p.server = server.NewMCPServer(
		"mcphub",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	if p.mode == config.ModeToolSearch {
		p.registerMetaTools()
	}
	p.refresh()
	return p
}

// refresh rebuilds the search index and, in passthrough mode, re-syncs the
// registered tool set with the cache.
func (p *Proxy) refresh() {
	p.index.Store(searchindex.Build(p.cache.OwnedTools()))
	if p.mode == config.ModePassthrough {
		p.syncTools()
	}
}

// discoverMissing fetches schemas for every configured server absent from
// the cache, persists the result and refreshes the host-visible tools.
func (p *Proxy) discoverMissing(ctx context.Context) {
	p.mu.Lock()
	names := append([]string(nil), p.serverNames...)
	p.mu.Unlock()

	changed := false
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if p.cache.HasServer(name) {
			continue
		}
		logging.Info(subsystem, "discovering tools of server %q", name)
		tools, err := p.mgr.DiscoverTools(ctx, name)
		if err != nil {
			logging.Warn(subsystem, "discovery of server %q failed: %v", name, err)
			p.cache.SetServerError(name, err.Error())
			changed = true
			continue
		}
		p.cache.UpdateServer(name, tools)
		changed = true
	}
	if !changed {
		return
	}
	if err := p.cache.Save(); err != nil {
		logging.Warn(subsystem, "persisting cache failed: %v", err)
	}
	p.refresh()
}

// Reload applies a changed configuration: the manager learns the new server
// set, the cache re-derives routing with the new declaration order, and new
// servers get discovered in the background. Mode and prefix changes need a
// restart and are only logged.
func (p *Proxy) Reload(cfg *config.HubConfig) {
	if cfg.Settings.Mode != p.mode {
		logging.Warn(subsystem, "mode changed to %q in config; restart to apply", cfg.Settings.Mode)
	}
	if cfg.Settings.PrefixTools != p.prefix {
		logging.Warn(subsystem, "prefixTools changed in config; restart to apply")
	}

	p.mu.Lock()
	p.serverNames = cfg.OrderedServerNames()
	p.mu.Unlock()

	p.mgr.UpdateConfig(cfg)
	p.cache.SetServerOrder(cfg.OrderedServerNames())
	for _, row := range p.cache.Summary() {
		if _, ok := cfg.Servers[row.Name]; !ok {
			p.cache.RemoveServer(row.Name)
		}
	}
	p.refresh()
	go p.discoverMissing(context.Background())
}

func (p *Proxy) startBackground(ctx context.Context) {
	go p.discoverMissing(ctx)
	go p.mgr.Preload(ctx, preloadSpacing)
}

// RunStdio serves the host over stdin/stdout until EOF or ctx cancellation.
// All logging goes to stderr; stdout carries only protocol frames.
func (p *Proxy) RunStdio(ctx context.Context) error {
	p.startBackground(ctx)
	logging.Info(subsystem, "serving MCP over stdio")

	errCh := make(chan error, 1)
	go func() { errCh <- server.ServeStdio(p.server) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: stdio transport: %v", hubtype.ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// RunSSE binds the loopback SSE listener and serves until ctx cancellation.
// A bind failure is returned to the caller, which treats it as fatal.
func (p *Proxy) RunSSE(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", p.port)
	sse := server.NewSSEServer(
		p.server,
		server.WithBaseURL("http://"+addr),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(sseKeepAliveInterval),
	)

	p.startBackground(ctx)
	logging.Info(subsystem, "serving MCP over SSE on http://%s/sse", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%w: SSE listener on %s: %v", hubtype.ErrTransport, addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sseShutdownGrace)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			logging.Warn(subsystem, "SSE shutdown: %v", err)
		}
		return nil
	}
}
