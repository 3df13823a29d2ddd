// Package childmgr owns the lifecycle of upstream child processes: lazy
// spawn on first use, coalescing of concurrent starts, idle reaping,
// explicit stops and full shutdown. Callers never touch a child directly;
// they ask for a ready client and the manager does the rest.
package childmgr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/config"
	"mcphub/internal/hubtype"
	"mcphub/internal/schemacache"
	"mcphub/internal/upstream"
	"mcphub/pkg/logging"
)

const subsystem = "ChildManager"

// shutdownGrace bounds how long ShutdownAll waits for one child to close.
const shutdownGrace = 2 * time.Second

// State is the lifecycle state of one managed server.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

type startResult struct {
	client *upstream.Client
	err    error
}

// managedServer is the runtime record for one configured upstream. All
// fields are guarded by the manager mutex; the starting channel is closed
// exactly once when an in-flight spawn settles.
type managedServer struct {
	name         string
	entry        config.ServerEntry
	state        State
	client       *upstream.Client
	lastActivity time.Time
	idleTimer    *time.Timer
	starting     chan struct{}
	start        *startResult
	lastErr      error
}

// Manager tracks every configured server and serializes its state changes.
type Manager struct {
	mu             sync.Mutex
	servers        map[string]*managedServer
	order          []string
	globalIdle     int
	startupTimeout time.Duration
	callTimeout    time.Duration
	preload        config.PreloadSpec
	closed         bool
}

// New builds a manager with every configured server in the stopped state.
func New(cfg *config.HubConfig) *Manager {
	m := &Manager{
		servers:        make(map[string]*managedServer, len(cfg.Servers)),
		order:          cfg.OrderedServerNames(),
		globalIdle:     cfg.Settings.IdleTimeout,
		startupTimeout: time.Duration(cfg.Settings.StartupTimeout) * time.Millisecond,
		callTimeout:    upstream.DefaultCallTimeout,
		preload:        cfg.Settings.Preload,
	}
	for name, entry := range cfg.Servers {
		m.servers[name] = &managedServer{name: name, entry: entry, state: StateStopped}
	}
	return m
}

// GetClient returns a ready client for the named server, spawning the child
// if needed. Concurrent callers for the same stopped server share a single
// spawn. ctx only bounds this caller's wait; an in-flight spawn keeps going
// for the benefit of later callers.
func (m *Manager) GetClient(ctx context.Context, name string) (*upstream.Client, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: manager is shut down", hubtype.ErrTransport)
		}
		s, ok := m.servers[name]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: server %q is not configured", hubtype.ErrConfig, name)
		}

		switch s.state {
		case StateRunning:
			client := s.client
			m.mu.Unlock()
			return client, nil

		case StateStarting:
			ch := s.starting
			m.mu.Unlock()
			client, err, settled := m.awaitStart(ctx, s, ch)
			if !settled {
				return nil, err
			}
			if err != nil {
				return nil, err
			}
			if client != nil {
				return client, nil
			}
			// The start settled without a usable result; retry from scratch.

		default: // StateStopped, StateError
			ch := make(chan struct{})
			s.state = StateStarting
			s.starting = ch
			s.start = nil
			entry := s.entry
			m.mu.Unlock()
			go m.runStart(name, entry, ch)
			client, err, settled := m.awaitStart(ctx, s, ch)
			if !settled {
				return nil, err
			}
			if err != nil {
				return nil, err
			}
			if client != nil {
				return client, nil
			}
		}
	}
}

// awaitStart blocks until the spawn settles or ctx expires. settled is
// false only when the caller gave up waiting.
func (m *Manager) awaitStart(ctx context.Context, s *managedServer, ch chan struct{}) (*upstream.Client, error, bool) {
	select {
	case <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for server %q: %v", hubtype.ErrTransport, s.name, ctx.Err()), false
	}
	m.mu.Lock()
	res := s.start
	m.mu.Unlock()
	if res == nil {
		return nil, nil, true
	}
	return res.client, res.err, true
}

// runStart performs the spawn and handshake off the caller's goroutine and
// publishes the result to every coalesced waiter.
func (m *Manager) runStart(name string, entry config.ServerEntry, ch chan struct{}) {
	defer close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), m.startupTimeout)
	defer cancel()

	logging.Info(subsystem, "starting server %q", name)
	client, err := upstream.Start(ctx, name, entry, m.callTimeout)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: server %q startup timeout after %s", hubtype.ErrStartup, name, m.startupTimeout)
	}

	m.mu.Lock()
	s := m.servers[name]
	if s == nil || m.closed || s.starting != ch {
		// The server was removed or the manager shut down mid-start.
		if s != nil && s.starting == ch {
			s.state = StateStopped
			s.starting = nil
			s.start = &startResult{err: fmt.Errorf("%w: server %q went away during startup", hubtype.ErrTransport, name)}
		}
		m.mu.Unlock()
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		s.state = StateError
		s.client = nil
		s.lastErr = err
		s.start = &startResult{err: err}
		logging.Error(subsystem, err, "server %q failed to start", name)
	} else {
		s.state = StateRunning
		s.client = client
		s.lastErr = nil
		s.lastActivity = time.Now()
		s.start = &startResult{client: client}
		m.armIdleTimerLocked(s)
		logging.Info(subsystem, "server %q is running", name)
	}
	s.starting = nil
	m.mu.Unlock()
}

// DiscoverTools starts the server if needed and lists its tools.
func (m *Manager) DiscoverTools(ctx context.Context, name string) ([]schemacache.ToolSchema, error) {
	client, err := m.GetClient(ctx, name)
	if err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	m.noteActivity(name, client, err)
	return tools, err
}

// CallTool forwards one invocation through the server's client, starting
// the child first when necessary. Activity bookkeeping resets the idle
// timer on success and drops the child on transport failure.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	client, err := m.GetClient(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err := client.CallTool(ctx, tool, args)
	m.noteActivity(name, client, err)
	return res, err
}

func (m *Manager) noteActivity(name string, client *upstream.Client, callErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.servers[name]
	if s == nil || s.client != client {
		return
	}
	if callErr != nil && errors.Is(callErr, hubtype.ErrTransport) {
		s.state = StateStopped
		s.client = nil
		stopTimerLocked(s)
		go client.Close()
		logging.Warn(subsystem, "server %q transport closed, marking stopped", name)
		return
	}
	s.lastActivity = time.Now()
	m.armIdleTimerLocked(s)
}

func (m *Manager) effectiveIdle(s *managedServer) time.Duration {
	seconds := m.globalIdle
	if s.entry.IdleTimeout != nil {
		seconds = *s.entry.IdleTimeout
	}
	return time.Duration(seconds) * time.Second
}

// armIdleTimerLocked resets the one-shot reap timer. Persistent servers are
// never armed.
func (m *Manager) armIdleTimerLocked(s *managedServer) {
	stopTimerLocked(s)
	if s.entry.Persistent {
		return
	}
	idle := m.effectiveIdle(s)
	if idle <= 0 {
		return
	}
	name := s.name
	s.idleTimer = time.AfterFunc(idle, func() { m.reap(name) })
}

func stopTimerLocked(s *managedServer) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (m *Manager) reap(name string) {
	m.mu.Lock()
	s := m.servers[name]
	if s == nil || s.state != StateRunning || s.entry.Persistent {
		m.mu.Unlock()
		return
	}
	idle := m.effectiveIdle(s)
	if since := time.Since(s.lastActivity); since < idle {
		// Activity after the timer fired; push the reap out.
		s.idleTimer = time.AfterFunc(idle-since, func() { m.reap(name) })
		m.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.state = StateStopped
	s.idleTimer = nil
	m.mu.Unlock()

	logging.Info(subsystem, "server %q idle for %s, stopping", name, idle)
	if client != nil {
		client.Close()
	}
}

// StopServer gracefully closes the named server's client. A server mid-start
// is stopped once its spawn settles.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		s := m.servers[name]
		if s == nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: server %q is not configured", hubtype.ErrConfig, name)
		}
		switch s.state {
		case StateStarting:
			ch := s.starting
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return fmt.Errorf("%w: waiting for server %q: %v", hubtype.ErrTransport, name, ctx.Err())
			}
		case StateRunning:
			client := s.client
			s.client = nil
			s.state = StateStopped
			stopTimerLocked(s)
			m.mu.Unlock()
			logging.Info(subsystem, "stopping server %q", name)
			if client != nil {
				return client.Close()
			}
			return nil
		default:
			m.mu.Unlock()
			return nil
		}
	}
}

// ShutdownAll stops every running child in parallel, waiting up to the
// shutdown grace per child. Further GetClient calls fail.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	m.closed = true
	var clients []*upstream.Client
	for _, s := range m.servers {
		stopTimerLocked(s)
		if s.state == StateRunning && s.client != nil {
			clients = append(clients, s.client)
		}
		s.client = nil
		s.state = StateStopped
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *upstream.Client) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				c.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				logging.Warn(subsystem, "server %q did not stop within %s", c.Server(), shutdownGrace)
			}
		}(client)
	}
	wg.Wait()
}

// Preload warms the servers selected by the preload setting, sequentially
// with the given spacing between starts. Failures are logged and skipped.
func (m *Manager) Preload(ctx context.Context, spacing time.Duration) {
	names := m.preloadNames()
	for i, name := range names {
		if i > 0 && spacing > 0 {
			select {
			case <-time.After(spacing):
			case <-ctx.Done():
				return
			}
		}
		if _, err := m.GetClient(ctx, name); err != nil {
			logging.Warn(subsystem, "preload of server %q failed: %v", name, err)
		}
	}
}

func (m *Manager) preloadNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preload.All {
		return append([]string(nil), m.order...)
	}
	var names []string
	for _, name := range m.preload.Names {
		if _, ok := m.servers[name]; ok {
			names = append(names, name)
		} else {
			logging.Warn(subsystem, "preload names unknown server %q, skipping", name)
		}
	}
	return names
}

// RunningCount reports how many children are currently running.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.servers {
		if s.state == StateRunning {
			count++
		}
	}
	return count
}

// ServerStatus is one introspection row.
type ServerStatus struct {
	Name         string
	State        State
	Persistent   bool
	LastActivity time.Time
	Err          string
}

// Status reports every managed server in configured order.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, name := range m.order {
		s, ok := m.servers[name]
		if !ok {
			continue
		}
		row := ServerStatus{
			Name:         name,
			State:        s.state,
			Persistent:   s.entry.Persistent,
			LastActivity: s.lastActivity,
		}
		if s.lastErr != nil {
			row.Err = s.lastErr.Error()
		}
		out = append(out, row)
	}
	return out
}

// UpdateConfig applies a reloaded configuration: new servers appear stopped,
// removed servers are closed and forgotten, and changed entries take effect
// on the server's next start (a running child with a changed entry is
// stopped so the next call respawns it fresh).
func (m *Manager) UpdateConfig(cfg *config.HubConfig) {
	m.mu.Lock()
	m.globalIdle = cfg.Settings.IdleTimeout
	m.startupTimeout = time.Duration(cfg.Settings.StartupTimeout) * time.Millisecond
	m.preload = cfg.Settings.Preload
	m.order = cfg.OrderedServerNames()

	var toClose []*upstream.Client
	for name, entry := range cfg.Servers {
		s, ok := m.servers[name]
		if !ok {
			m.servers[name] = &managedServer{name: name, entry: entry, state: StateStopped}
			continue
		}
		if reflect.DeepEqual(s.entry, entry) {
			continue
		}
		s.entry = entry
		if s.state == StateRunning && s.client != nil {
			toClose = append(toClose, s.client)
			s.client = nil
			s.state = StateStopped
			stopTimerLocked(s)
			logging.Info(subsystem, "server %q config changed, stopping for respawn", name)
		}
	}
	for name, s := range m.servers {
		if _, ok := cfg.Servers[name]; ok {
			continue
		}
		if s.client != nil {
			toClose = append(toClose, s.client)
		}
		stopTimerLocked(s)
		delete(m.servers, name)
		logging.Info(subsystem, "server %q removed from config", name)
	}
	m.mu.Unlock()

	for _, client := range toClose {
		go client.Close()
	}
}
