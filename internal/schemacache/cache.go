// Package schemacache persists the tool schemas discovered from upstream
// servers and derives the in-memory routing table that maps exposed tool
// names to their owning server. Readers are lock-free: every update builds a
// new immutable snapshot and swaps it in atomically.
package schemacache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mcphub/internal/hubtype"
	"mcphub/pkg/logging"
)

const (
	subsystem = "SchemaCache"

	// Version identifies the cache document layout.
	Version = 1
	// FileName is the cache document name inside the cache directory.
	FileName = "cache.json"
	// PrefixSeparator joins server and tool name when prefixing is enabled.
	PrefixSeparator = "__"
)

// ToolSchema is one tool as advertised by an upstream server. InputSchema is
// carried as raw JSON and never re-serialized, so upstream schemas reach the
// host byte-for-byte.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerSchemaCache is the cached tool set of one server.
type ServerSchemaCache struct {
	ServerName string       `json:"serverName"`
	Tools      []ToolSchema `json:"tools"`
	CachedAt   time.Time    `json:"cachedAt"`
}

// FullCache is the persisted document. Errors records the last discovery
// failure per server so that status reporting survives restarts.
type FullCache struct {
	Version     int                          `json:"version"`
	GeneratedAt time.Time                    `json:"generatedAt"`
	Servers     map[string]ServerSchemaCache `json:"servers"`
	Errors      map[string]string            `json:"errors,omitempty"`
}

// OwnedTool pairs a tool schema with its owning server.
type OwnedTool struct {
	Server string
	Tool   ToolSchema
}

// snapshot is an immutable view: the cache document plus the routing table
// and the server order the table was built with. declared keeps the full
// configured declaration order, including servers not cached yet, so later
// rebuilds still resolve collisions by it.
type snapshot struct {
	cache    FullCache
	routing  map[string]string
	order    []string
	declared []string
}

// Cache is the shared schema store. Reads go through an atomic snapshot
// pointer; updates serialize on a single writer mutex.
type Cache struct {
	path string

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New returns an empty cache bound to path. serverOrder is the configured
// declaration order; it decides which server wins a tool-name collision.
func New(path string, serverOrder []string) *Cache {
	c := &Cache{path: path}
	c.snap.Store(buildSnapshot(emptyDoc(), serverOrder))
	return c
}

func emptyDoc() FullCache {
	return FullCache{
		Version: Version,
		Servers: make(map[string]ServerSchemaCache),
		Errors:  make(map[string]string),
	}
}

// Load reads the cache file. A missing file leaves the cache empty and
// returns nil. A corrupt file also leaves the cache empty but returns a
// cache error so the caller can report it; the proxy treats both the same.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", hubtype.ErrCache, c.path, err)
	}
	var doc FullCache
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: corrupt cache %s: %v", hubtype.ErrCache, c.path, err)
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]ServerSchemaCache)
	}
	if doc.Errors == nil {
		doc.Errors = make(map[string]string)
	}
	doc.Version = Version

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(buildSnapshot(doc, c.snap.Load().declared))
	return nil
}

// Save persists the current snapshot atomically: write a sibling temp file,
// then rename it over the destination.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.snap.Load().cache
	doc.GeneratedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding cache: %v", hubtype.ErrCache, err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", hubtype.ErrCache, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", hubtype.ErrCache, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %v", hubtype.ErrCache, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", hubtype.ErrCache, tmpName, err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("%w: renaming into %s: %v", hubtype.ErrCache, c.path, err)
	}

	cur := *c.snap.Load()
	cur.cache.GeneratedAt = doc.GeneratedAt
	c.snap.Store(&cur)
	return nil
}

// Delete removes the cache file and resets the in-memory state.
func (c *Cache) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", hubtype.ErrCache, c.path, err)
	}
	c.snap.Store(buildSnapshot(emptyDoc(), c.snap.Load().declared))
	return nil
}

// UpdateServer replaces one server's tool set, clears any recorded discovery
// error for it and rebuilds the routing table.
func (c *Cache) UpdateServer(name string, tools []ToolSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.cloneDoc()
	doc.Servers[name] = ServerSchemaCache{
		ServerName: name,
		Tools:      tools,
		CachedAt:   time.Now().UTC(),
	}
	delete(doc.Errors, name)
	c.snap.Store(buildSnapshot(doc, c.snap.Load().declared))
}

// SetServerError records a discovery failure for a server and drops its
// stale tools so the host no longer routes to them.
func (c *Cache) SetServerError(name, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.cloneDoc()
	doc.Errors[name] = message
	delete(doc.Servers, name)
	c.snap.Store(buildSnapshot(doc, c.snap.Load().declared))
}

// RemoveServer drops a server's cached tools and error record.
func (c *Cache) RemoveServer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.cloneDoc()
	delete(doc.Servers, name)
	delete(doc.Errors, name)
	c.snap.Store(buildSnapshot(doc, c.snap.Load().declared))
}

// SetServerOrder installs a new declaration order and rebuilds the routing
// table, typically after a config reload.
func (c *Cache) SetServerOrder(order []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(buildSnapshot(c.snap.Load().cache, order))
}

func (c *Cache) cloneDoc() FullCache {
	cur := c.snap.Load().cache
	doc := FullCache{
		Version:     Version,
		GeneratedAt: cur.GeneratedAt,
		Servers:     make(map[string]ServerSchemaCache, len(cur.Servers)),
		Errors:      make(map[string]string, len(cur.Errors)),
	}
	for k, v := range cur.Servers {
		doc.Servers[k] = v
	}
	for k, v := range cur.Errors {
		doc.Errors[k] = v
	}
	return doc
}

// buildSnapshot derives the routing table. Servers are visited in
// declaration order with unknown extras appended alphabetically; the first
// server to declare a tool name owns the route, later declarations log a
// collision warning.
func buildSnapshot(doc FullCache, order []string) *snapshot {
	s := &snapshot{
		cache:    doc,
		routing:  make(map[string]string),
		order:    orderedNames(doc.Servers, order),
		declared: order,
	}
	for _, server := range s.order {
		for _, tool := range doc.Servers[server].Tools {
			if owner, taken := s.routing[tool.Name]; taken {
				logging.Warn(subsystem, "tool %q declared by both %q and %q; routing to %q", tool.Name, owner, server, owner)
				continue
			}
			s.routing[tool.Name] = server
		}
	}
	return s
}

func orderedNames(servers map[string]ServerSchemaCache, order []string) []string {
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(servers))
	for _, name := range order {
		if _, ok := servers[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var extras []string
	for name := range servers {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(out, extras...)
}

// AllTools returns the host-visible tool list. With prefixing every tool is
// exposed as "<server>__<name>"; without it, collided names appear exactly
// once, owned by the first-declared server.
func (c *Cache) AllTools(prefix bool) []ToolSchema {
	s := c.snap.Load()
	var out []ToolSchema
	for _, server := range s.order {
		for _, tool := range s.cache.Servers[server].Tools {
			if prefix {
				tool.Name = server + PrefixSeparator + tool.Name
				out = append(out, tool)
			} else if s.routing[tool.Name] == server {
				out = append(out, tool)
			}
		}
	}
	return out
}

// OwnedTools returns every cached tool with its owning server, in routing
// order. Collided tools are included for each declaring server.
func (c *Cache) OwnedTools() []OwnedTool {
	s := c.snap.Load()
	var out []OwnedTool
	for _, server := range s.order {
		for _, tool := range s.cache.Servers[server].Tools {
			out = append(out, OwnedTool{Server: server, Tool: tool})
		}
	}
	return out
}

// ServerForTool resolves an exposed tool name to its owning server. Prefixed
// names resolve against the named server directly; bare names go through the
// routing table.
func (c *Cache) ServerForTool(exposed string) (string, bool) {
	s := c.snap.Load()
	if server, tool, ok := splitPrefixed(exposed); ok {
		if entry, exists := s.cache.Servers[server]; exists {
			for _, t := range entry.Tools {
				if t.Name == tool {
					return server, true
				}
			}
		}
	}
	server, ok := s.routing[exposed]
	return server, ok
}

// OriginalToolName strips the "<server>__" prefix from an exposed name when
// prefixing is enabled and the prefix names a cached server.
func (c *Cache) OriginalToolName(exposed string, prefix bool) string {
	if !prefix {
		return exposed
	}
	server, tool, ok := splitPrefixed(exposed)
	if !ok {
		return exposed
	}
	if _, exists := c.snap.Load().cache.Servers[server]; !exists {
		return exposed
	}
	return tool
}

func splitPrefixed(exposed string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(exposed, PrefixSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// GetTool returns one server's schema for a tool by its original name.
func (c *Cache) GetTool(server, tool string) (ToolSchema, bool) {
	s := c.snap.Load()
	entry, ok := s.cache.Servers[server]
	if !ok {
		return ToolSchema{}, false
	}
	for _, t := range entry.Tools {
		if t.Name == tool {
			return t, true
		}
	}
	return ToolSchema{}, false
}

// ToolOwners lists every server declaring a tool with the given original
// name, in routing order.
func (c *Cache) ToolOwners(tool string) []string {
	s := c.snap.Load()
	var out []string
	for _, server := range s.order {
		for _, t := range s.cache.Servers[server].Tools {
			if t.Name == tool {
				out = append(out, server)
				break
			}
		}
	}
	return out
}

// HasServer reports whether schemas for a server are cached.
func (c *Cache) HasServer(name string) bool {
	_, ok := c.snap.Load().cache.Servers[name]
	return ok
}

// ServerError returns the recorded discovery failure for a server, if any.
func (c *Cache) ServerError(name string) (string, bool) {
	msg, ok := c.snap.Load().cache.Errors[name]
	return msg, ok
}

// GeneratedAt reports when the cache document was last persisted. The zero
// time means it never was.
func (c *Cache) GeneratedAt() time.Time {
	return c.snap.Load().cache.GeneratedAt
}

// ServerSummary is one row of the status report.
type ServerSummary struct {
	Name      string
	ToolCount int
	CachedAt  time.Time
	Error     string
}

// Summary describes every server the cache knows about, including servers
// present only through a recorded error.
func (c *Cache) Summary() []ServerSummary {
	s := c.snap.Load()
	out := make([]ServerSummary, 0, len(s.cache.Servers)+len(s.cache.Errors))
	for _, server := range s.order {
		entry := s.cache.Servers[server]
		out = append(out, ServerSummary{
			Name:      server,
			ToolCount: len(entry.Tools),
			CachedAt:  entry.CachedAt,
			Error:     s.cache.Errors[server],
		})
	}
	var failed []string
	for server := range s.cache.Errors {
		if _, cached := s.cache.Servers[server]; !cached {
			failed = append(failed, server)
		}
	}
	sort.Strings(failed)
	for _, server := range failed {
		out = append(out, ServerSummary{Name: server, Error: s.cache.Errors[server]})
	}
	return out
}
