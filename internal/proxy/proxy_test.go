package proxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/childmgr"
	"mcphub/internal/config"
	"mcphub/internal/schemacache"
	"mcphub/internal/testutil"
)

func TestMain(m *testing.M) {
	if testutil.IsMockChild() {
		testutil.RunMockChild()
		return
	}
	os.Exit(m.Run())
}

func mockSchemas() []schemacache.ToolSchema {
	return []schemacache.ToolSchema{
		{Name: "ping", Description: "Echo the message back", InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}}}`)},
		{Name: "add", Description: "Add two integers", InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`)},
		{Name: "boom", Description: "Always fails", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func newTestProxy(t *testing.T, mutate func(*config.HubConfig)) (*Proxy, *schemacache.Cache) {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Settings.StartupTimeout = 10000
	cfg.SetServer("mock", testutil.ChildEntry(testutil.BehaviorOK))
	if mutate != nil {
		mutate(cfg)
	}

	cache := schemacache.New(filepath.Join(t.TempDir(), schemacache.FileName), cfg.OrderedServerNames())
	cache.UpdateServer("mock", mockSchemas())

	mgr := childmgr.New(cfg)
	t.Cleanup(mgr.ShutdownAll)

	return New(cfg, cache, mgr, "test"), cache
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestPassthroughCallRoutes(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	res, err := p.handlePassthroughCall(context.Background(), callReq("ping", map[string]any{"msg": "hello"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", resultText(t, res))
}

func TestPassthroughUnknownTool(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	res, err := p.handlePassthroughCall(context.Background(), callReq("ghost", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unknown tool")
}

func TestPassthroughUpstreamErrorIsToolResult(t *testing.T) {
	p, _ := newTestProxy(t, nil)

	res, err := p.handlePassthroughCall(context.Background(), callReq("boom", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "boom")
}

func TestPassthroughPrefixedName(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.PrefixTools = true
	})

	res, err := p.handlePassthroughCall(context.Background(), callReq("mock__ping", map[string]any{"msg": "pre"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "pre", resultText(t, res))
}

func TestSyncToolsTracksCache(t *testing.T) {
	p, cache := newTestProxy(t, nil)
	assert.Len(t, p.registered, 3)

	cache.UpdateServer("mock", mockSchemas()[:1])
	p.refresh()
	assert.Equal(t, []string{"ping"}, p.registered)

	cache.RemoveServer("mock")
	p.refresh()
	assert.Empty(t, p.registered)
}

func TestToolSearchModeRegistersNoPassthroughTools(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})
	assert.Empty(t, p.registered)
	assert.Equal(t, 3, p.index.Load().Size())
}

func TestDiscoverEmptyQueryReturnsHelp(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	for _, args := range []map[string]any{nil, {"query": ""}, {"query": "   "}} {
		res, err := p.handleDiscover(context.Background(), callReq("discover", args))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), "execute")
	}
}

func TestDiscoverReturnsRankedResults(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	res, err := p.handleDiscover(context.Background(), callReq("discover", map[string]any{"query": "add integers"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var resp discoverResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "add", resp.Results[0].Name)
	assert.Equal(t, "mock", resp.Results[0].Server)
	assert.NotEmpty(t, resp.Results[0].InputSchema)
	assert.Positive(t, resp.Results[0].Score)
}

func TestDiscoverMaxResultsClamp(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	cases := []struct {
		name string
		max  float64
		want int
	}{
		{"below range", 0, 1},
		{"in range", 2, 2},
		{"above range", 500, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := p.handleDiscover(context.Background(), callReq("discover", map[string]any{
				"query":       "ping add boom message integers fails",
				"max_results": tc.max,
			}))
			require.NoError(t, err)

			var resp discoverResponse
			require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
			assert.LessOrEqual(t, len(resp.Results), tc.want)
		})
	}
}

func TestExecuteRunsTool(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	res, err := p.handleExecute(context.Background(), callReq("execute", map[string]any{
		"tool_name": "add",
		"arguments": map[string]any{"a": 2, "b": 3},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "5", resultText(t, res))
}

func TestExecuteRequiresToolName(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	res, err := p.handleExecute(context.Background(), callReq("execute", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "tool_name")
}

func TestExecuteUnknownTool(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	res, err := p.handleExecute(context.Background(), callReq("execute", map[string]any{"tool_name": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "discover")
}

func TestExecutePrefixedToolName(t *testing.T) {
	p, _ := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
	})

	res, err := p.handleExecute(context.Background(), callReq("execute", map[string]any{
		"tool_name": "mock__ping",
		"arguments": map[string]any{"msg": "via prefix"},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "via prefix", resultText(t, res))
}

func TestResolveExecuteTarget(t *testing.T) {
	p, cache := newTestProxy(t, func(cfg *config.HubConfig) {
		cfg.Settings.Mode = config.ModeToolSearch
		cfg.SetServer("other_server", testutil.ChildEntry(testutil.BehaviorOK))
	})
	cache.UpdateServer("other_server", []schemacache.ToolSchema{
		{Name: "ping", Description: "Another ping", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})

	t.Run("ambiguous defaults to first declared", func(t *testing.T) {
		server, tool, err := p.resolveExecuteTarget("ping", "")
		require.NoError(t, err)
		assert.Equal(t, "mock", server)
		assert.Equal(t, "ping", tool)
	})

	t.Run("hint selects owner loosely", func(t *testing.T) {
		server, _, err := p.resolveExecuteTarget("ping", "Other-Server")
		require.NoError(t, err)
		assert.Equal(t, "other_server", server)
	})

	t.Run("hint naming a non-owner fails", func(t *testing.T) {
		_, _, err := p.resolveExecuteTarget("add", "other_server")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not offer")
		assert.Contains(t, err.Error(), "mock")
	})
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"my-server":  "myserver",
		"My_Server":  "myserver",
		"MYSERVER2":  "myserver2",
		"a.b c":      "abc",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeName(in), "input %q", in)
	}
}

func TestReloadDropsRemovedServers(t *testing.T) {
	p, cache := newTestProxy(t, nil)
	cache.UpdateServer("stale", []schemacache.ToolSchema{
		{Name: "old", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})

	cfg := config.NewDefault()
	cfg.Settings.StartupTimeout = 10000
	cfg.SetServer("mock", testutil.ChildEntry(testutil.BehaviorOK))
	p.Reload(cfg)

	assert.False(t, cache.HasServer("stale"))
	assert.True(t, cache.HasServer("mock"))
}
