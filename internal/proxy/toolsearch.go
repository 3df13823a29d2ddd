package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/hubtype"
	"mcphub/pkg/logging"
)

const (
	discoverDefaultResults = 10
	discoverMaxResults     = 30
)

const discoverHelp = `Search for tools across the configured MCP servers.

Provide a query describing what you want to do, for example:
  {"query": "read a file"}
  {"query": "git commit", "max_results": 5}

Matching tools are returned with their input schemas. Run one with the
execute tool:
  {"tool_name": "<name from the results>", "arguments": {...}}`

// registerMetaTools installs the discover and execute tools that make up
// the tool-search surface.
func (p *Proxy) registerMetaTools() {
	discover := mcp.NewTool("discover",
		mcp.WithDescription("Search the tools offered by the configured MCP servers. Returns ranked matches with their input schemas."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Keywords describing the desired capability"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of matches to return (1-30, default 10)"),
		),
	)
	execute := mcp.NewTool("execute",
		mcp.WithDescription("Execute a tool found via discover on its owning server."),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool to run"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments passed through to the tool"),
		),
		mcp.WithString("server",
			mcp.Description("Server to run the tool on, when more than one offers it"),
		),
	)

	p.server.AddTool(discover, p.handleDiscover)
	p.server.AddTool(execute, p.handleExecute)
}

type discoverResult struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Score       float64         `json:"score"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type discoverResponse struct {
	Query   string           `json:"query"`
	Results []discoverResult `json:"results"`
	Usage   string           `json:"usage"`
}

func (p *Proxy) handleDiscover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultText(discoverHelp), nil
	}

	limit := discoverDefaultResults
	if raw, ok := args["max_results"].(float64); ok {
		limit = int(raw)
		if limit < 1 {
			limit = 1
		}
		if limit > discoverMaxResults {
			limit = discoverMaxResults
		}
	}

	hits := p.index.Load().Query(query, limit)
	resp := discoverResponse{
		Query:   query,
		Results: make([]discoverResult, 0, len(hits)),
		Usage:   `Run a result with execute: {"tool_name": "<name>", "arguments": {...}}`,
	}
	for _, hit := range hits {
		resp.Results = append(resp.Results, discoverResult{
			Server:      hit.Server,
			Name:        hit.Tool.Name,
			Description: hit.Tool.Description,
			Score:       hit.Score,
			InputSchema: hit.Tool.InputSchema,
		})
	}

	body, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (p *Proxy) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	toolName, _ := args["tool_name"].(string)
	if toolName == "" {
		err := fmt.Errorf("%w: tool_name is required", hubtype.ErrInvalidArguments)
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolArgs, _ := args["arguments"].(map[string]any)
	serverHint, _ := args["server"].(string)

	serverName, original, err := p.resolveExecuteTarget(toolName, serverHint)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := p.mgr.CallTool(ctx, serverName, original, toolArgs)
	if err != nil {
		logging.Warn(subsystem, "execute of %q on server %q failed: %v", original, serverName, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return res, nil
}

// resolveExecuteTarget maps a tool name, optionally qualified by a server
// hint, to the server and original tool name to call. The hint is matched
// loosely: case and separator characters are ignored.
func (p *Proxy) resolveExecuteTarget(toolName, serverHint string) (serverName, original string, err error) {
	owners := p.cache.ToolOwners(toolName)
	if len(owners) == 0 {
		// The name may be a prefixed form such as "server__tool".
		if server, ok := p.cache.ServerForTool(toolName); ok {
			return server, p.cache.OriginalToolName(toolName, true), nil
		}
		return "", "", fmt.Errorf("%w: %q; use discover to find available tools", hubtype.ErrUnknownTool, toolName)
	}

	if serverHint != "" {
		want := normalizeName(serverHint)
		for _, owner := range owners {
			if normalizeName(owner) == want {
				return owner, toolName, nil
			}
		}
		return "", "", fmt.Errorf("server %q does not offer tool %q (offered by: %s)", serverHint, toolName, strings.Join(owners, ", "))
	}
	return owners[0], toolName, nil
}

// normalizeName lowercases and strips separator characters so that hints
// like "My-Server" match a server declared as "my_server".
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
