package proxy

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcphub/internal/hubtype"
	"mcphub/pkg/logging"
)

// syncTools re-registers the host-visible tool set from the cache. The
// previous registration is removed wholesale and replaced, which keeps the
// MCP server in step with whatever the cache currently holds.
func (p *Proxy) syncTools() {
	schemas := p.cache.AllTools(p.prefix)

	tools := make([]server.ServerTool, 0, len(schemas))
	names := make([]string, 0, len(schemas))
	for _, t := range schemas {
		tools = append(tools, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema),
			Handler: p.handlePassthroughCall,
		})
		names = append(names, t.Name)
	}

	p.mu.Lock()
	old := p.registered
	p.registered = names
	p.mu.Unlock()

	if len(old) > 0 {
		p.server.DeleteTools(old...)
	}
	if len(tools) > 0 {
		p.server.AddTools(tools...)
	}
	logging.Debug(subsystem, "registered %d passthrough tools", len(tools))
}

// handlePassthroughCall routes a host tool call to the owning upstream
// server. Routing failures and upstream errors come back as tool error
// results, never as protocol errors, so the host sees them in-band.
func (p *Proxy) handlePassthroughCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exposed := req.Params.Name
	serverName, ok := p.cache.ServerForTool(exposed)
	if !ok {
		err := fmt.Errorf("%w: %q is not provided by any configured server", hubtype.ErrUnknownTool, exposed)
		return mcp.NewToolResultError(err.Error()), nil
	}
	original := p.cache.OriginalToolName(exposed, p.prefix)

	res, err := p.mgr.CallTool(ctx, serverName, original, req.GetArguments())
	if err != nil {
		logging.Warn(subsystem, "call of %q on server %q failed: %v", original, serverName, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return res, nil
}
