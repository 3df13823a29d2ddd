// Package upstream wraps one MCP stdio client per running child process:
// spawn plus initialize handshake, tool discovery, tool calls with per-call
// timeouts, and error classification into the proxy's failure kinds.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/config"
	"mcphub/internal/hubtype"
	"mcphub/internal/schemacache"
	"mcphub/pkg/logging"
)

const subsystem = "Upstream"

// DefaultCallTimeout bounds a single tools/call. It applies on every call;
// an earlier deadline already carried by the caller's context wins.
const DefaultCallTimeout = 60 * time.Second

const protocolVersion = "2024-11-05"

// Client is a ready connection to one upstream child.
type Client struct {
	server      string
	mcp         *client.Client
	callTimeout time.Duration
}

// Start spawns the child with the entry's command, args and environment
// overrides, then runs the initialize handshake. ctx bounds the whole
// procedure; the child manager derives it from the startup timeout. Env
// values are secret and are never logged.
func Start(ctx context.Context, server string, entry config.ServerEntry, callTimeout time.Duration) (*Client, error) {
	env := make([]string, 0, len(entry.Env))
	for k, v := range entry.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(entry.Command, env, entry.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: spawning %q for server %q: %v", hubtype.ErrStartup, entry.Command, server, err)
	}

	initRequest := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "mcphub",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initRequest); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("%w: initialize handshake with server %q: %v", hubtype.ErrStartup, server, err)
	}

	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	logging.Debug(subsystem, "server %q initialized", server)
	return &Client{server: server, mcp: mcpClient, callTimeout: callTimeout}, nil
}

// Server returns the configured name of the upstream this client talks to.
func (c *Client) Server() string {
	return c.server
}

// ListTools fetches the full tool list, following pagination cursors. Input
// schemas are retained as raw JSON for pass-through to the host.
func (c *Client) ListTools(ctx context.Context) ([]schemacache.ToolSchema, error) {
	var out []schemacache.ToolSchema
	req := mcp.ListToolsRequest{}
	for {
		res, err := c.mcp.ListTools(ctx, req)
		if err != nil {
			return nil, c.classify("tools/list", err)
		}
		for _, tool := range res.Tools {
			raw := json.RawMessage(tool.RawInputSchema)
			if raw == nil {
				data, err := json.Marshal(tool.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("%w: encoding schema of tool %q on server %q: %v", hubtype.ErrUpstream, tool.Name, c.server, err)
				}
				raw = data
			}
			out = append(out, schemacache.ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: raw,
			})
		}
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return out, nil
}

// CallTool forwards one tool invocation. The per-call timeout applies on
// top of whatever deadline ctx already carries.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	request := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      tool,
			Arguments: args,
		},
	}
	res, err := c.mcp.CallTool(callCtx, request)
	if err != nil {
		return nil, c.classify(fmt.Sprintf("tools/call %q", tool), err)
	}
	return res, nil
}

// Close shuts the transport down: stdin closes first so the child can exit
// on its own, then the process is awaited.
func (c *Client) Close() error {
	if err := c.mcp.Close(); err != nil && !isTransportClosed(err) {
		return fmt.Errorf("%w: closing server %q: %v", hubtype.ErrTransport, c.server, err)
	}
	return nil
}

func (c *Client) classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s on server %q timed out", hubtype.ErrUpstream, op, c.server)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s on server %q cancelled", hubtype.ErrTransport, op, c.server)
	case isTransportClosed(err):
		return fmt.Errorf("%w: %s on server %q: %v", hubtype.ErrTransport, op, c.server, err)
	default:
		return fmt.Errorf("%w: %s on server %q: %v", hubtype.ErrUpstream, op, c.server, err)
	}
}

func isTransportClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "process exited") ||
		strings.Contains(msg, "stdio client not started")
}
