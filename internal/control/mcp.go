package control

import (
	"context"
	"errors"

	"github.com/user/gophervoice/internal/types"
)

const (
	MethodListMCPServers  = "list_mcp_servers"
	MethodAddMCPServer    = "add_mcp_server"
	MethodRemoveMCPServer = "remove_mcp_server"
	MethodToggleMCPServer = "toggle_mcp_server"
	MethodListMCPTools    = "list_mcp_tools"
	MethodToggleMCPTool   = "toggle_mcp_tool"
)

// Catalog lists every RPC method the agent registers.
var Catalog = []string{
	MethodListModels, MethodSwitchModel, MethodInterrupt, MethodListTools,
	MethodGetAgentState, MethodGetWakeWordState, MethodSetVADSettings,
	MethodGetSystemPrompt, MethodSetSystemPrompt,
	MethodListMCPServers, MethodAddMCPServer, MethodRemoveMCPServer,
	MethodToggleMCPServer, MethodListMCPTools, MethodToggleMCPTool,
}

type ListMCPServersResult struct {
	Envelope
	Servers []types.MCPServerInfo `json:"servers"`
}

type ListMCPToolsResult struct {
	Envelope
	Server string              `json:"server"`
	Tools  []types.MCPToolInfo `json:"tools"`
	Count  int                 `json:"count"`
}

// AddMCPServerRequest is the add_mcp_server payload. HTTP servers set URL and
// optionally Headers; stdio servers set Command and optionally Args, Env and
// Cwd. Enabled defaults to true on the agent when nil.
type AddMCPServerRequest struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// Validate checks that the request describes exactly one kind of server.
func (r AddMCPServerRequest) Validate() error {
	if r.Name == "" {
		return errors.New("mcp server name is required")
	}
	switch r.Type {
	case "", "http":
		if r.URL == "" {
			return errors.New("http mcp server requires a url")
		}
	case "stdio":
		if r.Command == "" {
			return errors.New("stdio mcp server requires a command")
		}
	default:
		return errors.New("mcp server type must be http or stdio")
	}
	return nil
}

// MCPClient manages the agent's MCP servers. It keeps loading and error state
// separate from the agent Client so the two can be shown independently.
type MCPClient struct {
	*Invoker
}

// NewMCP creates an MCP management client bound to room.
func NewMCP(room types.Room, opts ...Option) *MCPClient {
	return &MCPClient{Invoker: NewInvoker(room, opts...)}
}

func (c *MCPClient) ListMCPServers(ctx context.Context) (*ListMCPServersResult, error) {
	return Invoke[ListMCPServersResult](ctx, c.Invoker, MethodListMCPServers, nil)
}

func (c *MCPClient) AddMCPServer(ctx context.Context, req AddMCPServerRequest) (*MessageResult, error) {
	if err := req.Validate(); err != nil {
		c.fail(err.Error())
		return nil, err
	}
	return Invoke[MessageResult](ctx, c.Invoker, MethodAddMCPServer, req)
}

func (c *MCPClient) RemoveMCPServer(ctx context.Context, name string) (*MessageResult, error) {
	return Invoke[MessageResult](ctx, c.Invoker, MethodRemoveMCPServer, map[string]string{"name": name})
}

// ToggleMCPServer enables or disables a server. A nil enabled flips the
// current setting on the agent.
func (c *MCPClient) ToggleMCPServer(ctx context.Context, name string, enabled *bool) (*MessageResult, error) {
	payload := map[string]any{"name": name}
	if enabled != nil {
		payload["enabled"] = *enabled
	}
	return Invoke[MessageResult](ctx, c.Invoker, MethodToggleMCPServer, payload)
}

func (c *MCPClient) ListMCPTools(ctx context.Context, server string) (*ListMCPToolsResult, error) {
	return Invoke[ListMCPToolsResult](ctx, c.Invoker, MethodListMCPTools, map[string]string{"name": server})
}

func (c *MCPClient) ToggleMCPTool(ctx context.Context, server, tool string, enabled bool) (*MessageResult, error) {
	return Invoke[MessageResult](ctx, c.Invoker, MethodToggleMCPTool, map[string]any{
		"server":  server,
		"tool":    tool,
		"enabled": enabled,
	})
}
