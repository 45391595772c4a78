package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/weftworks/loom/pkg/tool"
)

const mcpProtocolVersion = "2024-11-05"

// MCPConfig configures a stdio MCP toolset. The server is launched as a
// subprocess and spoken to over the Model Context Protocol.
type MCPConfig struct {
	// Name identifies this toolset in logs.
	Name string `yaml:"name" json:"name"`

	// Command launches the MCP server.
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Filter limits which server tools are exposed. Empty means all.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

func (c *MCPConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("mcp toolset %s: command is required", c.Name)
	}
	return nil
}

// MCPToolset connects to an MCP server over stdio and adapts its tools to
// the Tool contract. The connection is established lazily on first use and
// shared by all tools of the set.
type MCPToolset struct {
	cfg       MCPConfig
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.Tool
	connected bool
}

func NewMCPToolset(cfg MCPConfig) (*MCPToolset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &MCPToolset{cfg: cfg, filterSet: filterSet}, nil
}

func (t *MCPToolset) Name() string { return t.cfg.Name }

// Tools lists the server's tools, connecting on first call.
func (t *MCPToolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to MCP server %s: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

// RegisterInto lists the server's tools and registers each in the registry.
func (t *MCPToolset) RegisterInto(ctx context.Context, reg *Registry) error {
	ts, err := t.Tools(ctx)
	if err != nil {
		return err
	}
	return reg.RegisterAll(ts...)
}

func (t *MCPToolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, envList(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loom", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var adapted []tool.Tool
	for _, remote := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[remote.Name] {
			continue
		}
		adapted = append(adapted, &mcpTool{
			toolset:     t,
			name:        remote.Name,
			description: remote.Description,
			schema:      mcpSchemaMap(remote.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = adapted
	t.connected = true

	slog.Info("connected to MCP server",
		"name", t.cfg.Name,
		"command", t.cfg.Command,
		"tools", len(adapted))
	return nil
}

// Close terminates the server subprocess. Tools obtained from the set stop
// working after Close.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.tools = nil
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// mcpTool adapts one remote MCP tool to the Tool contract.
type mcpTool struct {
	toolset     *MCPToolset
	name        string
	description string
	schema      map[string]any
}

func (m *mcpTool) Name() string               { return m.name }
func (m *mcpTool) Description() string        { return m.description }
func (m *mcpTool) Parameters() map[string]any { return m.schema }

func (m *mcpTool) Execute(ctx context.Context, arguments string) (string, error) {
	m.toolset.mu.Lock()
	mcpClient := m.toolset.client
	m.toolset.mu.Unlock()
	if mcpClient == nil {
		return "", fmt.Errorf("MCP toolset %s is not connected", m.toolset.cfg.Name)
	}

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", m.name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = m.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call %s: %w", m.name, err)
	}

	text := mcpTextContent(resp)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

var _ tool.Tool = (*mcpTool)(nil)

// mcpTextContent joins the text blocks of a tool response.
func mcpTextContent(resp *mcp.CallToolResult) string {
	var out string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += textContent.Text
		}
	}
	return out
}

func mcpSchemaMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
