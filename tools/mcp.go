package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPConfig configures a connection to an MCP server over stdio.
type MCPConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// MCPRepository discovers and invokes tools exposed by an external MCP
// server. Connection is lazy: DiscoverTools establishes it on first call
// and ListTools/GetTool serve from the cached tool list afterward.
type MCPRepository struct {
	cfg MCPConfig

	mu        sync.Mutex
	client    *client.Client
	connected bool
	tools     map[string]*mcpTool
}

// NewMCPRepository builds a repository for an MCP server launched as a
// subprocess (cfg.Command), the transport the mark3labs/mcp-go client
// supports directly without an extra HTTP round trip.
func NewMCPRepository(cfg MCPConfig) (*MCPRepository, error) {
	if cfg.Command == "" {
		return nil, &RegistryError{Operation: "NewMCPRepository", Message: "command is required"}
	}
	return &MCPRepository{cfg: cfg, tools: make(map[string]*mcpTool)}, nil
}

func (r *MCPRepository) Name() string { return r.cfg.Name }
func (r *MCPRepository) Type() string { return "mcp" }

func (r *MCPRepository) DiscoverTools(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(ctx); err != nil {
		return err
	}

	resp, err := r.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return &RegistryError{Operation: "DiscoverTools", Message: fmt.Sprintf("list tools on %q", r.cfg.Name), Err: err}
	}

	tools := make(map[string]*mcpTool, len(resp.Tools))
	for _, t := range resp.Tools {
		tools[t.Name] = &mcpTool{
			repo:        r,
			name:        t.Name,
			description: t.Description,
			argsSchema:  convertMCPSchema(t.InputSchema),
		}
	}
	r.tools = tools
	return nil
}

func (r *MCPRepository) connectLocked(ctx context.Context) error {
	if r.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(r.cfg.Command, envSlice(r.cfg.Env), r.cfg.Args...)
	if err != nil {
		return &RegistryError{Operation: "connect", Message: fmt.Sprintf("start MCP server %q", r.cfg.Name), Err: err}
	}
	if err := mcpClient.Start(ctx); err != nil {
		return &RegistryError{Operation: "connect", Message: "start client", Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "finagent", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return &RegistryError{Operation: "connect", Message: "initialize MCP session", Err: err}
	}

	r.client = mcpClient
	r.connected = true
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (r *MCPRepository) ListTools() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.name, Description: t.description, ArgsSchema: t.argsSchema, Source: r.cfg.Name})
	}
	return out
}

func (r *MCPRepository) GetTool(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t, true
}

// Close terminates the MCP subprocess.
func (r *MCPRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.connected = false
	return err
}

// mcpTool adapts one MCP server tool to the Tool interface. Its result
// is returned as the {data, source_urls} envelope the Context Store
// understands when the MCP response's first text content block holds a
// JSON document of that shape; otherwise that first text block is
// returned as a plain string (later blocks are ignored).
type mcpTool struct {
	repo        *MCPRepository
	name        string
	description string
	argsSchema  map[string]any
}

func (t *mcpTool) Name() string              { return t.name }
func (t *mcpTool) Description() string       { return t.description }
func (t *mcpTool) ArgsSchema() map[string]any { return t.argsSchema }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	t.repo.mu.Lock()
	mcpClient := t.repo.client
	t.repo.mu.Unlock()
	if mcpClient == nil {
		return nil, &RegistryError{Operation: "Invoke", Message: "MCP client not connected"}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, &RegistryError{Operation: "Invoke", Message: fmt.Sprintf("call %q", t.name), Err: err}
	}
	if resp.IsError {
		return nil, &RegistryError{Operation: "Invoke", Message: firstText(resp.Content)}
	}

	text := firstText(resp.Content)
	var envelope map[string]any
	if json.Unmarshal([]byte(text), &envelope) == nil {
		if _, hasData := envelope["data"]; hasData {
			return envelope, nil
		}
	}
	return text, nil
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return out
}

var _ Repository = (*MCPRepository)(nil)
