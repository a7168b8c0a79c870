package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fractalhq/fractal/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// MCPConfig configures one external MCP tool server.
type MCPConfig struct {
	// Name identifies the server in logs.
	Name string `yaml:"name"`

	// Command spawns a stdio server; URL points at an HTTP one. Exactly
	// one is required.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`

	// Filter limits which server tools are exposed. Empty exposes all.
	Filter []string `yaml:"filter"`

	MaxRetries int           `yaml:"max_retries"`
	SSETimeout time.Duration `yaml:"sse_timeout"`
}

func (c *MCPConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.SSETimeout == 0 {
		c.SSETimeout = 5 * time.Minute
	}
}

func (c *MCPConfig) Validate() error {
	if c.Command == "" && c.URL == "" {
		return fmt.Errorf("mcp server %q: either command or url is required", c.Name)
	}
	return nil
}

// MCPSource connects to one MCP server and exposes its tools. Connection is
// lazy: it happens on the first Tools call.
type MCPSource struct {
	cfg MCPConfig

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	sessionID string
	tools     []Tool
	connected bool
}

// NewMCPSource creates a source for one configured server.
func NewMCPSource(cfg MCPConfig) (*MCPSource, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MCPSource{cfg: cfg}, nil
}

// Tools lists the server's tools, connecting if needed.
func (s *MCPSource) Tools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting to MCP server %q: %w", s.cfg.Name, err)
		}
	}
	return s.tools, nil
}

// Close tears down the server connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.tools = nil
	s.http = nil
	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	return nil
}

func (s *MCPSource) exposed(name string) bool {
	if len(s.cfg.Filter) == 0 {
		return true
	}
	for _, f := range s.cfg.Filter {
		if f == name {
			return true
		}
	}
	return false
}

func (s *MCPSource) connect(ctx context.Context) error {
	if s.cfg.Command != "" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("spawning server: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fractal", Version: "1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("listing tools: %w", err)
	}

	var tools []Tool
	for _, mt := range listResp.Tools {
		if !s.exposed(mt.Name) {
			continue
		}
		tools = append(tools, &mcpTool{
			source: s,
			def: Definition{
				Name:        mt.Name,
				Description: mt.Description,
				Parameters:  schemaToMap(mt.InputSchema),
				Scope:       ScopeSystem,
			},
			stdio: true,
		})
	}

	s.stdio = mcpClient
	s.tools = tools
	s.connected = true
	slog.Info("connected to MCP server",
		"name", s.cfg.Name, "transport", "stdio", "tools", len(tools))
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(s.cfg.MaxRetries),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "fractal", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("listing tools: %s", listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)

	var tools []Tool
	for _, raw := range rawTools {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		if name == "" || !s.exposed(name) {
			continue
		}
		desc, _ := tm["description"].(string)
		schema, _ := tm["inputSchema"].(map[string]any)
		tools = append(tools, &mcpTool{
			source: s,
			def: Definition{
				Name:        name,
				Description: desc,
				Parameters:  schema,
				Scope:       ScopeSystem,
			},
		})
	}

	s.tools = tools
	s.connected = true
	slog.Info("connected to MCP server",
		"name", s.cfg.Name, "transport", "http", "url", s.cfg.URL, "tools", len(tools))
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request. The server may answer with plain JSON or
// a single-message SSE stream; both are handled.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		s.sessionID = sid
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSE(resp.Body)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// readSSE extracts the first complete JSON-RPC message from an event stream.
func (s *MCPSource) readSSE(body io.Reader) (*rpcResponse, error) {
	type outcome struct {
		resp *rpcResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if data.Len() > 0 {
					var resp rpcResponse
					if json.Unmarshal([]byte(data.String()), &resp) == nil {
						done <- outcome{resp: &resp}
						return
					}
					data.Reset()
				}
				continue
			}
			if payload, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(payload))
			}
		}
		if data.Len() > 0 {
			var resp rpcResponse
			if json.Unmarshal([]byte(data.String()), &resp) == nil {
				done <- outcome{resp: &resp}
				return
			}
		}
		done <- outcome{err: fmt.Errorf("event stream ended without a complete message")}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-time.After(s.cfg.SSETimeout):
		return nil, fmt.Errorf("timed out reading event stream after %v", s.cfg.SSETimeout)
	}
}

// mcpTool adapts one remote tool to the Tool interface.
type mcpTool struct {
	source *MCPSource
	def    Definition
	stdio  bool
}

func (t *mcpTool) Definition() Definition { return t.def }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if t.stdio {
		return t.callStdio(ctx, args)
	}
	return t.callHTTP(ctx, args)
}

func (t *mcpTool) callStdio(ctx context.Context, args map[string]any) (Result, error) {
	t.source.mu.Lock()
	mcpClient := t.source.stdio
	t.source.mu.Unlock()
	if mcpClient == nil {
		return Fail("MCP server %q is not connected", t.source.cfg.Name), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return Fail("MCP call failed: %v", err), nil
	}

	texts := make([]string, 0, len(resp.Content))
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return Fail("%s", joined), nil
	}
	return Text(joined), nil
}

func (t *mcpTool) callHTTP(ctx context.Context, args map[string]any) (Result, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.def.Name,
		"arguments": args,
	})
	if err != nil {
		return Fail("MCP call failed: %v", err), nil
	}
	if resp.Error != nil {
		return Fail("%s", resp.Error.Message), nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return Text(fmt.Sprint(resp.Result)), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	joined := strings.Join(texts, "\n")
	if isErr, _ := resultMap["isError"].(bool); isErr {
		if joined == "" {
			joined = "unknown error"
		}
		return Fail("%s", joined), nil
	}
	return Text(joined), nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
