package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fractalhq/fractal/pkg/fault"
)

const anthropicVersion = "2023-06-01"

// Anthropic implements Provider against the Anthropic messages API.
type Anthropic struct {
	name   string
	cfg    Config
	client *http.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(name string, cfg Config) (*Anthropic, error) {
	return &Anthropic{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

func (p *Anthropic) Name() string       { return p.name }
func (p *Anthropic) Model() string      { return p.cfg.Model }
func (p *Anthropic) ContextWindow() int { return p.cfg.ContextWindow }

func (p *Anthropic) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type anthContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthMessage struct {
	Role    string        `json:"role"`
	Content []anthContent `json:"content"`
}

type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	Tools       []anthTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthResponse struct {
	Content    []anthContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      *anthUsage    `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthEvent is one SSE event payload. Fields overlap across event types;
// the Type discriminates.
type anthEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage *anthUsage `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *anthUsage `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest splits out the system prompt and folds tool results into
// user-turn tool_result blocks the way the messages API expects.
func (p *Anthropic) buildRequest(messages []Message, tools []ToolDefinition, params Params, stream bool) anthRequest {
	req := anthRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if params.Temperature > 0 {
		req.Temperature = params.Temperature
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content

		case RoleTool:
			req.Messages = append(req.Messages, anthMessage{
				Role: "user",
				Content: []anthContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case RoleAssistant:
			content := []anthContent{}
			if m.Content != "" {
				content = append(content, anthContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(content) > 0 {
				req.Messages = append(req.Messages, anthMessage{Role: "assistant", Content: content})
			}

		default:
			req.Messages = append(req.Messages, anthMessage{
				Role:    "user",
				Content: []anthContent{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return req
}

func (p *Anthropic) post(ctx context.Context, body anthRequest) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.Host, "/")+"/messages", bytes.NewReader(encoded))
	if err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		class := fault.RetryConnection
		if ctx.Err() != nil {
			class = fault.RetryTimeout
		}
		return nil, fault.LLMProvider(p.name, class, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fault.LLMProvider(p.name, classifyHTTP(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	return resp, nil
}

// Chat performs a non-streaming completion.
func (p *Anthropic) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Response, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, tools, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("decoding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}

	out := &Response{FinishReason: parsed.StopReason}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:           block.ID,
				Name:         block.Name,
				Arguments:    block.Input,
				RawArguments: string(raw),
			})
		}
	}
	return out, nil
}

// StreamChat performs a streaming completion over the messages SSE protocol.
func (p *Anthropic) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, tools, params, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

func (p *Anthropic) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	blocks := map[int]*pendingCall{}
	finish := ""
	usage := &Usage{}

	emit := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var ev anthEvent
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &pendingCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				if !emit(StreamChunk{
					Type:     ChunkToolCallStart,
					ToolID:   ev.ContentBlock.ID,
					ToolName: ev.ContentBlock.Name,
					Index:    ev.Index,
				}) {
					return
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" && !emit(StreamChunk{Type: ChunkText, Text: ev.Delta.Text}) {
					return
				}
			case "input_json_delta":
				if pc, ok := blocks[ev.Index]; ok && ev.Delta.PartialJSON != "" {
					pc.args.WriteString(ev.Delta.PartialJSON)
					if !emit(StreamChunk{Type: ChunkToolCallDelta, Index: ev.Index, ArgumentsFragment: ev.Delta.PartialJSON}) {
						return
					}
				}
			}

		case "content_block_stop":
			if pc, ok := blocks[ev.Index]; ok {
				raw := pc.args.String()
				chunk := StreamChunk{
					Type:         ChunkToolCallComplete,
					ToolID:       pc.id,
					ToolName:     pc.name,
					Index:        ev.Index,
					RawArguments: raw,
				}
				if raw == "" {
					chunk.Arguments = map[string]any{}
				} else {
					_ = json.Unmarshal([]byte(raw), &chunk.Arguments)
				}
				delete(blocks, ev.Index)
				if !emit(chunk) {
					return
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				finish = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: usage})
			return

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)
			}
			emit(StreamChunk{Type: ChunkError, Err: fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("%s", msg))})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(StreamChunk{Type: ChunkError, Err: fault.LLMProvider(p.name, fault.RetryConnection, err)})
		return
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: usage})
}
