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

// OpenAI implements Provider against the OpenAI chat completions API and any
// endpoint speaking the same protocol (Ollama, vLLM, LM Studio).
type OpenAI struct {
	name   string
	cfg    Config
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(name string, cfg Config) (*OpenAI, error) {
	return &OpenAI{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

func (p *OpenAI) Name() string       { return p.name }
func (p *OpenAI) Model() string      { return p.cfg.Model }
func (p *OpenAI) ContextWindow() int { return p.cfg.ContextWindow }

func (p *OpenAI) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    *int       `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model         string          `json:"model"`
	Messages      []oaMessage     `json:"messages"`
	Tools         []oaTool        `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions map[string]bool `json:"stream_options,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type oaStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
}

func (p *OpenAI) buildRequest(messages []Message, tools []ToolDefinition, params Params, stream bool) oaRequest {
	req := oaRequest{
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
	if stream {
		req.StreamOptions = map[string]bool{"include_usage": true}
	}

	for _, m := range messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args := tc.RawArguments
			if args == "" {
				encoded, _ := json.Marshal(tc.Arguments)
				args = string(encoded)
			}
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunction{Name: tc.Name, Arguments: args},
			})
		}
		req.Messages = append(req.Messages, om)
	}

	for _, t := range tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ot)
	}
	return req
}

func (p *OpenAI) post(ctx context.Context, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.Host, "/")+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

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
func (p *OpenAI) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Response, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, tools, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("decoding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("response contained no choices"))
	}

	choice := parsed.Choices[0]
	out := &Response{Content: choice.Message.Content, FinishReason: choice.FinishReason}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArguments: tc.Function.Arguments}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments)
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

// StreamChat performs a streaming completion over SSE, re-assembling
// per-index tool-call fragments into start, delta, and complete chunks.
func (p *OpenAI) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan StreamChunk, error) {
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

// pendingCall accumulates one tool call's streamed fragments.
type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *OpenAI) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	pending := map[int]*pendingCall{}
	order := []int{}
	finish := ""
	var usage *Usage

	emit := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// completeAll flushes pending calls as complete chunks in index order.
	completeAll := func() bool {
		for _, idx := range order {
			pc := pending[idx]
			raw := pc.args.String()
			chunk := StreamChunk{
				Type:         ChunkToolCallComplete,
				ToolID:       pc.id,
				ToolName:     pc.name,
				Index:        idx,
				RawArguments: raw,
			}
			if raw == "" {
				chunk.Arguments = map[string]any{}
			} else {
				_ = json.Unmarshal([]byte(raw), &chunk.Arguments)
			}
			if !emit(chunk) {
				return false
			}
		}
		pending = map[int]*pendingCall{}
		order = order[:0]
		return true
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}

		var delta oaStreamResponse
		if err := json.Unmarshal(payload, &delta); err != nil {
			continue
		}
		if delta.Usage != nil {
			usage = &Usage{
				PromptTokens:     delta.Usage.PromptTokens,
				CompletionTokens: delta.Usage.CompletionTokens,
				TotalTokens:      delta.Usage.TotalTokens,
			}
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := pending[idx]
			if pc == nil {
				pc = &pendingCall{}
				pending[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if !pc.started && pc.id != "" && pc.name != "" {
				pc.started = true
				if !emit(StreamChunk{Type: ChunkToolCallStart, ToolID: pc.id, ToolName: pc.name, Index: idx}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if !emit(StreamChunk{Type: ChunkToolCallDelta, Index: idx, ArgumentsFragment: tc.Function.Arguments}) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
			if !completeAll() {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(StreamChunk{Type: ChunkError, Err: fault.LLMProvider(p.name, fault.RetryConnection, err)})
		return
	}
	if len(order) > 0 && !completeAll() {
		return
	}
	emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: usage})
}
