package llms

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/fractalhq/fractal/pkg/fault"
)

// Gemini implements Provider using the official google.golang.org/genai SDK.
type Gemini struct {
	name   string
	cfg    Config
	client *genai.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(name string, cfg Config) (*Gemini, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{name: name, cfg: cfg, client: client}, nil
}

func (p *Gemini) Name() string       { return p.name }
func (p *Gemini) Model() string      { return p.cfg.Model }
func (p *Gemini) ContextWindow() int { return p.cfg.ContextWindow }
func (p *Gemini) Close() error       { return nil }

// buildRequest splits the system prompt into a system instruction and
// converts the remaining turns and tools into genai shapes.
func (p *Gemini) buildRequest(messages []Message, tools []ToolDefinition, params Params) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var system string

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolName,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	maxTokens := p.cfg.MaxTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	temp := p.cfg.Temperature
	if params.Temperature > 0 {
		temp = params.Temperature
	}
	if temp > 0 {
		config.Temperature = genai.Ptr(float32(temp))
	}

	if len(tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config
}

// toGenaiSchema converts a JSON-schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(pm)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func usageFrom(meta *genai.GenerateContentResponseUsageMetadata) *Usage {
	if meta == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}

// Chat performs a non-streaming completion.
func (p *Gemini) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Response, error) {
	contents, config := p.buildRequest(messages, tools, params)

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, config)
	if err != nil {
		return nil, fault.LLMProvider(p.name, fault.RetryConnection, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fault.LLMProvider(p.name, fault.RetryNone, fmt.Errorf("response contained no candidates"))
	}

	out := &Response{
		FinishReason: string(resp.Candidates[0].FinishReason),
		Usage:        usageFrom(resp.UsageMetadata),
	}
	callIdx := 0
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				out.Content += part.Text
			}
			if part.FunctionCall != nil {
				raw, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:           geminiCallID(part.FunctionCall.Name, callIdx),
					Name:         part.FunctionCall.Name,
					Arguments:    part.FunctionCall.Args,
					RawArguments: string(raw),
				})
				callIdx++
			}
		}
	}
	return out, nil
}

// StreamChat performs a streaming completion. Gemini delivers function calls
// whole, so each one yields an immediate start and complete chunk pair.
func (p *Gemini) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan StreamChunk, error) {
	contents, config := p.buildRequest(messages, tools, params)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		emit := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finish := ""
		var usage *Usage
		callIdx := 0

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, config) {
			if err != nil {
				emit(StreamChunk{Type: ChunkError, Err: fault.LLMProvider(p.name, fault.RetryConnection, err)})
				return
			}
			if resp.UsageMetadata != nil {
				usage = usageFrom(resp.UsageMetadata)
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}

			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					if !emit(StreamChunk{Type: ChunkText, Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = geminiCallID(part.FunctionCall.Name, callIdx)
					}
					raw, _ := json.Marshal(part.FunctionCall.Args)
					if !emit(StreamChunk{Type: ChunkToolCallStart, ToolID: id, ToolName: part.FunctionCall.Name, Index: callIdx}) {
						return
					}
					if !emit(StreamChunk{
						Type:         ChunkToolCallComplete,
						ToolID:       id,
						ToolName:     part.FunctionCall.Name,
						Index:        callIdx,
						Arguments:    part.FunctionCall.Args,
						RawArguments: string(raw),
					}) {
						return
					}
					callIdx++
				}
			}
		}

		emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: usage})
	}()
	return out, nil
}

func geminiCallID(name string, idx int) string {
	return fmt.Sprintf("call_%s_%d", name, idx)
}
