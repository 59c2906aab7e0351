// Package openaiwire implements the bearer-token chat-completions wire
// protocol. Several hosted vendors speak this protocol unchanged; they are
// all served by this one adapter constructed with their own endpoint and
// default model.
package openaiwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"agentdesk/internal/providers"
)

type Config struct {
	Endpoint     string
	DefaultModel string
}

type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	return &Adapter{cfg: cfg}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) ChatEndpoint() string { return a.cfg.Endpoint }

func (a *Adapter) DefaultModel() string { return a.cfg.DefaultModel }

func (a *Adapter) AuthHeaders(apiKey string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if strings.TrimSpace(apiKey) != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

func (a *Adapter) BuildRequestBody(messages []providers.Message, model string, opts providers.Options) ([]byte, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}

	wireMessages := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		wm := map[string]any{"role": m.Role, "content": m.Content}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool arguments: %w", err)
				}
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			wm["tool_calls"] = calls
		}
		if m.Role == providers.RoleTool && m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		wireMessages = append(wireMessages, wm)
	}

	payload := map[string]any{
		"model":       model,
		"messages":    wireMessages,
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if len(t.Schema) > 0 {
				fn["parameters"] = json.RawMessage(t.Schema)
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	if opts.Stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (a *Adapter) ParseResponse(body []byte) (providers.Result, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("empty choices in chat completion response")
	}

	choice := resp.Choices[0]
	out := providers.Result{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, decodeToolCall(tc))
	}
	if resp.Usage != nil {
		out.Usage = providers.Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		}
	}
	out.Usage = out.Usage.Normalize()
	return out, nil
}

func decodeToolCall(tc wireToolCall) providers.ToolCall {
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			// The model sometimes emits truncated argument JSON; surface it
			// raw rather than dropping the call.
			args = map[string]any{"raw": tc.Function.Arguments}
		}
	}
	return providers.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
}

// ParseStreamChunk decodes one SSE frame. The protocol prefixes data lines
// with "data: " and terminates with a literal [DONE] sentinel; usage
// arrives on a final frame when stream_options.include_usage is set.
func (a *Adapter) ParseStreamChunk(line []byte) (*providers.StreamChunk, error) {
	rest, ok := bytes.CutPrefix(line, []byte("data: "))
	if !ok {
		return nil, nil
	}
	rest = bytes.TrimSpace(rest)
	if string(rest) == "[DONE]" {
		return &providers.StreamChunk{Done: true}, nil
	}

	var frame struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(rest, &frame); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	chunk := &providers.StreamChunk{}
	if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != "" {
		chunk.Text = frame.Choices[0].Delta.Content
	}
	if frame.Usage != nil {
		u := providers.Usage{
			Input:  frame.Usage.PromptTokens,
			Output: frame.Usage.CompletionTokens,
			Total:  frame.Usage.TotalTokens,
		}.Normalize()
		chunk.Usage = &u
	}
	if chunk.Text == "" && chunk.Usage == nil {
		return nil, nil
	}
	return chunk, nil
}
