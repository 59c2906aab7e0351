// Package anthropicwire implements the token-header messages wire protocol:
// the API key travels in x-api-key, system prompts live in a dedicated
// top-level slot, and responses are lists of typed content blocks.
package anthropicwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"agentdesk/internal/providers"
)

const apiVersion = "2023-06-01"

type Config struct {
	Endpoint     string
	DefaultModel string
}

type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1/messages"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-haiku-20240307"
	}
	return &Adapter{cfg: cfg}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) ChatEndpoint() string { return a.cfg.Endpoint }

func (a *Adapter) DefaultModel() string { return a.cfg.DefaultModel }

func (a *Adapter) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": apiVersion,
		"Content-Type":      "application/json",
	}
}

// BuildRequestBody separates system-role messages into the top-level system
// slot; the vendor rejects "system" as an ordinary message role. Assistant
// tool calls and tool results are re-encoded as tool_use / tool_result
// content blocks.
func (a *Adapter) BuildRequestBody(messages []providers.Message, model string, opts providers.Options) ([]byte, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}

	var system []string
	wireMessages := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, m.Content)
		case providers.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				wireMessages = append(wireMessages, map[string]any{"role": "assistant", "content": m.Content})
				continue
			}
			blocks := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			wireMessages = append(wireMessages, map[string]any{"role": "assistant", "content": blocks})
		case providers.RoleTool:
			wireMessages = append(wireMessages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		default:
			wireMessages = append(wireMessages, map[string]any{"role": m.Role, "content": m.Content})
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":       model,
		"messages":    wireMessages,
		"max_tokens":  maxTokens,
		"temperature": opts.Temperature,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n")
	}
	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			tool := map[string]any{"name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if len(t.Schema) > 0 {
				tool["input_schema"] = json.RawMessage(t.Schema)
			}
			tools = append(tools, tool)
		}
		payload["tools"] = tools
	}
	if opts.Stream {
		payload["stream"] = true
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

// ParseResponse extracts text and tool_use blocks; other block types are
// ignored.
func (a *Adapter) ParseResponse(body []byte) (providers.Result, error) {
	var resp struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode messages response: %w", err)
	}

	out := providers.Result{StopReason: resp.StopReason}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Content = strings.Join(text, "")
	out.Usage = providers.Usage{
		Input:  resp.Usage.InputTokens,
		Output: resp.Usage.OutputTokens,
	}.Normalize()
	return out, nil
}

// ParseStreamChunk decodes one SSE data line. Text arrives as
// content_block_delta events, usage as a message_delta mid-stream, and
// message_stop marks the end.
func (a *Adapter) ParseStreamChunk(line []byte) (*providers.StreamChunk, error) {
	rest, ok := bytes.CutPrefix(line, []byte("data: "))
	if !ok {
		return nil, nil
	}

	var frame struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(rest), &frame); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	switch frame.Type {
	case "content_block_delta":
		if frame.Delta.Text == "" {
			return nil, nil
		}
		return &providers.StreamChunk{Text: frame.Delta.Text}, nil
	case "message_delta":
		if frame.Usage == nil {
			return nil, nil
		}
		u := providers.Usage{
			Input:  frame.Usage.InputTokens,
			Output: frame.Usage.OutputTokens,
		}.Normalize()
		return &providers.StreamChunk{Usage: &u}, nil
	case "message_stop":
		return &providers.StreamChunk{Done: true}, nil
	default:
		return nil, nil
	}
}
