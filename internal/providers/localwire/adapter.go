// Package localwire implements the local-runtime chat protocol (ollama
// style): no auth headers, sampling knobs nested under "options", token
// counts reported as prompt_eval_count / eval_count, and a done flag in
// place of a stop-reason string. Streams are newline-delimited JSON with no
// SSE framing.
package localwire

import (
	"bytes"
	"encoding/json"
	"fmt"

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
		cfg.Endpoint = "http://localhost:11434/api/chat"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3"
	}
	return &Adapter{cfg: cfg}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) ChatEndpoint() string { return a.cfg.Endpoint }

func (a *Adapter) DefaultModel() string { return a.cfg.DefaultModel }

func (a *Adapter) AuthHeaders(string) map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

func (a *Adapter) BuildRequestBody(messages []providers.Message, model string, opts providers.Options) ([]byte, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}

	wireMessages := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		// The runtime accepts system as an ordinary role; tool exchanges
		// are flattened to plain content since it has no tool protocol.
		role := m.Role
		if role == providers.RoleTool {
			role = providers.RoleUser
		}
		wireMessages = append(wireMessages, map[string]any{"role": role, "content": m.Content})
	}

	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	payload := map[string]any{
		"model":    model,
		"messages": wireMessages,
		"stream":   opts.Stream,
		"options":  options,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal local chat payload: %w", err)
	}
	return b, nil
}

type wireResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (a *Adapter) ParseResponse(body []byte) (providers.Result, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode local chat response: %w", err)
	}

	out := providers.Result{Content: resp.Message.Content}
	if resp.Done {
		out.StopReason = "stop"
	}
	out.Usage = providers.Usage{
		Input:  resp.PromptEvalCount,
		Output: resp.EvalCount,
	}.Normalize()
	return out, nil
}

func (a *Adapter) ParseStreamChunk(line []byte) (*providers.StreamChunk, error) {
	var frame wireResponse
	if err := json.Unmarshal(bytes.TrimSpace(line), &frame); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	if frame.Done {
		u := providers.Usage{
			Input:  frame.PromptEvalCount,
			Output: frame.EvalCount,
		}.Normalize()
		return &providers.StreamChunk{Done: true, Usage: &u}, nil
	}
	if frame.Message.Content != "" {
		return &providers.StreamChunk{Text: frame.Message.Content}, nil
	}
	return nil, nil
}
