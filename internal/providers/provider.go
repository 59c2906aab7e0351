// Package providers defines the abstract chat types exchanged between the
// completion core and vendor wire adapters. Nothing outside an adapter
// package branches on vendor identity.
package providers

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation. Exactly one shape per role:
// system/user carry Content only; assistant may additionally carry
// ToolCalls; tool carries Content plus the ToolCallID it answers.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured invocation requested by the model, normalized
// across vendor encodings (OpenAI function objects, Anthropic tool_use
// blocks).
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is passed through to vendors that honor tools. The schema
// is JSON supplied by the caller; adapters forward it in their vendor's
// shape.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Normalize fills Total from Input+Output when the vendor reported only the
// split counts.
func (u Usage) Normalize() Usage {
	if u.Total == 0 {
		u.Total = u.Input + u.Output
	}
	return u
}

// Options are the request knobs every vendor family understands at least
// partially. Adapters drop what their vendor does not honor.
type Options struct {
	Temperature float64
	MaxTokens   int
	Stream      bool
	Tools       []ToolDefinition
}

// Result is one parsed vendor response.
type Result struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StreamChunk is one decoded frame of a vendor stream. Fields are mutually
// optional: a frame may carry text, usage, the done marker, or any
// combination. A nil chunk means the line carried nothing of interest.
type StreamChunk struct {
	Text  string
	Usage *Usage
	Done  bool
}

// Adapter translates between the abstract types above and one vendor wire
// protocol. Implementations are stateless and safe for concurrent use;
// wire-compatible vendors share an implementation constructed with
// different endpoint and model defaults.
type Adapter interface {
	// ChatEndpoint returns the vendor's default completion URL.
	ChatEndpoint() string

	// AuthHeaders returns the vendor header set for the given key. Local
	// runtimes return content-type only.
	AuthHeaders(apiKey string) map[string]string

	// BuildRequestBody encodes messages and options into the vendor
	// payload, relocating system-role messages if the vendor requires it.
	BuildRequestBody(messages []Message, model string, opts Options) ([]byte, error)

	// ParseResponse decodes a buffered vendor response into a Result with
	// normalized usage.
	ParseResponse(body []byte) (Result, error)

	// ParseStreamChunk decodes one line of the vendor's stream. Returns
	// (nil, nil) for keep-alives and frames with no usable content;
	// malformed lines are an error the caller may skip.
	ParseStreamChunk(line []byte) (*StreamChunk, error)

	// DefaultModel is used when neither the request nor the stored
	// configuration names a model.
	DefaultModel() string
}
