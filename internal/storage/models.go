package storage

import "time"

// ProviderConfig is one stored provider per (workspace, vendor). The API
// key is an encrypted envelope; see internal/crypto. At most one row per
// workspace should carry IsDefault while active — the schema does not
// enforce it, so readers order by UpdatedAt as a tiebreak.
type ProviderConfig struct {
	ID          int64
	WorkspaceID string
	Vendor      string
	EncAPIKey   *string
	Models      []string
	BaseURL     string
	IsDefault   bool
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	ProviderStatusActive   = "active"
	ProviderStatusInactive = "inactive"
)

// ModelAssignment pins an agent to a vendor/model ahead of the workspace
// default. Owned by admin tooling; the completion core only reads it.
type ModelAssignment struct {
	ID          int64
	AgentID     string
	WorkspaceID string
	Vendor      string
	ModelName   string
	Priority    int
	IsActive    bool
	CreatedAt   time.Time
}

// AssignedProvider is an assignment joined with the workspace provider row
// that carries its credentials. Provider is nil when the workspace has no
// row for the assigned vendor.
type AssignedProvider struct {
	Assignment ModelAssignment
	Provider   *ProviderConfig
}

// AgentProfile is the per-agent completion configuration.
type AgentProfile struct {
	AgentID      string
	WorkspaceID  string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxHistory   int
	ToolsJSON    string
}

// UsageRecord is one append-only ledger row per completion attempt.
type UsageRecord struct {
	ID           string
	AgentID      string
	Vendor       string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	LatencyMS    int64
	RequestType  string
	WorkspaceID  string
	CreatedAt    time.Time
}

// ConversationSummary is a listing row; message bodies are loaded
// separately.
type ConversationSummary struct {
	AgentID   string
	ChannelID string
	Messages  int
	UpdatedAt time.Time
}

// RuntimeStatus mirrors the registry's view of an agent runtime for
// observability across restarts.
type RuntimeStatus struct {
	AgentID      string
	WorkspaceID  string
	Status       string
	StartedAt    time.Time
	LastActivity time.Time
}
