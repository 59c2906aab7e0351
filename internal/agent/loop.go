// Package agent drives the tool-call loop: load history, call the resolved
// provider, execute requested tools, repeat until a final answer or the
// iteration cap, then persist history.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"agentdesk/internal/completion"
	"agentdesk/internal/metrics"
	"agentdesk/internal/providers"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

const (
	// DefaultMaxLoops caps provider round-trips per message.
	DefaultMaxLoops = 10
	// DefaultMaxHistory is the prompt window when the profile does not set
	// one: the most recent entries of the stored conversation.
	DefaultMaxHistory = 40

	// SentinelContent is returned when the cap is hit without a tool-free
	// answer. Loop exhaustion is a terminal state, not an error.
	SentinelContent = "(max tool loops reached)"

	StateDone     = "done"
	StateMaxLoops = "max_loops"
)

// Reply is the outcome of one end-to-end message transaction.
type Reply struct {
	Content   string          `json:"content"`
	Usage     providers.Usage `json:"usage"`
	Vendor    string          `json:"provider"`
	Model     string          `json:"model"`
	LatencyMS int64           `json:"latency_ms"`
	Loops     int             `json:"loops"`
	State     string          `json:"state"`
}

// Runtime handles messages for one agent in one workspace. Construct
// through the Registry, which owns the lifecycle.
type Runtime struct {
	agentID     string
	workspaceID string
	profile     storage.AgentProfile
	toolDefs    []providers.ToolDefinition

	store    *storage.Store
	resolver *resolver.Resolver
	executor *completion.Executor
	tools    ToolExecutor
	locks    *channelLocks
	maxLoops int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// ProcessMessage runs the loop for one inbound user message. Runs for the
// same (agent, channel) serialize on a process-local lock; see locks.go.
func (r *Runtime) ProcessMessage(ctx context.Context, userMessage, channelID string) (Reply, error) {
	unlock := r.locks.lock(r.workspaceID + "/" + r.agentID + "/" + channelID)
	defer unlock()

	history, err := r.store.LoadConversation(ctx, r.agentID, channelID, r.workspaceID)
	if err != nil {
		// Degrade to an empty context rather than failing the message.
		r.logger.Error().Err(err).Str("channel_id", channelID).Msg("history load failed, starting empty")
		history = nil
	}

	maxHistory := r.profile.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	messages := make([]providers.Message, 0, len(history)+2)
	if strings.TrimSpace(r.profile.SystemPrompt) != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: r.profile.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: userMessage})

	reply, err := r.runLoop(ctx, channelID, messages)
	if err != nil {
		return Reply{}, err
	}

	// Only the user message and final answer are appended; the
	// intermediate tool exchanges already shaped the reply and are not
	// replayed into stored history.
	appendErr := r.store.AppendConversation(ctx, r.agentID, channelID, r.workspaceID, []providers.Message{
		{Role: providers.RoleUser, Content: userMessage},
		{Role: providers.RoleAssistant, Content: reply.Content},
	})
	if appendErr != nil {
		r.logger.Error().Err(appendErr).Str("channel_id", channelID).Msg("history save failed, answer not remembered")
	}
	if err := r.store.TouchRuntimeActivity(ctx, r.agentID, r.workspaceID); err != nil {
		r.logger.Debug().Err(err).Msg("runtime activity touch failed")
	}
	return reply, nil
}

func (r *Runtime) runLoop(ctx context.Context, channelID string, messages []providers.Message) (Reply, error) {
	loops := 0
	for loops < r.maxLoops {
		loops++
		r.metrics.LoopIterations.Inc()

		// Resolved fresh each iteration: workspace configuration may
		// legitimately change mid-conversation.
		rp, err := r.resolver.Resolve(ctx, r.agentID, r.profile.Model, r.workspaceID)
		if err != nil {
			return Reply{}, fmt.Errorf("resolve provider for agent %s: %w", r.agentID, err)
		}

		result, err := r.executor.Complete(ctx, rp, completion.Request{
			AgentID:     r.agentID,
			WorkspaceID: r.workspaceID,
			Messages:    messages,
			Options: providers.Options{
				Temperature: r.profile.Temperature,
				MaxTokens:   r.profile.MaxTokens,
				Tools:       r.toolDefs,
			},
			RequestType: "agent_loop",
		})
		if err != nil {
			return Reply{}, err
		}

		if len(result.ToolCalls) == 0 {
			return Reply{
				Content:   result.Content,
				Usage:     result.Usage,
				Vendor:    result.Vendor,
				Model:     result.Model,
				LatencyMS: result.LatencyMS,
				Loops:     loops,
				State:     StateDone,
			}, nil
		}

		messages = append(messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		for _, tc := range result.ToolCalls {
			messages = append(messages, r.executeTool(ctx, channelID, tc))
		}
	}

	r.metrics.LoopExhausted.Inc()
	r.logger.Warn().Str("agent_id", r.agentID).Str("channel_id", channelID).Int("loops", loops).Msg("loop cap reached without final answer")
	return Reply{
		Content: SentinelContent,
		Usage:   providers.Usage{},
		Loops:   loops,
		State:   StateMaxLoops,
	}, nil
}

// executeTool runs one tool call. Failures become tool-role messages so the
// model can recover; they never abort the loop.
func (r *Runtime) executeTool(ctx context.Context, channelID string, tc providers.ToolCall) providers.Message {
	result, err := r.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		r.metrics.ToolExecutions.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).
			Str("tool", tc.Name).
			Str("channel_id", channelID).
			Msg("tool execution failed")
		failure, _ := json.Marshal(map[string]string{"error": err.Error()})
		return providers.Message{Role: providers.RoleTool, ToolCallID: tc.ID, Content: string(failure)}
	}
	r.metrics.ToolExecutions.WithLabelValues("ok").Inc()
	return providers.Message{Role: providers.RoleTool, ToolCallID: tc.ID, Content: result}
}

func parseToolDefs(raw string) []providers.ToolDefinition {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var defs []providers.ToolDefinition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil
	}
	return defs
}
