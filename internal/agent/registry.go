package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"agentdesk/internal/completion"
	"agentdesk/internal/metrics"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

var ErrNotRunning = errors.New("agent is not running")

// Registry supervises agent runtimes per (workspace, agent). It is the
// only constructor of Runtime values and mirrors lifecycle transitions
// into the store so status survives restarts.
type Registry struct {
	store    *storage.Store
	resolver *resolver.Resolver
	executor *completion.Executor
	tools    ToolExecutor
	maxLoops int
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	locks    *channelLocks
}

type RegistryConfig struct {
	Store    *storage.Store
	Resolver *resolver.Resolver
	Executor *completion.Executor
	// Tools handles tool calls for every runtime. Defaults to
	// UnimplementedTools, which fails each call conversationally.
	Tools    ToolExecutor
	MaxLoops int
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Tools == nil {
		cfg.Tools = UnimplementedTools{}
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultMaxLoops
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Registry{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		executor: cfg.Executor,
		tools:    cfg.Tools,
		maxLoops: cfg.MaxLoops,
		metrics:  m,
		logger:   cfg.Logger,
		runtimes: make(map[string]*Runtime),
		locks:    newChannelLocks(),
	}
}

func runtimeKey(workspaceID, agentID string) string {
	return workspaceID + "/" + agentID
}

// Start brings up a runtime for the agent, loading its stored profile.
// Agents without a profile start with defaults; starting an already
// running agent reloads the profile in place.
func (g *Registry) Start(ctx context.Context, agentID, workspaceID string) (*Runtime, error) {
	profile, err := g.store.GetAgentProfile(ctx, agentID, workspaceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load agent profile: %w", err)
		}
		profile = storage.AgentProfile{
			AgentID:     agentID,
			WorkspaceID: workspaceID,
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxHistory:  DefaultMaxHistory,
		}
	}

	rt := &Runtime{
		agentID:     agentID,
		workspaceID: workspaceID,
		profile:     profile,
		toolDefs:    parseToolDefs(profile.ToolsJSON),
		store:       g.store,
		resolver:    g.resolver,
		executor:    g.executor,
		tools:       g.tools,
		locks:       g.locks,
		maxLoops:    g.maxLoops,
		metrics:     g.metrics,
		logger:      g.logger.With().Str("agent_id", agentID).Str("workspace_id", workspaceID).Logger(),
	}

	g.mu.Lock()
	g.runtimes[runtimeKey(workspaceID, agentID)] = rt
	g.mu.Unlock()

	if err := g.store.SetRuntimeStatus(ctx, storage.RuntimeStatus{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Status:      "running",
	}); err != nil {
		g.logger.Warn().Err(err).Str("agent_id", agentID).Msg("runtime status write failed")
	}
	g.logger.Info().Str("agent_id", agentID).Str("workspace_id", workspaceID).Msg("agent started")
	return rt, nil
}

// Stop tears down the runtime. In-flight messages finish on their own;
// the runtime is simply no longer handed out.
func (g *Registry) Stop(ctx context.Context, agentID, workspaceID string) error {
	key := runtimeKey(workspaceID, agentID)

	g.mu.Lock()
	_, ok := g.runtimes[key]
	delete(g.runtimes, key)
	g.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	if err := g.store.SetRuntimeStatus(ctx, storage.RuntimeStatus{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Status:      "stopped",
	}); err != nil {
		g.logger.Warn().Err(err).Str("agent_id", agentID).Msg("runtime status write failed")
	}
	g.logger.Info().Str("agent_id", agentID).Str("workspace_id", workspaceID).Msg("agent stopped")
	return nil
}

func (g *Registry) Get(agentID, workspaceID string) (*Runtime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rt, ok := g.runtimes[runtimeKey(workspaceID, agentID)]
	return rt, ok
}

// GetOrStart returns the running runtime, starting one on demand. Message
// delivery should not require an explicit start call first.
func (g *Registry) GetOrStart(ctx context.Context, agentID, workspaceID string) (*Runtime, error) {
	if rt, ok := g.Get(agentID, workspaceID); ok {
		return rt, nil
	}
	return g.Start(ctx, agentID, workspaceID)
}

// Status reports the store's view of runtimes for the workspace, overlaid
// with what is actually running in this process.
func (g *Registry) Status(ctx context.Context, workspaceID string) ([]storage.RuntimeStatus, error) {
	stored, err := g.store.ListRuntimeStatus(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := range stored {
		if _, ok := g.runtimes[runtimeKey(workspaceID, stored[i].AgentID)]; !ok && stored[i].Status == "running" {
			// A row can claim running after a crash or restart.
			stored[i].Status = "stale"
		}
	}
	return stored, nil
}

// Running returns the number of live runtimes in this process.
func (g *Registry) Running() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runtimes)
}
