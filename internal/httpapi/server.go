// Package httpapi exposes the completion core over HTTP: chat completions
// (buffered and streamed), provider configuration, and agent lifecycle.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"agentdesk/internal/agent"
	"agentdesk/internal/completion"
	"agentdesk/internal/crypto"
	"agentdesk/internal/ratelimit"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

type Server struct {
	store    *storage.Store
	keyring  *crypto.Keyring
	resolver *resolver.Resolver
	executor *completion.Executor
	registry *agent.Registry
	limiter  *ratelimit.Limiter
	dedupe   *ratelimit.RequestDeduplicator
	logger   zerolog.Logger
	now      func() time.Time
}

type Config struct {
	Store    *storage.Store
	Keyring  *crypto.Keyring
	Resolver *resolver.Resolver
	Executor *completion.Executor
	Registry *agent.Registry
	// Limiter and Dedupe are optional; nil disables the concern.
	Limiter *ratelimit.Limiter
	Dedupe  *ratelimit.RequestDeduplicator
	Logger  zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		store:    cfg.Store,
		keyring:  cfg.Keyring,
		resolver: cfg.Resolver,
		executor: cfg.Executor,
		registry: cfg.Registry,
		limiter:  cfg.Limiter,
		dedupe:   cfg.Dedupe,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Register mounts all API routes on the mux. Health and metrics endpoints
// are mounted by the caller alongside these.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/llm/chat", s.workspace(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /api/llm/providers", s.workspace(http.HandlerFunc(s.handleListProviders)))
	mux.Handle("POST /api/llm/providers", s.workspace(http.HandlerFunc(s.handleUpsertProvider)))
	mux.Handle("DELETE /api/llm/providers/{vendor}", s.workspace(http.HandlerFunc(s.handleDeactivateProvider)))
	mux.Handle("GET /api/llm/models", s.workspace(http.HandlerFunc(s.handleModels)))

	mux.Handle("POST /api/agents/{id}/message", s.workspace(http.HandlerFunc(s.handleAgentMessage)))
	mux.Handle("GET /api/agents/{id}/profile", s.workspace(http.HandlerFunc(s.handleGetProfile)))
	mux.Handle("PUT /api/agents/{id}/profile", s.workspace(http.HandlerFunc(s.handlePutProfile)))
	mux.Handle("POST /api/agents/{id}/start", s.workspace(http.HandlerFunc(s.handleAgentStart)))
	mux.Handle("POST /api/agents/{id}/stop", s.workspace(http.HandlerFunc(s.handleAgentStop)))
	mux.Handle("GET /api/agents/status", s.workspace(http.HandlerFunc(s.handleAgentStatus)))
	mux.Handle("GET /api/agents/{id}/conversations", s.workspace(http.HandlerFunc(s.handleConversations)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
