package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"agentdesk/internal/agent"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

type agentMessageRequest struct {
	Message   string `json:"message"`
	ChannelID string `json:"channel_id"`
	RequestID string `json:"request_id"`
}

// handleAgentMessage runs the full tool loop for one user message. The
// runtime is started on demand; an explicit start call is not required.
func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = "default"
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}

	if !s.admit(w, r, ws, agentID, req.RequestID) {
		return
	}

	rt, err := s.registry.GetOrStart(r.Context(), agentID, ws)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("agent start failed")
		writeError(w, http.StatusInternalServerError, "agent start failed")
		return
	}

	reply, err := rt.ProcessMessage(r.Context(), req.Message, req.ChannelID)
	if err != nil {
		if errors.Is(err, resolver.ErrNoProvider) {
			writeError(w, http.StatusBadRequest, "no provider configured for workspace")
			return
		}
		s.writeVendorError(w, ws, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type profilePayload struct {
	SystemPrompt string          `json:"system_prompt"`
	Model        string          `json:"model"`
	Temperature  float64         `json:"temperature"`
	MaxTokens    int             `json:"max_tokens"`
	MaxHistory   int             `json:"max_history"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	p, err := s.store.GetAgentProfile(r.Context(), agentID, ws)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent profile not found")
			return
		}
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("get profile failed")
		writeError(w, http.StatusInternalServerError, "get profile failed")
		return
	}

	out := profilePayload{
		SystemPrompt: p.SystemPrompt,
		Model:        p.Model,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		MaxHistory:   p.MaxHistory,
	}
	if p.ToolsJSON != "" {
		out.Tools = json.RawMessage(p.ToolsJSON)
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutProfile stores the agent's completion configuration. A running
// runtime picks the change up on its next start, not mid-flight.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	var req profilePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := storage.AgentProfile{
		AgentID:      agentID,
		WorkspaceID:  ws,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		MaxHistory:   req.MaxHistory,
	}
	if len(req.Tools) > 0 {
		p.ToolsJSON = string(req.Tools)
	}
	if err := s.store.UpsertAgentProfile(r.Context(), p); err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("profile upsert failed")
		writeError(w, http.StatusInternalServerError, "profile upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	if _, err := s.registry.Start(r.Context(), agentID, ws); err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("agent start failed")
		writeError(w, http.StatusInternalServerError, "agent start failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	if err := s.registry.Stop(r.Context(), agentID, ws); err != nil {
		if errors.Is(err, agent.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "agent is not running")
			return
		}
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("agent stop failed")
		writeError(w, http.StatusInternalServerError, "agent stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	list, err := s.registry.Status(r.Context(), ws)
	if err != nil {
		s.logger.Error().Err(err).Str("workspace_id", ws).Msg("agent status failed")
		writeError(w, http.StatusInternalServerError, "agent status failed")
		return
	}

	type statusView struct {
		AgentID      string `json:"agent_id"`
		Status       string `json:"status"`
		StartedAt    string `json:"started_at"`
		LastActivity string `json:"last_activity"`
	}
	out := make([]statusView, 0, len(list))
	for _, st := range list {
		out = append(out, statusView{
			AgentID:      st.AgentID,
			Status:       st.Status,
			StartedAt:    st.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			LastActivity: st.LastActivity.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	agentID := r.PathValue("id")

	list, err := s.store.ListConversations(r.Context(), agentID, ws, 0)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("list conversations failed")
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}

	type conversationView struct {
		ChannelID string `json:"channel_id"`
		Messages  int    `json:"messages"`
		UpdatedAt string `json:"updated_at"`
	}
	out := make([]conversationView, 0, len(list))
	for _, c := range list {
		out = append(out, conversationView{
			ChannelID: c.ChannelID,
			Messages:  c.Messages,
			UpdatedAt: c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}
