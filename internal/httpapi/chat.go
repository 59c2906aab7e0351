package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"agentdesk/internal/completion"
	"agentdesk/internal/providers"
	"agentdesk/internal/resolver"
)

type chatRequest struct {
	AgentID     string                     `json:"agent_id"`
	Messages    []providers.Message        `json:"messages"`
	Model       string                     `json:"model"`
	Temperature float64                    `json:"temperature"`
	MaxTokens   int                        `json:"max_tokens"`
	Tools       []providers.ToolDefinition `json:"tools,omitempty"`
	Stream      bool                       `json:"stream"`
	RequestID   string                     `json:"request_id"`
}

type chatResponse struct {
	Content   string              `json:"content"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	Usage     providers.Usage     `json:"usage"`
	LatencyMS int64               `json:"latency_ms"`
}

// handleChat runs a single completion against the resolved provider. No
// agent loop, no history: the caller owns the message list.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}
	if req.AgentID == "" {
		req.AgentID = "chat"
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}

	if !s.admit(w, r, ws, req.AgentID, req.RequestID) {
		return
	}

	rp, err := s.resolver.Resolve(r.Context(), req.AgentID, req.Model, ws)
	if err != nil {
		if errors.Is(err, resolver.ErrNoProvider) {
			writeError(w, http.StatusBadRequest, "no provider configured for workspace")
			return
		}
		s.logger.Error().Err(err).Str("workspace_id", ws).Msg("provider resolution failed")
		writeError(w, http.StatusInternalServerError, "provider resolution failed")
		return
	}

	creq := completion.Request{
		AgentID:     req.AgentID,
		WorkspaceID: ws,
		Messages:    req.Messages,
		Options: providers.Options{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       req.Tools,
		},
		RequestType: "chat",
	}

	if req.Stream {
		creq.RequestType = "chat_stream"
		s.streamChat(w, r, rp, creq)
		return
	}

	result, err := s.executor.Complete(r.Context(), rp, creq)
	if err != nil {
		s.writeVendorError(w, ws, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
		Provider:  result.Vendor,
		Model:     result.Model,
		Usage:     result.Usage,
		LatencyMS: result.LatencyMS,
	})
}

// streamChat forwards the vendor stream as server-sent events. Each frame
// is one JSON object; the terminal frame carries done plus usage.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, rp resolver.Resolved, creq completion.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	headersSent := false
	send := func(v any) {
		if !headersSent {
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(raw)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	err := s.executor.Stream(r.Context(), rp, creq, func(ev completion.StreamEvent) {
		switch {
		case ev.Err != nil:
			send(map[string]string{"error": "stream interrupted"})
		case ev.Done:
			send(map[string]any{"done": true, "usage": ev.Usage, "provider": rp.Vendor, "model": rp.Model})
		case ev.Text != "":
			send(map[string]string{"text": ev.Text})
		}
	})
	if err != nil && !headersSent {
		s.writeVendorError(w, creq.WorkspaceID, err)
	}
}

// admit applies rate limiting and duplicate suppression. Both are
// best-effort: backend failures log and admit rather than block traffic.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, ws, agentID, requestID string) bool {
	if s.limiter != nil {
		allowed, used, resetAt, err := s.limiter.Allow(r.Context(), ws, agentID, s.now())
		if err != nil {
			s.logger.Warn().Err(err).Str("workspace_id", ws).Msg("rate limit check failed, admitting")
		} else if !allowed {
			w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
			s.logger.Info().Str("workspace_id", ws).Int64("used", used).Msg("rate limited")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return false
		}
	}
	if s.dedupe != nil && requestID != "" {
		first, err := s.dedupe.MarkFirst(r.Context(), requestID)
		if err != nil {
			s.logger.Warn().Err(err).Str("request_id", requestID).Msg("dedupe check failed, admitting")
		} else if !first {
			writeError(w, http.StatusConflict, "duplicate request")
			return false
		}
	}
	return true
}

func (s *Server) writeVendorError(w http.ResponseWriter, ws string, err error) {
	var ve *completion.VendorError
	if errors.As(err, &ve) {
		s.logger.Warn().Int("status", ve.Status).Str("workspace_id", ws).Msg("vendor rejected request")
		writeError(w, http.StatusBadGateway, "provider request failed")
		return
	}
	s.logger.Error().Err(err).Str("workspace_id", ws).Msg("completion failed")
	writeError(w, http.StatusInternalServerError, "completion failed")
}
