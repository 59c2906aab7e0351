package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"agentdesk/internal/providers/registry"
	"agentdesk/internal/storage"
)

type providerPayload struct {
	Vendor    string   `json:"provider"`
	APIKey    string   `json:"api_key,omitempty"`
	Models    []string `json:"models,omitempty"`
	BaseURL   string   `json:"base_url,omitempty"`
	IsDefault bool     `json:"is_default"`
}

type providerView struct {
	Vendor    string   `json:"provider"`
	HasAPIKey bool     `json:"has_api_key"`
	Models    []string `json:"models"`
	BaseURL   string   `json:"base_url,omitempty"`
	IsDefault bool     `json:"is_default"`
	Status    string   `json:"status"`
}

// handleListProviders returns workspace provider configuration. Credentials
// are never returned, only their presence.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	list, err := s.store.ListProviders(r.Context(), ws)
	if err != nil {
		s.logger.Error().Err(err).Str("workspace_id", ws).Msg("list providers failed")
		writeError(w, http.StatusInternalServerError, "list providers failed")
		return
	}

	out := make([]providerView, 0, len(list))
	for _, p := range list {
		out = append(out, providerView{
			Vendor:    p.Vendor,
			HasAPIKey: p.EncAPIKey != nil && *p.EncAPIKey != "",
			Models:    p.Models,
			BaseURL:   p.BaseURL,
			IsDefault: p.IsDefault,
			Status:    p.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleUpsertProvider stores or updates a provider. The API key is sealed
// before it touches the database; omitting it keeps the stored one.
func (s *Server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())

	var req providerPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vendor := strings.ToLower(strings.TrimSpace(req.Vendor))
	if vendor == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if !registry.Known(vendor) {
		writeError(w, http.StatusBadRequest, "unsupported provider "+vendor)
		return
	}

	cfg := storage.ProviderConfig{
		WorkspaceID: ws,
		Vendor:      vendor,
		Models:      req.Models,
		BaseURL:     req.BaseURL,
		IsDefault:   req.IsDefault,
		Status:      storage.ProviderStatusActive,
	}
	if req.APIKey != "" {
		sealed, err := s.keyring.SealString(req.APIKey)
		if err != nil {
			s.logger.Error().Err(err).Str("vendor", vendor).Msg("credential seal failed")
			writeError(w, http.StatusInternalServerError, "credential seal failed")
			return
		}
		cfg.EncAPIKey = &sealed
	}

	if err := s.store.UpsertProvider(r.Context(), cfg); err != nil {
		s.logger.Error().Err(err).Str("vendor", vendor).Msg("provider upsert failed")
		writeError(w, http.StatusInternalServerError, "provider upsert failed")
		return
	}
	s.logger.Info().Str("workspace_id", ws).Str("vendor", vendor).Bool("is_default", req.IsDefault).Msg("provider configured")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeactivateProvider(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	vendor := strings.ToLower(r.PathValue("vendor"))

	if err := s.store.DeactivateProvider(r.Context(), ws, vendor); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		s.logger.Error().Err(err).Str("vendor", vendor).Msg("provider deactivate failed")
		writeError(w, http.StatusInternalServerError, "provider deactivate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels lists the models reachable through the workspace's active
// providers: the stored list per vendor, or the adapter default when none
// was stored.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r.Context())
	list, err := s.store.ListProviders(r.Context(), ws)
	if err != nil {
		s.logger.Error().Err(err).Str("workspace_id", ws).Msg("list providers failed")
		writeError(w, http.StatusInternalServerError, "list models failed")
		return
	}

	out := map[string][]string{}
	for _, p := range list {
		if p.Status != storage.ProviderStatusActive {
			continue
		}
		models := p.Models
		if len(models) == 0 {
			if adapter, err := registry.ForVendor(p.Vendor); err == nil {
				models = []string{adapter.DefaultModel()}
			}
		}
		out[p.Vendor] = models
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}
