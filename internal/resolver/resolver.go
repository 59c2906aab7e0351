// Package resolver decides which vendor, model and credentials serve a
// given agent request. Resolution is a strict three-tier fallback: active
// agent assignment, then the workspace default, then any active workspace
// provider. Lookup errors inside a tier degrade to the next tier rather
// than failing the request.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"agentdesk/internal/crypto"
	"agentdesk/internal/providers"
	"agentdesk/internal/providers/registry"
	"agentdesk/internal/storage"
)

// ErrNoProvider means nothing is configured for the workspace. Callers
// surface it as a client-facing configuration error.
var ErrNoProvider = errors.New("no provider configured")

// Resolved is the ephemeral output of one resolution: everything the
// executor needs for one completion cycle. Never persisted.
type Resolved struct {
	Vendor  string
	Model   string
	APIKey  string
	BaseURL string
	Adapter providers.Adapter
}

type Resolver struct {
	store    *storage.Store
	keyring  *crypto.Keyring
	allowEnv bool
	logger   zerolog.Logger
}

type Config struct {
	Store   *storage.Store
	Keyring *crypto.Keyring
	// AllowEnvCredentials enables the <VENDOR>_API_KEY environment
	// fallback. Development escape hatch only; leave off in production so
	// misconfiguration surfaces as ErrNoProvider instead of silently using
	// ambient credentials.
	AllowEnvCredentials bool
	Logger              zerolog.Logger
}

func New(cfg Config) *Resolver {
	return &Resolver{
		store:    cfg.Store,
		keyring:  cfg.Keyring,
		allowEnv: cfg.AllowEnvCredentials,
		logger:   cfg.Logger,
	}
}

// Resolve picks the provider for one request. requestedModel, when set,
// always overrides the stored model; the stored model list is only
// consulted otherwise.
func (r *Resolver) Resolve(ctx context.Context, agentID, requestedModel, workspaceID string) (Resolved, error) {
	if assigned, err := r.store.GetAssignedProvider(ctx, agentID, workspaceID); err == nil {
		model := requestedModel
		if model == "" {
			model = assigned.Assignment.ModelName
		}
		return r.build(assigned.Assignment.Vendor, model, assigned.Provider)
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("agent_id", agentID).Msg("assignment lookup failed, trying workspace default")
	}

	if def, err := r.store.GetDefaultProvider(ctx, workspaceID); err == nil {
		return r.build(def.Vendor, r.pickModel(requestedModel, def), &def)
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("default provider lookup failed, trying any active")
	}

	if any, err := r.store.GetAnyActiveProvider(ctx, workspaceID); err == nil {
		return r.build(any.Vendor, r.pickModel(requestedModel, any), &any)
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("active provider lookup failed")
	}

	return Resolved{}, ErrNoProvider
}

func (r *Resolver) pickModel(requested string, p storage.ProviderConfig) string {
	if requested != "" {
		return requested
	}
	if len(p.Models) > 0 {
		return p.Models[0]
	}
	return ""
}

func (r *Resolver) build(vendor, model string, p *storage.ProviderConfig) (Resolved, error) {
	adapter, err := registry.ForVendor(vendor)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve adapter: %w", err)
	}

	out := Resolved{Vendor: strings.ToLower(vendor), Model: model, Adapter: adapter}
	if p != nil {
		out.BaseURL = p.BaseURL
		out.APIKey = r.credential(vendor, p.EncAPIKey)
	} else {
		out.APIKey = r.credential(vendor, nil)
	}
	return out, nil
}

func (r *Resolver) credential(vendor string, sealed *string) string {
	if sealed != nil && strings.TrimSpace(*sealed) != "" {
		key, err := r.keyring.OpenString(*sealed)
		if err == nil {
			return key
		}
		r.logger.Error().Err(err).Str("vendor", vendor).Msg("stored credential unreadable")
	}

	if r.allowEnv {
		envKey := strings.ToUpper(vendor) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			r.logger.Warn().Str("vendor", vendor).Str("env", envKey).Msg("using environment credential fallback (non-production)")
			return v
		}
	}
	return ""
}
