package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const providerColumns = "id, workspace_id, vendor, enc_api_key, models_json, base_url, is_default, status, created_at, updated_at"

// UpsertProvider inserts or updates the (workspace, vendor) row. A zero
// UpdatedAt is stamped with the current time; callers that need a
// deterministic ordering (tests) pass it explicitly.
func (s *Store) UpsertProvider(ctx context.Context, p ProviderConfig) error {
	if p.Status == "" {
		p.Status = ProviderStatusActive
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}

	q := s.sql.Insert("workspace_llm_providers").
		Columns("workspace_id", "vendor", "enc_api_key", "models_json", "base_url", "is_default", "status", "updated_at").
		Values(p.WorkspaceID, p.Vendor, p.EncAPIKey, string(modelsJSON), p.BaseURL, p.IsDefault, p.Status, p.UpdatedAt).
		Suffix("ON CONFLICT(workspace_id, vendor) DO UPDATE SET enc_api_key=COALESCE(excluded.enc_api_key, workspace_llm_providers.enc_api_key), models_json=excluded.models_json, base_url=excluded.base_url, is_default=excluded.is_default, status=excluded.status, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build provider upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *Store) GetProviderByVendor(ctx context.Context, workspaceID, vendor string) (ProviderConfig, error) {
	return s.getProvider(ctx, sq.Eq{"workspace_id": workspaceID, "vendor": vendor}, "id ASC")
}

// GetDefaultProvider returns the workspace's active default. If several
// rows claim the default flag, the most recently updated one wins.
func (s *Store) GetDefaultProvider(ctx context.Context, workspaceID string) (ProviderConfig, error) {
	return s.getProvider(ctx, sq.Eq{
		"workspace_id": workspaceID,
		"status":       ProviderStatusActive,
		"is_default":   true,
	}, "updated_at DESC")
}

// GetAnyActiveProvider returns the most recently updated active provider.
func (s *Store) GetAnyActiveProvider(ctx context.Context, workspaceID string) (ProviderConfig, error) {
	return s.getProvider(ctx, sq.Eq{
		"workspace_id": workspaceID,
		"status":       ProviderStatusActive,
	}, "updated_at DESC")
}

func (s *Store) getProvider(ctx context.Context, where sq.Sqlizer, orderBy string) (ProviderConfig, error) {
	q := s.sql.Select(providerColumns).
		From("workspace_llm_providers").
		Where(where).
		OrderBy(orderBy).
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("build provider query: %w", err)
	}

	p, err := scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProviderConfig{}, ErrNotFound
		}
		return ProviderConfig{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context, workspaceID string) ([]ProviderConfig, error) {
	q := s.sql.Select(providerColumns).
		From("workspace_llm_providers").
		Where(sq.Eq{"workspace_id": workspaceID}).
		OrderBy("vendor ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderConfig, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

// DeactivateProvider flips the row to inactive. The core never deletes
// provider configuration.
func (s *Store) DeactivateProvider(ctx context.Context, workspaceID, vendor string) error {
	q := s.sql.Update("workspace_llm_providers").
		Set("status", ProviderStatusInactive).
		Set("is_default", false).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"workspace_id": workspaceID, "vendor": vendor})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate provider query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("deactivate provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (ProviderConfig, error) {
	var p ProviderConfig
	var encKey sql.NullString
	var modelsJSON string
	if err := row.Scan(
		&p.ID,
		&p.WorkspaceID,
		&p.Vendor,
		&encKey,
		&modelsJSON,
		&p.BaseURL,
		&p.IsDefault,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return ProviderConfig{}, err
	}
	if encKey.Valid {
		p.EncAPIKey = &encKey.String
	}
	if modelsJSON != "" {
		if err := json.Unmarshal([]byte(modelsJSON), &p.Models); err != nil {
			p.Models = nil
		}
	}
	return p, nil
}

func (s *Store) UpsertAssignment(ctx context.Context, a ModelAssignment) error {
	q := s.sql.Insert("agent_model_assignments").
		Columns("agent_id", "workspace_id", "vendor", "model_name", "priority", "is_active").
		Values(a.AgentID, a.WorkspaceID, a.Vendor, a.ModelName, a.Priority, a.IsActive)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build assignment insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *Store) DeactivateAssignments(ctx context.Context, agentID, workspaceID string) error {
	q := s.sql.Update("agent_model_assignments").
		Set("is_active", false).
		Where(sq.Eq{"agent_id": agentID, "workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build assignment deactivate query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("deactivate assignments: %w", err)
	}
	return nil
}

// GetAssignedProvider returns the agent's highest-priority active
// assignment, joined with the workspace provider row holding the
// credentials for its vendor. The provider side is optional: an assignment
// can point at a vendor the workspace has not configured yet.
func (s *Store) GetAssignedProvider(ctx context.Context, agentID, workspaceID string) (AssignedProvider, error) {
	q := s.sql.Select(
		"ama.id", "ama.agent_id", "ama.workspace_id", "ama.vendor", "ama.model_name", "ama.priority", "ama.is_active", "ama.created_at",
		"wlp.id", "wlp.workspace_id", "wlp.vendor", "wlp.enc_api_key", "wlp.models_json", "wlp.base_url", "wlp.is_default", "wlp.status", "wlp.created_at", "wlp.updated_at",
	).From("agent_model_assignments ama").
		LeftJoin("workspace_llm_providers wlp ON LOWER(wlp.vendor) = LOWER(ama.vendor) AND wlp.workspace_id = ama.workspace_id").
		Where(sq.Eq{"ama.agent_id": agentID, "ama.workspace_id": workspaceID, "ama.is_active": true}).
		OrderBy("ama.priority ASC", "ama.id ASC").
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AssignedProvider{}, fmt.Errorf("build assigned provider query: %w", err)
	}

	var out AssignedProvider
	var provID sql.NullInt64
	var provWorkspace, provVendor, provModels, provBaseURL, provStatus sql.NullString
	var provEncKey sql.NullString
	var provDefault sql.NullBool
	var provCreated, provUpdated sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.Assignment.ID,
		&out.Assignment.AgentID,
		&out.Assignment.WorkspaceID,
		&out.Assignment.Vendor,
		&out.Assignment.ModelName,
		&out.Assignment.Priority,
		&out.Assignment.IsActive,
		&out.Assignment.CreatedAt,
		&provID,
		&provWorkspace,
		&provVendor,
		&provEncKey,
		&provModels,
		&provBaseURL,
		&provDefault,
		&provStatus,
		&provCreated,
		&provUpdated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssignedProvider{}, ErrNotFound
		}
		return AssignedProvider{}, fmt.Errorf("get assigned provider: %w", err)
	}

	if provID.Valid {
		p := ProviderConfig{
			ID:          provID.Int64,
			WorkspaceID: provWorkspace.String,
			Vendor:      provVendor.String,
			BaseURL:     provBaseURL.String,
			IsDefault:   provDefault.Bool,
			Status:      provStatus.String,
			CreatedAt:   provCreated.Time,
			UpdatedAt:   provUpdated.Time,
		}
		if provEncKey.Valid {
			p.EncAPIKey = &provEncKey.String
		}
		if provModels.Valid && provModels.String != "" {
			_ = json.Unmarshal([]byte(provModels.String), &p.Models)
		}
		out.Provider = &p
	}
	return out, nil
}

func (s *Store) UpsertAgentProfile(ctx context.Context, p AgentProfile) error {
	q := s.sql.Insert("agent_profiles").
		Columns("agent_id", "workspace_id", "system_prompt", "model", "temperature", "max_tokens", "max_history", "tools_json").
		Values(p.AgentID, p.WorkspaceID, p.SystemPrompt, p.Model, p.Temperature, p.MaxTokens, p.MaxHistory, p.ToolsJSON).
		Suffix("ON CONFLICT(agent_id, workspace_id) DO UPDATE SET system_prompt=excluded.system_prompt, model=excluded.model, temperature=excluded.temperature, max_tokens=excluded.max_tokens, max_history=excluded.max_history, tools_json=excluded.tools_json")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build profile upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) GetAgentProfile(ctx context.Context, agentID, workspaceID string) (AgentProfile, error) {
	q := s.sql.Select("agent_id", "workspace_id", "system_prompt", "model", "temperature", "max_tokens", "max_history", "tools_json").
		From("agent_profiles").
		Where(sq.Eq{"agent_id": agentID, "workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AgentProfile{}, fmt.Errorf("build profile query: %w", err)
	}

	var p AgentProfile
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.AgentID,
		&p.WorkspaceID,
		&p.SystemPrompt,
		&p.Model,
		&p.Temperature,
		&p.MaxTokens,
		&p.MaxHistory,
		&p.ToolsJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentProfile{}, ErrNotFound
		}
		return AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) SetRuntimeStatus(ctx context.Context, st RuntimeStatus) error {
	now := time.Now().UTC()
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	if st.LastActivity.IsZero() {
		st.LastActivity = now
	}
	q := s.sql.Insert("agent_runtime_status").
		Columns("agent_id", "workspace_id", "status", "started_at", "last_activity").
		Values(st.AgentID, st.WorkspaceID, st.Status, st.StartedAt, st.LastActivity).
		Suffix("ON CONFLICT(agent_id, workspace_id) DO UPDATE SET status=excluded.status, started_at=excluded.started_at, last_activity=excluded.last_activity")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build runtime status query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set runtime status: %w", err)
	}
	return nil
}

func (s *Store) TouchRuntimeActivity(ctx context.Context, agentID, workspaceID string) error {
	q := s.sql.Update("agent_runtime_status").
		Set("last_activity", time.Now().UTC()).
		Where(sq.Eq{"agent_id": agentID, "workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build runtime touch query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch runtime activity: %w", err)
	}
	return nil
}

func (s *Store) ListRuntimeStatus(ctx context.Context, workspaceID string) ([]RuntimeStatus, error) {
	q := s.sql.Select("agent_id", "workspace_id", "status", "started_at", "last_activity").
		From("agent_runtime_status").
		Where(sq.Eq{"workspace_id": workspaceID}).
		OrderBy("last_activity DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runtime list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list runtime status: %w", err)
	}
	defer rows.Close()

	out := make([]RuntimeStatus, 0)
	for rows.Next() {
		var st RuntimeStatus
		if err := rows.Scan(&st.AgentID, &st.WorkspaceID, &st.Status, &st.StartedAt, &st.LastActivity); err != nil {
			return nil, fmt.Errorf("scan runtime status row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtime status rows: %w", err)
	}
	return out, nil
}
