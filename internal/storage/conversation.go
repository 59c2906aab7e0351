package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"agentdesk/internal/providers"
)

// HistoryCap bounds the stored message list per conversation; the oldest
// entries are discarded first.
const HistoryCap = 200

// LoadConversation returns the stored message list for (agent, channel,
// workspace), or an empty slice when no row exists.
func (s *Store) LoadConversation(ctx context.Context, agentID, channelID, workspaceID string) ([]providers.Message, error) {
	q := s.sql.Select("messages_json").
		From("agent_conversations").
		Where(sq.Eq{"agent_id": agentID, "channel_id": channelID, "workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversation query: %w", err)
	}

	var raw string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []providers.Message{}, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	var messages []providers.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode conversation messages: %w", err)
	}
	return messages, nil
}

// AppendConversation performs the read-modify-write: load, append, cap to
// HistoryCap, upsert. Callers needing ordering across concurrent appends to
// the same channel serialize above this layer (see internal/agent).
func (s *Store) AppendConversation(ctx context.Context, agentID, channelID, workspaceID string, newMessages []providers.Message) error {
	existing, err := s.LoadConversation(ctx, agentID, channelID, workspaceID)
	if err != nil {
		return err
	}

	combined := append(existing, newMessages...)
	if len(combined) > HistoryCap {
		combined = combined[len(combined)-HistoryCap:]
	}
	raw, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}

	q := s.sql.Insert("agent_conversations").
		Columns("agent_id", "channel_id", "workspace_id", "messages_json", "updated_at").
		Values(agentID, channelID, workspaceID, string(raw), time.Now().UTC()).
		Suffix("ON CONFLICT(agent_id, channel_id, workspace_id) DO UPDATE SET messages_json=excluded.messages_json, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build conversation upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, agentID, workspaceID string, limit uint64) ([]ConversationSummary, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("agent_id", "channel_id", "messages_json", "updated_at").
		From("agent_conversations").
		Where(sq.Eq{"agent_id": agentID, "workspace_id": workspaceID}).
		OrderBy("updated_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversation list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var c ConversationSummary
		var raw string
		if err := rows.Scan(&c.AgentID, &c.ChannelID, &raw, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		var messages []providers.Message
		if err := json.Unmarshal([]byte(raw), &messages); err == nil {
			c.Messages = len(messages)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// InsertUsage appends one ledger row. Write-once; the core never updates or
// deletes usage rows.
func (s *Store) InsertUsage(ctx context.Context, u UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("token_usage").
		Columns("id", "agent_id", "vendor", "model", "input_tokens", "output_tokens", "total_tokens", "cost_usd", "latency_ms", "request_type", "workspace_id", "created_at").
		Values(u.ID, u.AgentID, u.Vendor, u.Model, u.InputTokens, u.OutputTokens, u.TotalTokens, u.CostUSD, u.LatencyMS, u.RequestType, u.WorkspaceID, u.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *Store) CountUsage(ctx context.Context, workspaceID string) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("token_usage").Where(sq.Eq{"workspace_id": workspaceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage count query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}
