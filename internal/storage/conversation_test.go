package storage

import (
	"context"
	"fmt"
	"testing"

	"agentdesk/internal/providers"
)

func TestLoadConversationEmpty(t *testing.T) {
	store := openTestStore(t)

	msgs, err := store.LoadConversation(context.Background(), "helper", "ch-1", "ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty slice for missing conversation, got %v", msgs)
	}
}

func TestAppendConversationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendConversation(ctx, "helper", "ch-1", "ws-1", []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
		{Role: providers.RoleAssistant, Content: "hello"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendConversation(ctx, "helper", "ch-1", "ws-1", []providers.Message{
		{Role: providers.RoleUser, Content: "again"},
		{Role: providers.RoleAssistant, Content: "still here"},
	}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	msgs, err := store.LoadConversation(ctx, "helper", "ch-1", "ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[3].Content != "still here" {
		t.Fatalf("expected appends in order, got %+v", msgs)
	}
}

func TestAppendConversationCapsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch := make([]providers.Message, 0, 210)
	for i := 0; i < 210; i++ {
		batch = append(batch, providers.Message{Role: providers.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	if err := store.AppendConversation(ctx, "helper", "ch-1", "ws-1", batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.LoadConversation(ctx, "helper", "ch-1", "ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != HistoryCap {
		t.Fatalf("expected cap at %d, got %d", HistoryCap, len(msgs))
	}
	if msgs[0].Content != "m10" || msgs[len(msgs)-1].Content != "m209" {
		t.Fatalf("expected oldest entries dropped, got first=%q last=%q", msgs[0].Content, msgs[len(msgs)-1].Content)
	}
}

func TestConversationsIsolatedByChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendConversation(ctx, "helper", "ch-1", "ws-1", []providers.Message{{Role: providers.RoleUser, Content: "one"}}); err != nil {
		t.Fatalf("append ch-1: %v", err)
	}
	if err := store.AppendConversation(ctx, "helper", "ch-2", "ws-1", []providers.Message{{Role: providers.RoleUser, Content: "two"}}); err != nil {
		t.Fatalf("append ch-2: %v", err)
	}

	msgs, err := store.LoadConversation(ctx, "helper", "ch-1", "ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "one" {
		t.Fatalf("channels must not share history, got %+v", msgs)
	}

	list, err := store.ListConversations(ctx, "helper", "ws-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
}

func TestInsertUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.InsertUsage(ctx, UsageRecord{
		ID:           "u-1",
		AgentID:      "helper",
		Vendor:       "openai",
		Model:        "gpt-4o",
		InputTokens:  10,
		OutputTokens: 5,
		TotalTokens:  15,
		LatencyMS:    120,
		RequestType:  "chat",
		WorkspaceID:  "ws-1",
	}); err != nil {
		t.Fatalf("insert usage: %v", err)
	}

	n, err := store.CountUsage(ctx, "ws-1")
	if err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 usage row, got %d", n)
	}
}
