package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agentdesk/internal/agent"
	"agentdesk/internal/completion"
	"agentdesk/internal/crypto"
	"agentdesk/internal/ratelimit"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

type testEnv struct {
	store   *storage.Store
	keyring *crypto.Keyring
	mux     *http.ServeMux
	server  *Server
	usage   *usageSink
}

// usageSink captures what the executor hands the usage recorder.
type usageSink struct {
	mu      sync.Mutex
	records []storage.UsageRecord
}

func (u *usageSink) Record(_ context.Context, rec storage.UsageRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
}

func (u *usageSink) last(t *testing.T) storage.UsageRecord {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.records) == 0 {
		t.Fatal("no usage recorded")
	}
	return u.records[len(u.records)-1]
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key := make([]byte, 32)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	kr, err := crypto.NewKeyring("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	usage := &usageSink{}
	res := resolver.New(resolver.Config{Store: store, Keyring: kr, Logger: zerolog.Nop()})
	executor := completion.New(completion.Config{Recorder: usage, Logger: zerolog.Nop()})
	registry := agent.NewRegistry(agent.RegistryConfig{
		Store:    store,
		Resolver: res,
		Executor: executor,
		Logger:   zerolog.Nop(),
	})

	srv := New(Config{
		Store:    store,
		Keyring:  kr,
		Resolver: res,
		Executor: executor,
		Registry: registry,
		Limiter:  limiter,
		Logger:   zerolog.Nop(),
	})
	mux := http.NewServeMux()
	srv.Register(mux)

	return &testEnv{store: store, keyring: kr, mux: mux, server: srv, usage: usage}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestWorkspaceHeaderValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/llm/providers", "", map[string]string{"X-Workspace-ID": "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed workspace header, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/llm/providers", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected default workspace without header, got %d: %s", rec.Code, rec.Body)
	}
}

func TestProviderUpsertAndMaskedListing(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/llm/providers",
		`{"provider":"openai","api_key":"sk-secret","models":["gpt-4o"],"is_default":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert failed: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/llm/providers", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Fatal("credential must never appear in listings")
	}

	var resp struct {
		Providers []struct {
			Vendor    string `json:"provider"`
			HasAPIKey bool   `json:"has_api_key"`
			IsDefault bool   `json:"is_default"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(resp.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(resp.Providers))
	}
	p := resp.Providers[0]
	if p.Vendor != "openai" || !p.HasAPIKey || !p.IsDefault {
		t.Fatalf("unexpected listing entry: %+v", p)
	}

	// The stored key must be an envelope the keyring can open.
	stored, err := env.store.GetProviderByVendor(context.Background(), DefaultWorkspaceID, "openai")
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	plain, err := env.keyring.OpenString(*stored.EncAPIKey)
	if err != nil {
		t.Fatalf("open stored envelope: %v", err)
	}
	if plain != "sk-secret" {
		t.Fatalf("expected sealed credential round trip, got %q", plain)
	}
}

func TestProviderUpsertRejectsUnknownVendor(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"replicate"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown vendor, got %d", rec.Code)
	}
}

func TestProviderDeactivate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"openai"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert failed: %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/llm/providers/openai", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate failed: %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/llm/providers/anthropic", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown row, got %d", rec.Code)
	}
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"openai","models":["gpt-4o","gpt-4o-mini"]}`, nil)
	env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"ollama"}`, nil)

	rec := env.do(t, http.MethodGet, "/api/llm/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("models failed: %d", rec.Code)
	}

	var resp struct {
		Models map[string][]string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(resp.Models["openai"]) != 2 {
		t.Fatalf("expected stored model list, got %v", resp.Models["openai"])
	}
	if len(resp.Models["ollama"]) != 1 {
		t.Fatalf("expected adapter default model for empty list, got %v", resp.Models["ollama"])
	}
}

func TestChatWithoutProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/llm/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without provider, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "no provider") {
		t.Fatalf("expected configuration error message, got %s", rec.Body)
	}
}

func TestChatBuffered(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer vendor.Close()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/llm/providers",
		`{"provider":"openai","api_key":"sk-test","base_url":"`+vendor.URL+`","is_default":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("provider setup failed: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/llm/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d %s", rec.Code, rec.Body)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if resp.Content != "hello" || resp.Provider != "openai" || resp.Usage.Total != 15 {
		t.Fatalf("unexpected chat response: %+v", resp)
	}
	if rt := env.usage.last(t).RequestType; rt != "chat" {
		t.Fatalf("buffered completion must ledger as chat, got %q", rt)
	}
}

func TestChatForwardsToolDefinitions(t *testing.T) {
	var vendorBody []byte
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vendorBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 1}
		}`))
	}))
	defer vendor.Close()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/llm/providers",
		`{"provider":"openai","base_url":"`+vendor.URL+`","is_default":true}`, nil)

	rec := env.do(t, http.MethodPost, "/api/llm/chat",
		`{"messages":[{"role":"user","content":"hi"}],"tools":[{"name":"lookup","description":"find a record","schema":{"type":"object"}}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d %s", rec.Code, rec.Body)
	}

	var payload struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(vendorBody, &payload); err != nil {
		t.Fatalf("decode vendor payload: %v", err)
	}
	if len(payload.Tools) != 1 || payload.Tools[0].Function.Name != "lookup" {
		t.Fatalf("expected tool definitions in vendor payload, got %s", vendorBody)
	}
}

func TestChatStreaming(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, f := range []string{
			`data: {"choices":[{"delta":{"content":"He"}}]}`,
			`data: {"choices":[{"delta":{"content":"llo"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			_, _ = w.Write([]byte(f + "\n"))
		}
	}))
	defer vendor.Close()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/llm/providers",
		`{"provider":"openai","base_url":"`+vendor.URL+`","is_default":true}`, nil)

	rec := env.do(t, http.MethodPost, "/api/llm/chat",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream failed: %d %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	body := rec.Body.String()
	heIdx := strings.Index(body, `"text":"He"`)
	lloIdx := strings.Index(body, `"text":"llo"`)
	doneIdx := strings.Index(body, `"done":true`)
	if heIdx < 0 || lloIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing stream frames: %s", body)
	}
	if !(heIdx < lloIdx && lloIdx < doneIdx) {
		t.Fatalf("frames out of order: %s", body)
	}
	if !strings.Contains(body, `"total":5`) {
		t.Fatalf("terminal frame must carry usage: %s", body)
	}
	if rt := env.usage.last(t).RequestType; rt != "chat_stream" {
		t.Fatalf("streamed completion must ledger as chat_stream, got %q", rt)
	}
}

func TestAgentMessageEndpoint(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2}
		}`))
	}))
	defer vendor.Close()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/llm/providers",
		`{"provider":"openai","base_url":"`+vendor.URL+`","is_default":true}`, nil)

	rec := env.do(t, http.MethodPost, "/api/agents/helper/message", `{"message":"do the thing"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent message failed: %d %s", rec.Code, rec.Body)
	}

	var reply agent.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "done" || reply.State != agent.StateDone {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// Message delivery implies a running runtime.
	rec = env.do(t, http.MethodGet, "/api/agents/status", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running"`) {
		t.Fatalf("expected running agent in status, got %d %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/agents/helper/conversations", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"default"`) {
		t.Fatalf("expected default channel conversation, got %d %s", rec.Code, rec.Body)
	}
}

func TestAgentStartStop(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/agents/helper/start", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/agents/helper/stop", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop failed: %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/agents/helper/stop", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 stopping a stopped agent, got %d", rec.Code)
	}
}

func TestAgentProfileRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/agents/helper/profile", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before profile exists, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/agents/helper/profile",
		`{"system_prompt":"be helpful","temperature":0.2,"max_tokens":512,"max_history":10,"tools":[{"name":"lookup"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put profile failed: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/agents/helper/profile", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get profile failed: %d", rec.Code)
	}
	var p profilePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if p.SystemPrompt != "be helpful" || p.MaxHistory != 10 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if !strings.Contains(string(p.Tools), "lookup") {
		t.Fatalf("expected tools to round-trip, got %s", p.Tools)
	}
}

func TestChatRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	env := newTestEnv(t, ratelimit.NewLimiter(rdb, 1, time.Hour))
	env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"ollama","is_default":true}`, nil)

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"content":"ok"},"done":true,"prompt_eval_count":1,"eval_count":1}`))
	}))
	defer vendor.Close()
	env.do(t, http.MethodPost, "/api/llm/providers", `{"provider":"ollama","base_url":"`+vendor.URL+`","is_default":true}`, nil)

	rec := env.do(t, http.MethodPost, "/api/llm/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodPost, "/api/llm/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
