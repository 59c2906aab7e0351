package completion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"agentdesk/internal/providers"
	"agentdesk/internal/providers/openaiwire"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []storage.UsageRecord
}

func (c *captureRecorder) Record(_ context.Context, rec storage.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) last(t *testing.T) storage.UsageRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no usage recorded")
	}
	return c.records[len(c.records)-1]
}

func testResolved(t *testing.T, baseURL string) resolver.Resolved {
	t.Helper()
	return resolver.Resolved{
		Vendor:  "openai",
		Model:   "gpt-4o",
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Adapter: openaiwire.New(openaiwire.Config{}),
	}
}

func TestCompleteBuffered(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	rec := &captureRecorder{}
	e := New(Config{Recorder: rec, Logger: zerolog.Nop()})

	res, err := e.Complete(context.Background(), testResolved(t, srv.URL), Request{
		AgentID:     "helper",
		WorkspaceID: "ws-1",
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		RequestType: "chat",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Content != "hello" || res.Vendor != "openai" || res.Model != "gpt-4o" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.Total != 15 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("expected adapter auth header, got %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("base url override must keep vendor path, got %q", gotPath)
	}

	u := rec.last(t)
	if u.InputTokens != 10 || u.OutputTokens != 5 || u.RequestType != "chat" || u.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected usage record: %+v", u)
	}
}

func TestCompleteVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	e := New(Config{Logger: zerolog.Nop()})
	_, err := e.Complete(context.Background(), testResolved(t, srv.URL), Request{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})

	var ve *VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VendorError, got %v", err)
	}
	if ve.Status != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", ve.Status)
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"He"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"llo"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n"))
		}
	}))
	defer srv.Close()

	rec := &captureRecorder{}
	e := New(Config{Recorder: rec, Logger: zerolog.Nop()})

	var events []StreamEvent
	err := e.Stream(context.Background(), testResolved(t, srv.URL), Request{
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		RequestType: "chat",
	}, func(ev StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 2 text events + done, got %d: %+v", len(events), events)
	}
	if events[0].Text != "He" || events[1].Text != "llo" {
		t.Fatalf("text events out of order: %+v", events)
	}
	final := events[2]
	if !final.Done || final.Usage == nil || final.Usage.Total != 5 {
		t.Fatalf("unexpected terminal event: %+v", final)
	}

	u := rec.last(t)
	if u.InputTokens != 3 || u.OutputTokens != 2 || u.TotalTokens != 5 {
		t.Fatalf("unexpected usage record: %+v", u)
	}
}

func TestStreamVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	e := New(Config{Logger: zerolog.Nop()})
	err := e.Stream(context.Background(), testResolved(t, srv.URL), Request{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, func(StreamEvent) {
		t.Fatal("no events expected on auth failure")
	})

	var ve *VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VendorError, got %v", err)
	}
	if ve.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", ve.Status)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: {not json}\n"))
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n"))
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	e := New(Config{Logger: zerolog.Nop()})
	var texts []string
	err := e.Stream(context.Background(), testResolved(t, srv.URL), Request{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, func(ev StreamEvent) {
		if ev.Text != "" {
			texts = append(texts, ev.Text)
		}
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(texts) != 1 || texts[0] != "ok" {
		t.Fatalf("malformed frame must be skipped, got %v", texts)
	}
}

func TestEndpointURL(t *testing.T) {
	adapter := openaiwire.New(openaiwire.Config{})

	u, err := EndpointURL(adapter, "")
	if err != nil {
		t.Fatalf("default endpoint: %v", err)
	}
	if u != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected default endpoint %q", u)
	}

	u, err = EndpointURL(adapter, "http://proxy.internal:8443")
	if err != nil {
		t.Fatalf("override endpoint: %v", err)
	}
	if u != "http://proxy.internal:8443/v1/chat/completions" {
		t.Fatalf("override must keep vendor path, got %q", u)
	}

	u, err = EndpointURL(adapter, "https://gw.example.com/openai")
	if err != nil {
		t.Fatalf("prefixed override: %v", err)
	}
	if u != "https://gw.example.com/openai/v1/chat/completions" {
		t.Fatalf("override path prefix must be kept, got %q", u)
	}

	u, err = EndpointURL(adapter, "https://gw.example.com/openai/")
	if err != nil {
		t.Fatalf("prefixed override with trailing slash: %v", err)
	}
	if u != "https://gw.example.com/openai/v1/chat/completions" {
		t.Fatalf("trailing slash must not double up, got %q", u)
	}

	if _, err := EndpointURL(adapter, "proxy.internal"); err == nil {
		t.Fatal("expected error for override without scheme")
	}
}
