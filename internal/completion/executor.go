// Package completion performs one request/response cycle against a
// resolved provider, in buffered or streaming mode, and feeds the usage
// ledger.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentdesk/internal/metrics"
	"agentdesk/internal/providers"
	"agentdesk/internal/resolver"
	"agentdesk/internal/storage"
)

const maxErrorBody = 512

// VendorError carries the vendor's status code and a truncated body so
// operators can diagnose upstream failures.
type VendorError struct {
	Status int
	Body   string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}

// Request describes one completion attempt independent of vendor.
type Request struct {
	AgentID     string
	WorkspaceID string
	Messages    []providers.Message
	Options     providers.Options
	RequestType string
}

// Result is a parsed vendor result plus the attempt metadata callers and
// the ledger care about.
type Result struct {
	providers.Result
	Vendor    string
	Model     string
	LatencyMS int64
}

// StreamEvent is one event forwarded to a streaming caller, in vendor
// order: zero or more Text events, then exactly one terminal event with
// either Done+Usage or Err set.
type StreamEvent struct {
	Text  string
	Usage *providers.Usage
	Done  bool
	Err   error
}

type Executor struct {
	client       *http.Client
	streamClient *http.Client
	recorder     Recorder
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

type Config struct {
	// Timeout bounds each buffered vendor call. Streaming calls are
	// bounded by the caller's context instead, since a healthy stream can
	// legitimately outlive any fixed request timeout.
	Timeout  time.Duration
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Executor{
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		recorder:     cfg.Recorder,
		metrics:      m,
		logger:       cfg.Logger,
	}
}

// Complete runs one buffered cycle: build, POST, parse, record usage.
func (e *Executor) Complete(ctx context.Context, rp resolver.Resolved, req Request) (Result, error) {
	opts := req.Options
	opts.Stream = false

	body, endpoint, err := e.prepare(rp, req.Messages, opts)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	respBody, err := e.post(ctx, e.client, rp, endpoint, body)
	if err != nil {
		e.metrics.Completions.WithLabelValues(rp.Vendor, "buffered", "error").Inc()
		return Result{}, err
	}

	parsed, err := rp.Adapter.ParseResponse(respBody)
	if err != nil {
		e.metrics.Completions.WithLabelValues(rp.Vendor, "buffered", "error").Inc()
		return Result{}, err
	}

	latency := time.Since(start)
	e.metrics.Completions.WithLabelValues(rp.Vendor, "buffered", "ok").Inc()
	e.metrics.VendorLatency.WithLabelValues(rp.Vendor).Observe(latency.Seconds())

	result := Result{
		Result:    parsed,
		Vendor:    rp.Vendor,
		Model:     e.modelName(rp),
		LatencyMS: latency.Milliseconds(),
	}
	e.record(ctx, rp, req, parsed.Usage, result.LatencyMS)
	return result, nil
}

// Stream runs one streaming cycle, invoking sink for every event in vendor
// order. The final event has Done or Err set; text already delivered before
// a transport failure is not retracted.
func (e *Executor) Stream(ctx context.Context, rp resolver.Resolved, req Request, sink func(StreamEvent)) error {
	opts := req.Options
	opts.Stream = true

	body, endpoint, err := e.prepare(rp, req.Messages, opts)
	if err != nil {
		return err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	for k, v := range rp.Adapter.AuthHeaders(rp.APIKey) {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.streamClient.Do(httpReq)
	if err != nil {
		e.metrics.Completions.WithLabelValues(rp.Vendor, "stream", "error").Inc()
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e.metrics.Completions.WithLabelValues(rp.Vendor, "stream", "error").Inc()
		return &VendorError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var finalUsage providers.Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := rp.Adapter.ParseStreamChunk(line)
		if err != nil {
			// Malformed frames are skipped, not fatal.
			e.logger.Debug().Err(err).Str("vendor", rp.Vendor).Msg("skipping malformed stream frame")
			continue
		}
		if chunk == nil {
			continue
		}
		if chunk.Text != "" {
			e.metrics.StreamEvents.Inc()
			sink(StreamEvent{Text: chunk.Text})
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage.Normalize()
		}
		if chunk.Done {
			break
		}
	}

	latency := time.Since(start)
	finalUsage = finalUsage.Normalize()
	e.record(ctx, rp, req, finalUsage, latency.Milliseconds())

	if err := scanner.Err(); err != nil {
		e.metrics.Completions.WithLabelValues(rp.Vendor, "stream", "error").Inc()
		sink(StreamEvent{Err: fmt.Errorf("stream transport: %w", err)})
		return fmt.Errorf("stream transport: %w", err)
	}

	e.metrics.Completions.WithLabelValues(rp.Vendor, "stream", "ok").Inc()
	e.metrics.VendorLatency.WithLabelValues(rp.Vendor).Observe(latency.Seconds())
	sink(StreamEvent{Done: true, Usage: &finalUsage})
	return nil
}

func (e *Executor) prepare(rp resolver.Resolved, messages []providers.Message, opts providers.Options) ([]byte, string, error) {
	body, err := rp.Adapter.BuildRequestBody(messages, rp.Model, opts)
	if err != nil {
		return nil, "", err
	}
	endpoint, err := EndpointURL(rp.Adapter, rp.BaseURL)
	if err != nil {
		return nil, "", err
	}
	return body, endpoint, nil
}

func (e *Executor) post(ctx context.Context, client *http.Client, rp resolver.Resolved, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range rp.Adapter.AuthHeaders(rp.APIKey) {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		truncated := respBody
		if len(truncated) > maxErrorBody {
			truncated = truncated[:maxErrorBody]
		}
		return nil, &VendorError{Status: resp.StatusCode, Body: strings.TrimSpace(string(truncated))}
	}
	return respBody, nil
}

func (e *Executor) modelName(rp resolver.Resolved) string {
	if rp.Model != "" {
		return rp.Model
	}
	return rp.Adapter.DefaultModel()
}

func (e *Executor) record(ctx context.Context, rp resolver.Resolved, req Request, usage providers.Usage, latencyMS int64) {
	if e.recorder == nil {
		return
	}
	usage = usage.Normalize()
	e.recorder.Record(ctx, storage.UsageRecord{
		AgentID:      req.AgentID,
		Vendor:       rp.Vendor,
		Model:        e.modelName(rp),
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		TotalTokens:  usage.Total,
		LatencyMS:    latencyMS,
		RequestType:  req.RequestType,
		WorkspaceID:  req.WorkspaceID,
	})
}

// EndpointURL applies a workspace base-URL override to the adapter's
// default endpoint. The vendor path is appended to the override, so a
// gateway prefix like https://gw.example.com/openai is preserved.
func EndpointURL(adapter providers.Adapter, baseURL string) (string, error) {
	def := adapter.ChatEndpoint()
	if strings.TrimSpace(baseURL) == "" {
		return def, nil
	}
	du, err := url.Parse(def)
	if err != nil {
		return "", fmt.Errorf("parse default endpoint: %w", err)
	}
	bu, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url override: %w", err)
	}
	if bu.Scheme == "" || bu.Host == "" {
		return "", fmt.Errorf("base url override %q missing scheme or host", baseURL)
	}
	du.Scheme = bu.Scheme
	du.Host = bu.Host
	du.Path = strings.TrimSuffix(bu.Path, "/") + du.Path
	return du.String(), nil
}
