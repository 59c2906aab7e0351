package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Completions      *prometheus.CounterVec
	VendorLatency    *prometheus.HistogramVec
	LoopIterations   prometheus.Counter
	LoopExhausted    prometheus.Counter
	ToolExecutions   *prometheus.CounterVec
	TokensInput      prometheus.Counter
	TokensOutput     prometheus.Counter
	UsageWriteErrors prometheus.Counter
	StreamEvents     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "completions_total",
				Help:      "Completion requests by vendor, mode and outcome",
			}, []string{"vendor", "mode", "outcome"}),
			VendorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agentdesk",
				Name:      "vendor_latency_seconds",
				Help:      "Vendor completion round-trip latency",
				Buckets:   prometheus.DefBuckets,
			}, []string{"vendor"}),
			LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "agent_loop_iterations_total",
				Help:      "Total agent loop iterations executed",
			}),
			LoopExhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "agent_loop_exhausted_total",
				Help:      "Agent loop runs that hit the iteration cap",
			}),
			ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "tool_executions_total",
				Help:      "Tool executions by outcome",
			}, []string{"outcome"}),
			TokensInput: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "tokens_input_total",
				Help:      "Input tokens reported by vendors",
			}),
			TokensOutput: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "tokens_output_total",
				Help:      "Output tokens reported by vendors",
			}),
			UsageWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "usage_write_errors_total",
				Help:      "Usage ledger writes that failed and were dropped",
			}),
			StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentdesk",
				Name:      "stream_events_total",
				Help:      "Stream text events forwarded to callers",
			}),
		}
		prometheus.MustRegister(
			global.Completions,
			global.VendorLatency,
			global.LoopIterations,
			global.LoopExhausted,
			global.ToolExecutions,
			global.TokensInput,
			global.TokensOutput,
			global.UsageWriteErrors,
			global.StreamEvents,
		)
	})
	return global
}
