package completion

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentdesk/internal/metrics"
	"agentdesk/internal/storage"
)

// Recorder appends usage ledger rows. Implementations are best-effort: a
// failed write must never propagate to the completion caller.
type Recorder interface {
	Record(ctx context.Context, rec storage.UsageRecord)
}

// StoreRecorder writes the ledger to the relational store, outside any
// transaction with the completion itself.
type StoreRecorder struct {
	store   *storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewStoreRecorder(store *storage.Store, m *metrics.Metrics, logger zerolog.Logger) *StoreRecorder {
	if m == nil {
		m = metrics.Global()
	}
	return &StoreRecorder{store: store, metrics: m, logger: logger}
}

var _ Recorder = (*StoreRecorder)(nil)

func (r *StoreRecorder) Record(ctx context.Context, rec storage.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := r.store.InsertUsage(ctx, rec); err != nil {
		// The answer has priority over the bookkeeping; drop the row.
		r.metrics.UsageWriteErrors.Inc()
		r.logger.Error().Err(err).
			Str("agent_id", rec.AgentID).
			Str("vendor", rec.Vendor).
			Msg("usage write failed, record dropped")
		return
	}
	r.metrics.TokensInput.Add(float64(rec.InputTokens))
	r.metrics.TokensOutput.Add(float64(rec.OutputTokens))
}
