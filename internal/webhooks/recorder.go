package webhooks

import (
	"context"
	"log/slog"

	"webhookd/internal/metrics"
	"webhookd/internal/model"
)

// FailureSink persists failure records.
type FailureSink interface {
	RecordFailure(ctx context.Context, rec model.FailureRecord) error
}

// Recorder writes a failure record for every failed delivery attempt.
// Record never fails; a record that cannot be written is logged and counted.
type Recorder struct {
	sink FailureSink
	log  *slog.Logger
}

func NewRecorder(sink FailureSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, log: logger}
}

func (r *Recorder) Record(ctx context.Context, rec model.FailureRecord) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.RecordFailure(context.WithoutCancel(ctx), rec); err != nil {
		metrics.FailureRecordErrors.Inc()
		r.log.Error("failed to record webhook failure",
			slog.String("subscription_id", rec.SubscriptionID),
			slog.String("url", rec.URL),
			slog.String("event_type", rec.EventType),
			slog.String("error", err.Error()))
	}
}
