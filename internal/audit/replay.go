package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chainlog/internal/audit/fallback"
	"chainlog/internal/audit/metrics"
	"chainlog/pkg/requestcontext"
)

// ReplaySummary reports the outcome of one replay pass.
type ReplaySummary struct {
	FilesProcessed int `json:"files_processed"`
	Replayed       int `json:"replayed"`
	// Requeued counts records whose replay attempt itself fell back again,
	// typically because the chain store was still unavailable. Nothing is
	// lost; they land in a fresh fallback file.
	Requeued int      `json:"requeued"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Replayer re-submits fallback-logged events through the audit logger once
// the chain store recovers. It is intended to run out of band (operator
// trigger or cron), never inline with request handling.
type Replayer struct {
	log     *fallback.Log
	audit   *Logger
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayerLogger sets the slog logger.
func WithReplayerLogger(logger *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.logger = logger }
}

// WithReplayerMetrics sets the metrics collector.
func WithReplayerMetrics(m *metrics.Metrics) ReplayerOption {
	return func(r *Replayer) { r.metrics = m }
}

// NewReplayer constructs a Replayer.
func NewReplayer(log *fallback.Log, auditLogger *Logger, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		log:    log,
		audit:  auditLogger,
		logger: slog.Default(),
		tracer: otel.Tracer("chainlog/audit"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayPending replays all pending fallback files oldest-first. Replay runs
// through the normal LogEvent path, so an event whose store write still
// fails is re-diverted to a fresh fallback file rather than lost. Files are
// archived only after every line has been visited; a malformed line is
// recorded and skipped, never aborting the file.
//
// Chronological file order preserves relative ordering per tenant as far as
// the fallback files themselves do; no global cross-tenant ordering is
// guaranteed.
func (r *Replayer) ReplayPending(ctx context.Context) (*ReplaySummary, error) {
	ctx, span := r.tracer.Start(ctx, "audit.ReplayPending")
	defer span.End()

	files, err := r.log.PendingFiles()
	if err != nil {
		return nil, fmt.Errorf("enumerate pending fallback files: %w", err)
	}

	summary := &ReplaySummary{}
	for _, path := range files {
		// Stage first: events that fall back again during replay must land
		// in a fresh daily file, not the one being drained.
		staged, err := r.log.Stage(path)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			r.logger.ErrorContext(ctx, "failed to stage fallback file for replay",
				"file", path, "error", err)
			continue
		}

		r.replayFile(ctx, staged, summary)

		if err := r.log.Archive(staged); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			r.logger.ErrorContext(ctx, "failed to archive replayed fallback file",
				"file", path, "error", err)
			continue
		}
		summary.FilesProcessed++
	}

	r.logger.InfoContext(ctx, "fallback replay finished",
		"files", summary.FilesProcessed,
		"replayed", summary.Replayed,
		"requeued", summary.Requeued,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (r *Replayer) replayFile(ctx context.Context, path string, summary *ReplaySummary) {
	records, errs := r.log.ReadRecords(path)
	for _, err := range errs {
		summary.Failed++
		summary.Errors = append(summary.Errors, err.Error())
		if r.metrics != nil {
			r.metrics.ReplayFailures.Inc()
		}
	}

	for _, rec := range records {
		// The marker is only ever set outside the service (operator tooling
		// salvaging a partial file); honoring it keeps such lines from being
		// double-logged.
		if rec.Replayed {
			summary.Skipped++
			continue
		}

		var event Event
		if err := json.Unmarshal(rec.Event, &event); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s: decode event: %v", filepath.Base(path), err))
			if r.metrics != nil {
				r.metrics.ReplayFailures.Inc()
			}
			continue
		}

		// Restore the tenant context the record captured. Records with no
		// tenant go back through LogEvent and re-divert with the same
		// no_tenant_context reason, which keeps them visible to operators.
		eventCtx := ctx
		if rec.TenantID != "" {
			eventCtx = requestcontext.WithTenantID(ctx, rec.TenantID)
		}

		if entry := r.audit.LogEvent(eventCtx, event); entry != nil {
			summary.Replayed++
			if r.metrics != nil {
				r.metrics.ReplayedEntries.Inc()
			}
		} else {
			summary.Requeued++
		}
	}
}
