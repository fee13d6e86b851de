package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// Recorder is the single writer for the metrics store. All rows funnel
// through one owner goroutine, so callers never contend on the database
// handle and a request that outlives its client still lands its rows.
type Recorder struct {
	store      *Store
	collectors *Collectors
	logger     *slog.Logger

	rows    chan any
	quit    chan struct{}
	stopped chan struct{}
}

// NewRecorder starts the writer goroutine. collectors may be nil.
func NewRecorder(store *Store, collectors *Collectors) *Recorder {
	r := &Recorder{
		store:      store,
		collectors: collectors,
		logger:     slog.Default().With("component", "metrics"),
		rows:       make(chan any, 256),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordRequest appends one request row. The cost is derived here from the
// model and token counts; a missing cached-token count has already been
// normalized to zero by the adapter.
func (r *Recorder) RecordRequest(rec RequestRecord) {
	rec.Cost = Cost(rec.Model, engine.Usage{
		InputTokens:       rec.InputTokens,
		OutputTokens:      rec.OutputTokens,
		CachedInputTokens: rec.CachedInputTokens,
	})
	r.enqueue(rec)
}

// RecordToolCall appends one tool-call row. Implements engine.MetricsSink.
func (r *Recorder) RecordToolCall(rec engine.ToolCallRecord) {
	r.enqueue(rec)
}

func (r *Recorder) enqueue(row any) {
	select {
	case r.rows <- row:
	case <-r.stopped:
		r.logger.Warn("row dropped after recorder shutdown")
	}
}

// Close drains buffered rows and stops the writer.
func (r *Recorder) Close() {
	close(r.quit)
	<-r.stopped
}

func (r *Recorder) run() {
	for {
		select {
		case row := <-r.rows:
			r.write(row)
		case <-r.quit:
			for {
				select {
				case row := <-r.rows:
					r.write(row)
				default:
					close(r.stopped)
					return
				}
			}
		}
	}
}

func (r *Recorder) write(row any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch rec := row.(type) {
	case RequestRecord:
		if err := r.store.insertRequest(ctx, rec); err != nil {
			r.logger.Error("request row write failed", "request", rec.ID, "error", err)
			return
		}
		if r.collectors != nil {
			r.collectors.ObserveRequest(rec.Provider, rec.Status, rec.Duration)
		}
	case engine.ToolCallRecord:
		if err := r.store.insertToolCall(ctx, rec); err != nil {
			r.logger.Error("tool call row write failed", "request", rec.RequestID, "tool", rec.Name, "error", err)
			return
		}
		if r.collectors != nil {
			r.collectors.ObserveToolCall(rec)
		}
	}
}
