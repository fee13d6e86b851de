package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ToolCallRecord is one append-only telemetry row for a dispatched call.
type ToolCallRecord struct {
	RequestID  string
	Name       string
	ArgsDigest string
	Duration   time.Duration
	Status     string // ok | error | invalid | cancelled
}

// MetricsSink receives telemetry rows. The metrics recorder implements it;
// tests use NopMetrics.
type MetricsSink interface {
	RecordToolCall(rec ToolCallRecord)
}

// NopMetrics discards every record.
type NopMetrics struct{}

func (NopMetrics) RecordToolCall(ToolCallRecord) {}

// DispatchResult is the outcome of one tool call: Text goes into the tool
// message either way, OK distinguishes results from serialized errors.
type DispatchResult struct {
	OK   bool
	Text string
}

// Dispatcher is the single entry point through which a ToolCall becomes a
// tool result. Failures of any kind come back as error results; they are
// never raised as request failures.
type Dispatcher struct {
	Registry Registry
	Metrics  MetricsSink
	Logger   *slog.Logger

	// Timeouts bounds each call by category; zero entries fall back to
	// DefaultToolTimeout.
	Timeouts map[string]time.Duration
}

// DefaultToolTimeout bounds tool calls whose category has no explicit entry.
const DefaultToolTimeout = 60 * time.Second

// Dispatch validates, executes, meters, and brackets one tool call with
// begin/end detail markers.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall, rc *RequestContext) DispatchResult {
	rc.EmitOut(Event{Kind: KindToolBegin, ToolID: call.ID, ToolName: call.Name, Summary: argSummary(call)})

	start := time.Now()
	res, status := d.run(ctx, call, rc)
	elapsed := time.Since(start)

	if d.Metrics != nil {
		d.Metrics.RecordToolCall(ToolCallRecord{
			RequestID:  rc.RequestID,
			Name:       call.Name,
			ArgsDigest: argsDigest(call),
			Duration:   elapsed,
			Status:     status,
		})
	}

	rc.EmitOut(Event{
		Kind:     KindToolEnd,
		ToolID:   call.ID,
		ToolName: call.Name,
		OK:       res.OK,
		Summary:  fmt.Sprintf("%s in %dms", status, elapsed.Milliseconds()),
	})
	return res
}

func (d *Dispatcher) run(ctx context.Context, call ToolCall, rc *RequestContext) (DispatchResult, string) {
	logger := d.logger().With("tool", call.Name, "request_id", rc.RequestID)

	tool, ok := d.Registry.Get(call.Name)
	if !ok {
		logger.Warn("model called unknown tool")
		return errResult(fmt.Sprintf("unknown tool: %s", call.Name)), "invalid"
	}
	if !d.Registry.enabledFor(tool, rc.Config) {
		logger.Warn("model called disabled tool")
		return errResult(fmt.Sprintf("tool %s is not enabled for this request", call.Name)), "invalid"
	}

	// Adapters flag calls that arrived malformed (truncated stream,
	// undecodable arguments) instead of dropping them.
	if call.Error != "" {
		return errResult(fmt.Sprintf("tool call %s was malformed: %s", call.Name, call.Error)), "invalid"
	}

	if err := tool.ValidateArgs(call.Args); err != nil {
		var vErr *ToolValidationError
		if errors.As(err, &vErr) {
			logger.Info("tool arguments failed validation", "errors", vErr.Errors)
			return errResult(vErr.Error()), "invalid"
		}
		return errResult(fmt.Sprintf("argument validation failed: %v", err)), "invalid"
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeoutFor(tool))
	defer cancel()

	out, err := tool.Fn(cctx, rc, call.Args)
	if err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		logger.Info("tool returned error", "error", err)
		return errResult(fmt.Sprintf("tool %s failed: %v", call.Name, err)), status
	}

	return DispatchResult{OK: true, Text: out}, "ok"
}

func (d *Dispatcher) timeoutFor(tool Tool) time.Duration {
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	if t, ok := d.Timeouts[tool.Category]; ok && t > 0 {
		return t
	}
	return DefaultToolTimeout
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func errResult(msg string) DispatchResult {
	return DispatchResult{OK: false, Text: "ERROR: " + msg}
}

func argsDigest(call ToolCall) string {
	sum := sha256.Sum256([]byte(call.ArgsJSON))
	return hex.EncodeToString(sum[:])[:16]
}
