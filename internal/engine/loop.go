package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// iterationLimitNotice is appended as assistant text when the loop stops the
// model from requesting yet another round of tool calls.
const iterationLimitNotice = "[tool iteration limit reached: answering with the results gathered so far]"

// LoopResult is what one request-scoped run of the tool loop produced.
type LoopResult struct {
	Status     RequestStatus
	FinalText  string
	Usage      Usage
	History    []Message
	Iterations int
}

// Loop drives the model/tool conversation: stream a turn, dispatch whatever
// tool calls it queued, feed the results back, repeat until the model stops
// calling tools or the iteration cap is hit.
type Loop struct {
	Provider      ProviderClient
	Dispatcher    *Dispatcher
	MaxIterations int
	Logger        *slog.Logger
}

// Run executes the loop over history and returns the extended history plus a
// terminal status. Tool failures never surface here; only upstream failures
// and cancellation do.
func (l *Loop) Run(ctx context.Context, model string, history []Message, tools []ToolDefinition, opts ChatOptions, rc *RequestContext) (LoopResult, error) {
	maxIter := l.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}
	logger := l.logger().With("request_id", rc.RequestID, "model", model)

	result := LoopResult{History: history}
	var finalText strings.Builder

	for iter := 1; iter <= maxIter; iter++ {
		result.Iterations = iter

		turn, err := l.streamTurn(ctx, model, result.History, tools, opts, rc)
		result.Usage.Add(turn.usage)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				result.Status = StatusCancelled
				return result, err
			}
			logger.Error("provider stream failed", "iteration", iter, "error", err)
			rc.EmitOut(Event{Kind: KindError, Status: StatusUpstreamError, Err: err.Error()})
			result.Status = StatusUpstreamError
			return result, err
		}

		appendText(&finalText, turn.text)
		assistant := assistantMessage(turn.text, turn.calls)
		result.History = append(result.History, assistant)

		if len(turn.calls) == 0 {
			result.Status = StatusCompleted
			result.FinalText = finalText.String()
			rc.EmitOut(Event{Kind: KindDone, Status: StatusCompleted, Usage: result.Usage})
			return result, nil
		}

		if iter == maxIter {
			// The model wants another round but the budget is spent.
			// Queued calls are dropped, not dispatched.
			logger.Warn("tool iteration cap reached", "cap", maxIter, "dropped_calls", len(turn.calls))
			appendText(&finalText, iterationLimitNotice)
			result.History = append(result.History, Text(RoleAssistant, iterationLimitNotice))
			rc.EmitOut(Event{Kind: KindText, Text: iterationLimitNotice})
			result.Status = StatusTruncated
			result.FinalText = finalText.String()
			rc.EmitOut(Event{Kind: KindDone, Status: StatusTruncated, Usage: result.Usage})
			return result, nil
		}

		for i, call := range turn.calls {
			if ctx.Err() != nil {
				logger.Info("request cancelled between tool calls", "dropped_calls", len(turn.calls)-i)
				result.Status = StatusCancelled
				return result, ctx.Err()
			}
			res := l.Dispatcher.Dispatch(ctx, call, rc)
			result.History = append(result.History, ToolResult(call.ID, res.Text))
		}
	}

	// Unreachable: the cap branch above always returns on the last pass.
	result.Status = StatusTruncated
	result.FinalText = finalText.String()
	return result, nil
}

// turnOutcome collects one streamed model turn.
type turnOutcome struct {
	text  string
	calls []ToolCall
	usage Usage
}

// streamTurn drains one provider stream. Text and reasoning deltas are
// emitted as they arrive, tool calls are queued until the turn closes.
func (l *Loop) streamTurn(ctx context.Context, model string, history []Message, tools []ToolDefinition, opts ChatOptions, rc *RequestContext) (turnOutcome, error) {
	var (
		outcome turnOutcome
		text    strings.Builder
		stmErr  error
	)

	events, errs := l.Provider.Stream(ctx, model, history, tools, opts)
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case EventTextDelta:
				text.WriteString(ev.Text)
				rc.EmitOut(Event{Kind: KindText, Text: ev.Text})
			case EventReasoningDelta:
				rc.EmitOut(Event{Kind: KindReasoning, Text: ev.Text})
			case EventToolCall:
				outcome.calls = append(outcome.calls, ev.ToolCall)
			case EventTurnEnd:
				outcome.usage.Add(ev.Usage)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && stmErr == nil {
				stmErr = err
			}
		}
	}

	outcome.text = text.String()
	return outcome, stmErr
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func assistantMessage(text string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant, ToolCalls: calls}
	if text != "" {
		msg.Parts = []Part{{Type: PartText, Text: text}}
	}
	return msg
}

func appendText(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}
