package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedTurn is one canned provider turn; the last turn replays forever so
// a script can model a provider that never stops calling tools.
type scriptedTurn struct {
	events []StreamEvent
	err    error
}

type scriptedProvider struct {
	turns []scriptedTurn
	calls int
}

func (p *scriptedProvider) Stream(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (<-chan StreamEvent, <-chan error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]

	events := make(chan StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, ev := range turn.events {
			events <- ev
		}
		errs <- turn.err
	}()
	return events, errs
}

func (p *scriptedProvider) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (ChatResponse, error) {
	return ChatResponse{}, errors.New("scripted provider is stream-only")
}

func mustArgs(t *testing.T, argsJSON string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &m); err != nil {
		t.Fatalf("bad test args %q: %v", argsJSON, err)
	}
	return m
}

func textTurn(parts ...string) scriptedTurn {
	var events []StreamEvent
	for _, p := range parts {
		events = append(events, StreamEvent{Type: EventTextDelta, Text: p})
	}
	events = append(events, StreamEvent{Type: EventTurnEnd, FinishReason: FinishStop, Usage: Usage{InputTokens: 10, OutputTokens: 5}})
	return scriptedTurn{events: events}
}

func toolTurn(t *testing.T, callID, argsJSON string) scriptedTurn {
	return scriptedTurn{events: []StreamEvent{
		{Type: EventToolCall, ToolCall: ToolCall{ID: callID, Name: "echo", Args: mustArgs(t, argsJSON), ArgsJSON: argsJSON}},
		{Type: EventTurnEnd, FinishReason: FinishToolCalls, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}}
}

func newLoop(provider ProviderClient, sink MetricsSink, maxIter int) *Loop {
	return &Loop{
		Provider:      provider,
		Dispatcher:    &Dispatcher{Registry: echoRegistry(), Metrics: sink},
		MaxIterations: maxIter,
	}
}

func TestLoopSingleTurn(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{textTurn("Hello", " world")}}
	rec := &eventRecorder{}
	loop := newLoop(provider, NopMetrics{}, 5)

	res, err := loop.Run(context.Background(), "test-model", []Message{Text(RoleUser, "hi")}, nil, ChatOptions{}, newTestContext(rec))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.FinalText != "Hello world" {
		t.Errorf("final text = %q, want %q", res.FinalText, "Hello world")
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if len(res.History) != 2 {
		t.Errorf("history length = %d, want 2", len(res.History))
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", res.Usage)
	}

	kinds := rec.kinds()
	want := []EventKind{KindText, KindText, KindDone}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
	done := rec.events[len(rec.events)-1]
	if done.Status != StatusCompleted {
		t.Errorf("done status = %q, want %q", done.Status, StatusCompleted)
	}
	if done.Usage.Total() != 15 {
		t.Errorf("done usage total = %d, want 15", done.Usage.Total())
	}
}

func TestLoopIterationCap(t *testing.T) {
	const maxIter = 3
	// The model asks for a tool on every turn and never finishes.
	provider := &scriptedProvider{turns: []scriptedTurn{toolTurn(t, "call_1", `{"message":"again"}`)}}
	sink := &captureSink{}
	rec := &eventRecorder{}
	loop := newLoop(provider, sink, maxIter)

	res, err := loop.Run(context.Background(), "test-model", []Message{Text(RoleUser, "go")}, nil, ChatOptions{}, newTestContext(rec))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if provider.calls != maxIter {
		t.Errorf("provider consulted %d times, want exactly %d", provider.calls, maxIter)
	}
	if res.Status != StatusTruncated {
		t.Errorf("status = %q, want %q", res.Status, StatusTruncated)
	}
	// The final round's queued call is dropped, so only maxIter-1 dispatches run.
	if len(sink.recs) != maxIter-1 {
		t.Errorf("dispatched %d calls, want %d", len(sink.recs), maxIter-1)
	}
	if !strings.Contains(res.FinalText, iterationLimitNotice) {
		t.Errorf("final text %q missing the iteration notice", res.FinalText)
	}

	last := res.History[len(res.History)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.TextContent(), "iteration limit") {
		t.Errorf("last history message = %+v, want assistant iteration notice", last)
	}

	kinds := rec.kinds()
	if kinds[len(kinds)-1] != KindDone {
		t.Fatalf("last event = %v, want %v", kinds[len(kinds)-1], KindDone)
	}
	if rec.events[len(rec.events)-1].Status != StatusTruncated {
		t.Errorf("done status = %q, want %q", rec.events[len(rec.events)-1].Status, StatusTruncated)
	}
	if kinds[len(kinds)-2] != KindText {
		t.Errorf("event before done = %v, want the notice text", kinds[len(kinds)-2])
	}
}

func TestLoopToolArgumentRecovery(t *testing.T) {
	// First call omits the required argument, the retry fixes it.
	provider := &scriptedProvider{turns: []scriptedTurn{
		toolTurn(t, "call_1", `{}`),
		toolTurn(t, "call_2", `{"message":"second try"}`),
		textTurn("All done."),
	}}
	sink := &captureSink{}
	rec := &eventRecorder{}
	loop := newLoop(provider, sink, 5)

	res, err := loop.Run(context.Background(), "test-model", []Message{Text(RoleUser, "go")}, nil, ChatOptions{}, newTestContext(rec))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if len(sink.recs) != 2 {
		t.Fatalf("dispatched %d calls, want 2", len(sink.recs))
	}
	if sink.recs[0].Status != "invalid" {
		t.Errorf("first call status = %q, want invalid", sink.recs[0].Status)
	}
	if sink.recs[1].Status != "ok" {
		t.Errorf("second call status = %q, want ok", sink.recs[1].Status)
	}

	var invalidResult Message
	for _, msg := range res.History {
		if msg.Role == RoleTool && msg.ToolCallID == "call_1" {
			invalidResult = msg
		}
	}
	if !strings.HasPrefix(invalidResult.TextContent(), "ERROR:") {
		t.Errorf("invalid call result = %q, want ERROR prefix", invalidResult.TextContent())
	}
}

// blockingProvider emits one delta then parks until the context is cancelled.
type blockingProvider struct {
	delivered chan struct{}
}

func (p *blockingProvider) Stream(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		events <- StreamEvent{Type: EventTextDelta, Text: "partial"}
		close(p.delivered)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return events, errs
}

func (p *blockingProvider) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition, opts ChatOptions) (ChatResponse, error) {
	return ChatResponse{}, errors.New("blocking provider is stream-only")
}

func TestLoopCancellation(t *testing.T) {
	provider := &blockingProvider{delivered: make(chan struct{})}
	rec := &eventRecorder{}
	loop := newLoop(provider, NopMetrics{}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		res LoopResult
		err error
	}
	resCh := make(chan runResult, 1)
	go func() {
		res, err := loop.Run(ctx, "test-model", []Message{Text(RoleUser, "hi")}, nil, ChatOptions{}, newTestContext(rec))
		resCh <- runResult{res, err}
	}()

	select {
	case <-provider.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never delivered the first delta")
	}
	cancel()

	var got runResult
	select {
	case got = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not return after cancellation")
	}

	if got.res.Status != StatusCancelled {
		t.Errorf("status = %q, want %q", got.res.Status, StatusCancelled)
	}
	if !errors.Is(got.err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", got.err)
	}
	// Nothing may be emitted after cancellation: no done, no error event.
	for _, ev := range rec.events {
		if ev.Kind == KindDone || ev.Kind == KindError {
			t.Errorf("emitted %v after cancellation", ev.Kind)
		}
	}
}

func TestLoopUpstreamError(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{
			events: []StreamEvent{{Type: EventTextDelta, Text: "par"}},
			err:    errors.New("502 bad gateway"),
		},
	}}
	rec := &eventRecorder{}
	loop := newLoop(provider, NopMetrics{}, 5)

	res, err := loop.Run(context.Background(), "test-model", []Message{Text(RoleUser, "hi")}, nil, ChatOptions{}, newTestContext(rec))
	if err == nil {
		t.Fatal("Run() error = nil, want upstream error")
	}
	if res.Status != StatusUpstreamError {
		t.Errorf("status = %q, want %q", res.Status, StatusUpstreamError)
	}

	last := rec.events[len(rec.events)-1]
	if last.Kind != KindError {
		t.Fatalf("last event = %v, want %v", last.Kind, KindError)
	}
	if !strings.Contains(last.Err, "502") {
		t.Errorf("error event text = %q, want the upstream detail", last.Err)
	}
}

func TestLoopEventOrder(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		toolTurn(t, "call_1", `{"message":"hi"}`),
		textTurn("final answer"),
	}}
	rec := &eventRecorder{}
	loop := newLoop(provider, NopMetrics{}, 5)

	res, err := loop.Run(context.Background(), "test-model", []Message{Text(RoleUser, "hi")}, nil, ChatOptions{}, newTestContext(rec))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", res.Status, StatusCompleted)
	}

	want := []EventKind{KindToolBegin, KindToolEnd, KindText, KindDone}
	kinds := rec.kinds()
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
}
