package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// responsesBackend serves one canned SSE body and captures the request.
func responsesBackend(t *testing.T, lines []string, captured *responsesRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s, want /responses", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
}

func collectStream(t *testing.T, events <-chan engine.StreamEvent, errs <-chan error) ([]engine.StreamEvent, error) {
	t.Helper()
	var out []engine.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out, <-errs
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestResponsesStreamDecoding(t *testing.T) {
	lines := []string{
		`{"type":"response.output_item.added","item":{"type":"function_call","id":"it_1","call_id":"call_1","name":"date_time_now"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"it_1","delta":"{\"timezone\":"}`,
		`{"type":"response.function_call_arguments.delta","item_id":"it_1","delta":"\"Asia/Tokyo\"}"}`,
		`{"type":"response.function_call_arguments.done","item_id":"it_1","arguments":"{\"timezone\":\"Asia/Tokyo\"}"}`,
		`{"type":"response.output_text.delta","delta":"Checking"}`,
		`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":10,"output_tokens":3,"input_tokens_details":{"cached_tokens":2}}}}`,
		`[DONE]`,
	}
	var captured responsesRequest
	srv := responsesBackend(t, lines, &captured)
	defer srv.Close()

	client := NewResponsesClient("sk-test", srv.URL)
	events, errs := client.Stream(context.Background(), "gpt-4o",
		[]engine.Message{engine.Text(engine.RoleUser, "time in tokyo?")}, nil, engine.ChatOptions{})

	got, err := collectStream(t, events, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if !captured.Stream {
		t.Error("request did not set stream")
	}
	if captured.Store {
		t.Error("request must be stateless (store=false)")
	}
	if captured.Model != "gpt-4o" {
		t.Errorf("model = %q", captured.Model)
	}

	if len(got) != 3 {
		t.Fatalf("events = %d (%+v), want text delta, tool call, turn end", len(got), got)
	}
	if got[0].Type != engine.EventTextDelta || got[0].Text != "Checking" {
		t.Errorf("event 0 = %+v", got[0])
	}
	call := got[1]
	if call.Type != engine.EventToolCall || call.ToolCall.ID != "call_1" || call.ToolCall.Name != "date_time_now" {
		t.Errorf("event 1 = %+v", call)
	}
	if tz, _ := call.ToolCall.Args["timezone"].(string); tz != "Asia/Tokyo" {
		t.Errorf("decoded args = %+v", call.ToolCall.Args)
	}
	end := got[2]
	if end.Type != engine.EventTurnEnd || end.FinishReason != engine.FinishToolCalls {
		t.Errorf("event 2 = %+v", end)
	}
	// input_tokens=10 includes the 2 cached tokens; they must land in one
	// bucket only.
	if end.Usage.InputTokens != 8 || end.Usage.OutputTokens != 3 || end.Usage.CachedInputTokens != 2 {
		t.Errorf("usage = %+v", end.Usage)
	}
}

func TestResponsesUsageSplitsCachedInput(t *testing.T) {
	u := &responsesUsage{InputTokens: 100, OutputTokens: 7}
	u.InputTokensDetails.CachedTokens = 60
	got := u.toEngine()
	if got.InputTokens != 40 || got.CachedInputTokens != 60 || got.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 40 fresh / 60 cached / 7 output", got)
	}

	over := &responsesUsage{InputTokens: 5}
	over.InputTokensDetails.CachedTokens = 9
	if got := over.toEngine(); got.InputTokens != 0 {
		t.Errorf("fresh input = %d, want 0 when the cached detail overshoots", got.InputTokens)
	}
}

func TestResponsesStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`)
	}))
	defer srv.Close()

	client := NewResponsesClient("sk-test", srv.URL)
	events, errs := client.Stream(context.Background(), "gpt-4o",
		[]engine.Message{engine.Text(engine.RoleUser, "hi")}, nil, engine.ChatOptions{})

	_, err := collectStream(t, events, errs)
	var uerr *engine.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *engine.UpstreamError", err)
	}
	if uerr.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want 429", uerr.HTTPStatus)
	}
}

func TestResponsesChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id":"resp_1","status":"completed",
			"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello."}]}],
			"usage":{"input_tokens":5,"output_tokens":2,"input_tokens_details":{"cached_tokens":0}}
		}`)
	}))
	defer srv.Close()

	client := NewResponsesClient("sk-test", srv.URL)
	resp, err := client.Chat(context.Background(), "gpt-4o",
		[]engine.Message{engine.Text(engine.RoleUser, "hi")}, nil, engine.ChatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.TextContent() != "Hello." {
		t.Errorf("text = %q", resp.Message.TextContent())
	}
	if resp.FinishReason != engine.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestResponsesInputRendersHistory(t *testing.T) {
	history := []engine.Message{
		engine.Text(engine.RoleSystem, "be brief"),
		engine.Text(engine.RoleUser, "what time is it?"),
		{Role: engine.RoleAssistant, ToolCalls: []engine.ToolCall{
			{ID: "call_1", Name: "date_time_now", ArgsJSON: `{}`},
		}},
		engine.ToolResult("call_1", `{"iso":"2026-08-25T09:00:00Z"}`),
	}
	items := responsesInput(history)
	if len(items) != 4 {
		t.Fatalf("items = %d, want 4", len(items))
	}
	if items[2].Type != "function_call" || items[2].CallID != "call_1" {
		t.Errorf("item 2 = %+v", items[2])
	}
	if items[3].Type != "function_call_output" || items[3].Output == "" {
		t.Errorf("item 3 = %+v", items[3])
	}
}
