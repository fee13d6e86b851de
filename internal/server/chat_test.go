package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/metrics"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/shaper"
)

func chatBody(t *testing.T, stream bool, cfg engine.RequestConfig) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]any{
			{"role": "user", "content": "Say hello."},
		},
		"stream":          stream,
		"tools_config":    cfg,
		"user_id":         "u1",
		"conversation_id": "conv-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return strings.NewReader(string(body))
}

func postChat(srv *Server, body *strings.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatNonStreaming(t *testing.T) {
	provider := &scriptedProvider{turns: [][]engine.StreamEvent{textTurn("Hello there.")}}
	srv := newTestServer(t, provider, nil)

	rec := postChat(srv, chatBody(t, false, engine.RequestConfig{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Message string         `json:"message"`
		Status  string         `json:"status"`
		Usage   map[string]int `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "Hello there." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Status != string(engine.StatusCompleted) {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if resp.Usage["input_tokens"] != 12 || resp.Usage["output_tokens"] != 4 {
		t.Errorf("usage = %v", resp.Usage)
	}
}

func TestChatStreaming(t *testing.T) {
	provider := &scriptedProvider{turns: [][]engine.StreamEvent{textTurn("Hello there.")}}
	srv := newTestServer(t, provider, nil)

	rec := postChat(srv, chatBody(t, true, engine.RequestConfig{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	deltaAt := strings.Index(body, "event: delta")
	doneAt := strings.Index(body, "event: done")
	if deltaAt < 0 || doneAt < 0 || deltaAt > doneAt {
		t.Fatalf("frame order wrong in body:\n%s", body)
	}
	if !strings.Contains(body, `"content":"Hello there."`) {
		t.Errorf("delta payload missing, body:\n%s", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Errorf("done payload missing, body:\n%s", body)
	}
	if !strings.Contains(body, `"input_tokens":12`) {
		t.Errorf("usage missing from done frame, body:\n%s", body)
	}
}

func TestChatStreamingToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{turns: [][]engine.StreamEvent{
		{
			{Type: engine.EventToolCall, ToolCall: engine.ToolCall{
				ID: "call_1", Name: "date_time_now", Args: map[string]any{}, ArgsJSON: "{}",
			}},
			{Type: engine.EventTurnEnd, FinishReason: engine.FinishToolCalls,
				Usage: engine.Usage{InputTokens: 10, OutputTokens: 2}},
		},
		textTurn("It is Tuesday."),
	}}
	reg := engine.Registry{
		"date_time_now": {
			Name:       "date_time_now",
			SchemaJSON: `{"type":"object","properties":{}}`,
			Category:   engine.CategoryDate,
			Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
				return "2026-08-25", nil
			},
		},
	}
	srv := newTestServer(t, provider, reg)

	rec := postChat(srv, chatBody(t, true, engine.RequestConfig{DateTime: true}))
	body := rec.Body.String()

	beginAt := strings.Index(body, `"phase":"begin"`)
	endAt := strings.Index(body, `"phase":"end"`)
	doneAt := strings.Index(body, "event: done")
	if beginAt < 0 || endAt < 0 || beginAt > endAt || endAt > doneAt {
		t.Fatalf("tool frames out of order, body:\n%s", body)
	}
	if !strings.Contains(body, `"name":"date_time_now"`) {
		t.Errorf("tool name missing, body:\n%s", body)
	}
	// The end marker reports the outcome summary alongside ok.
	if !strings.Contains(body[endAt:], `"summary":"ok in `) {
		t.Errorf("end marker missing outcome summary, body:\n%s", body)
	}
	if !strings.Contains(body, "It is Tuesday.") {
		t.Errorf("final text missing, body:\n%s", body)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestChatRejectsOversizedInput(t *testing.T) {
	srv := New(Deps{
		Config:   testConfig(),
		Registry: engine.Registry{},
		Shaper:   &shaper.Shaper{Tok: shaper.Heuristic{}, MaxInputTokens: 5},
		NewProvider: func(string, engine.RequestConfig) (engine.ProviderClient, error) {
			return &scriptedProvider{}, nil
		},
	})

	rec := postChat(srv, chatBody(t, false, engine.RequestConfig{}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413, body %s", rec.Code, rec.Body.String())
	}
}

func TestChatRecordsMetricsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := metrics.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := metrics.NewStore(db, path)
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	recorder := metrics.NewRecorder(store, nil)

	provider := &scriptedProvider{turns: [][]engine.StreamEvent{textTurn("Hello there.")}}
	srv := New(Deps{
		Config:   testConfig(),
		Registry: engine.Registry{},
		Shaper:   &shaper.Shaper{Tok: shaper.Heuristic{}, MaxInputTokens: 128000},
		Recorder: recorder,
		Metrics:  store,
		NewProvider: func(string, engine.RequestConfig) (engine.ProviderClient, error) {
			return provider, nil
		},
	})

	rec := postChat(srv, chatBody(t, false, engine.RequestConfig{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	recorder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := store.RecentRequests(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Status != string(engine.StatusCompleted) {
		t.Errorf("status = %q", row.Status)
	}
	if row.Model != "gpt-4o" || row.Provider != "openai" {
		t.Errorf("model/provider = %q/%q", row.Model, row.Provider)
	}
	if row.UserID != "u1" || row.ConversationID != "conv-1" {
		t.Errorf("ids = %q/%q", row.UserID, row.ConversationID)
	}
	if row.InputTokens != 12 || row.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", row.InputTokens, row.OutputTokens)
	}
	if row.Cost <= 0 {
		t.Errorf("cost = %f, want > 0 for a priced model", row.Cost)
	}
	if row.ID == "" {
		t.Error("request id not recorded")
	}
}

// stallingProvider emits one delta, then holds the stream open until the
// request context ends.
type stallingProvider struct {
	firstDelta chan struct{}
}

func (p *stallingProvider) Stream(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		select {
		case events <- engine.StreamEvent{Type: engine.EventTextDelta, Text: "partial"}:
			close(p.firstDelta)
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return events, errs
}

func (p *stallingProvider) Chat(ctx context.Context, model string, messages []engine.Message, tools []engine.ToolDefinition, opts engine.ChatOptions) (engine.ChatResponse, error) {
	return engine.ChatResponse{}, ctx.Err()
}

func TestChatClientDisconnectRecordsCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := metrics.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := metrics.NewStore(db, path)
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	recorder := metrics.NewRecorder(store, nil)

	provider := &stallingProvider{firstDelta: make(chan struct{})}
	srv := New(Deps{
		Config:   testConfig(),
		Registry: engine.Registry{},
		Shaper:   &shaper.Shaper{Tok: shaper.Heuristic{}, MaxInputTokens: 128000},
		Recorder: recorder,
		Metrics:  store,
		NewProvider: func(string, engine.RequestConfig) (engine.ProviderClient, error) {
			return provider, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, true, engine.RequestConfig{})).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		srv.Handler().ServeHTTP(rec, req)
		close(served)
	}()

	select {
	case <-provider.firstDelta:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never produced a delta")
	}
	cancel()

	// The handler must let go promptly once the client disconnects.
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("handler still running 1s after the client went away")
	}
	recorder.Close()

	if !strings.Contains(rec.Body.String(), "partial") {
		t.Errorf("delta before the disconnect missing, body:\n%s", rec.Body.String())
	}

	rows, err := store.RecentRequests(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Status != string(engine.StatusCancelled) {
		t.Errorf("recorded status = %q, want cancelled", rows[0].Status)
	}
}

func TestChatValidatesMessages(t *testing.T) {
	srv := newTestServer(t, &scriptedProvider{}, nil)

	body := `{"model":"gpt-4o","messages":[{"role":"alien","content":"hi"}],"user_id":"u1","conversation_id":"c1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad role: status = %d, want 400", rec.Code)
	}
}
