package metrics

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, path)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func record(id string, started time.Time) RequestRecord {
	return RequestRecord{
		ID:             id,
		ConversationID: "conv-1",
		UserID:         "u1",
		InstanceID:     "owui-main",
		Model:          "gpt-4o",
		Provider:       "openai",
		Status:         string(engine.StatusCompleted),
		InputTokens:    1000,
		OutputTokens:   200,
		StartedAt:      started,
		Duration:       3 * time.Second,
	}
}

func TestRecorderWritesRows(t *testing.T) {
	s := testStore(t)
	r := NewRecorder(s, nil)

	r.RecordRequest(record("req-1", time.Now()))
	r.RecordToolCall(engine.ToolCallRecord{
		RequestID: "req-1", Name: "sandbox_execute", ArgsDigest: "ab12",
		Duration: 1500 * time.Millisecond, Status: "ok",
	})
	r.RecordToolCall(engine.ToolCallRecord{
		RequestID: "req-1", Name: "memory_create", ArgsDigest: "cd34",
		Duration: 20 * time.Millisecond, Status: "error",
	})
	r.Close()

	ctx := context.Background()
	reqs, err := s.RecentRequests(ctx, 10, 0)
	if err != nil {
		t.Fatalf("RecentRequests() error = %v", err)
	}
	if len(reqs) != 1 || reqs[0].ID != "req-1" {
		t.Fatalf("RecentRequests() = %+v, want the one recorded row", reqs)
	}
	// gpt-4o: 1000 in at $2.50/M + 200 out at $10/M.
	wantCost := 0.0025 + 0.002
	if math.Abs(reqs[0].Cost-wantCost) > 1e-9 {
		t.Errorf("cost = %v, want %v", reqs[0].Cost, wantCost)
	}

	calls, err := s.ToolCallsForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ToolCallsForRequest() error = %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("ToolCallsForRequest() returned %d rows, want 2", len(calls))
	}
	if calls[0].Name != "sandbox_execute" || calls[1].Name != "memory_create" {
		t.Errorf("tool rows out of dispatch order: %+v", calls)
	}
	if calls[0].Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", calls[0].Duration)
	}
}

func TestRecorderDropsRowsAfterClose(t *testing.T) {
	s := testStore(t)
	r := NewRecorder(s, nil)
	r.Close()

	// Must not block or panic.
	r.RecordRequest(record("late", time.Now()))
}

func TestDailyTotals(t *testing.T) {
	s := testStore(t)
	r := NewRecorder(s, nil)

	now := time.Now().UTC()
	r.RecordRequest(record("req-1", now))
	r.RecordRequest(record("req-2", now))
	r.RecordRequest(record("req-3", now.AddDate(0, 0, -1)))
	r.Close()

	days, err := s.DailyTotals(context.Background(), 7)
	if err != nil {
		t.Fatalf("DailyTotals() error = %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("DailyTotals() = %+v, want 2 days", days)
	}
	if days[0].Day >= days[1].Day {
		t.Errorf("days not oldest first: %q, %q", days[0].Day, days[1].Day)
	}
	if days[1].Requests != 2 || days[1].InputTokens != 2000 {
		t.Errorf("today = %+v, want 2 requests, 2000 input tokens", days[1])
	}
}

func TestModelAggregates(t *testing.T) {
	s := testStore(t)
	r := NewRecorder(s, nil)

	now := time.Now()
	r.RecordRequest(record("req-1", now))
	r.RecordRequest(record("req-2", now))
	claude := record("req-3", now)
	claude.Model = "claude-sonnet-4-20250514"
	claude.Provider = "anthropic"
	r.RecordRequest(claude)
	r.Close()

	aggs, err := s.ModelAggregates(context.Background())
	if err != nil {
		t.Fatalf("ModelAggregates() error = %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("ModelAggregates() = %+v, want 2 models", aggs)
	}
	if aggs[0].Model != "gpt-4o" || aggs[0].Requests != 2 {
		t.Errorf("most requested = %+v, want gpt-4o with 2 requests", aggs[0])
	}
}

func TestRecentRequestsPaging(t *testing.T) {
	s := testStore(t)
	r := NewRecorder(s, nil)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := record(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		r.RecordRequest(rec)
	}
	r.Close()

	page, err := s.RecentRequests(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("RecentRequests() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != "e" || page[1].ID != "d" {
		t.Errorf("first page = %+v, want newest first (e, d)", page)
	}

	page, err = s.RecentRequests(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("RecentRequests(offset) error = %v", err)
	}
	if len(page) != 2 || page[0].ID != "c" {
		t.Errorf("second page = %+v, want (c, b)", page)
	}
}
