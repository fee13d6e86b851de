// Package metrics keeps the append-only request and tool-call log the
// analytics dashboard reads. Writes go through a single recorder goroutine;
// reads open a fresh connection per call so they always see the latest
// committed state.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// RequestRecord is one append-only row per chat request.
type RequestRecord struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversation_id"`
	UserID            string        `json:"user_id"`
	InstanceID        string        `json:"instance_id"`
	Model             string        `json:"model"`
	Provider          string        `json:"provider"`
	Status            string        `json:"status"`
	InputTokens       int           `json:"input_tokens"`
	OutputTokens      int           `json:"output_tokens"`
	CachedInputTokens int           `json:"cached_input_tokens"`
	Cost              float64       `json:"cost"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ms"`
	Error             string        `json:"error,omitempty"`
}

// DayTotals aggregates one calendar day (UTC).
type DayTotals struct {
	Day               string  `json:"day"`
	Requests          int     `json:"requests"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CachedInputTokens int64   `json:"cached_input_tokens"`
	Cost              float64 `json:"cost"`
}

// ModelAggregate aggregates one (provider, model) pair over all time.
type ModelAggregate struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Open opens the shared sqlite database. One handle serves all stores; the
// single connection serializes writers and busy_timeout covers the read
// snapshots opened alongside it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Store persists request and tool-call rows.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore wraps the shared write handle. path is kept so read queries can
// open their own snapshot connections.
func NewStore(db *sql.DB, path string) *Store {
	return &Store{db: db, path: path}
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS requests (
		id                  TEXT PRIMARY KEY,
		conversation_id     TEXT NOT NULL,
		user_id             TEXT NOT NULL,
		instance_id         TEXT NOT NULL,
		model               TEXT NOT NULL,
		provider            TEXT NOT NULL,
		status              TEXT NOT NULL,
		input_tokens        INTEGER NOT NULL,
		output_tokens       INTEGER NOT NULL,
		cached_input_tokens INTEGER NOT NULL,
		cost                REAL NOT NULL,
		started_at          INTEGER NOT NULL,
		duration_ms         INTEGER NOT NULL,
		error               TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_requests_started ON requests (started_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		name        TEXT NOT NULL,
		args_digest TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		status      TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_request ON tool_calls (request_id);
	`)
	if err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	return nil
}

func (s *Store) insertRequest(ctx context.Context, r RequestRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
		(id, conversation_id, user_id, instance_id, model, provider, status,
		 input_tokens, output_tokens, cached_input_tokens, cost, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.UserID, r.InstanceID, r.Model, r.Provider, r.Status,
		r.InputTokens, r.OutputTokens, r.CachedInputTokens, r.Cost,
		r.StartedAt.Unix(), r.Duration.Milliseconds(), r.Error)
	if err != nil {
		return fmt.Errorf("insert request row: %w", err)
	}
	return nil
}

func (s *Store) insertToolCall(ctx context.Context, rec engine.ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (request_id, name, args_digest, duration_ms, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Name, rec.ArgsDigest, rec.Duration.Milliseconds(), rec.Status,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert tool call row: %w", err)
	}
	return nil
}

// snapshot opens a fresh read connection so the query sees everything the
// writer has committed, including rows written after this Store was built.
func (s *Store) snapshot() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open read snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// DailyTotals returns per-day aggregates for the most recent days, oldest
// first.
func (s *Store) DailyTotals(ctx context.Context, days int) ([]DayTotals, error) {
	if days <= 0 {
		days = 30
	}
	db, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	since := time.Now().UTC().AddDate(0, 0, -days).Unix()
	rows, err := db.QueryContext(ctx, `
		SELECT date(started_at, 'unixepoch') AS day,
		       COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cached_input_tokens), SUM(cost)
		FROM requests WHERE started_at >= ?
		GROUP BY day ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	defer rows.Close()

	var out []DayTotals
	for rows.Next() {
		var d DayTotals
		if err := rows.Scan(&d.Day, &d.Requests, &d.InputTokens, &d.OutputTokens, &d.CachedInputTokens, &d.Cost); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ModelAggregates returns all-time per-model totals, most requested first.
func (s *Store) ModelAggregates(ctx context.Context) ([]ModelAggregate, error) {
	db, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		FROM requests GROUP BY provider, model ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("model aggregates: %w", err)
	}
	defer rows.Close()

	var out []ModelAggregate
	for rows.Next() {
		var a ModelAggregate
		if err := rows.Scan(&a.Provider, &a.Model, &a.Requests, &a.InputTokens, &a.OutputTokens, &a.Cost); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentRequests returns a page of request rows, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit, offset int) ([]RequestRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	db, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, instance_id, model, provider, status,
		       input_tokens, output_tokens, cached_input_tokens, cost, started_at, duration_ms, error
		FROM requests ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recent requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var started, durMS int64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.UserID, &r.InstanceID, &r.Model, &r.Provider, &r.Status,
			&r.InputTokens, &r.OutputTokens, &r.CachedInputTokens, &r.Cost, &started, &durMS, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// ToolCallsForRequest returns the tool-call rows of one request, in dispatch
// order.
func (s *Store) ToolCallsForRequest(ctx context.Context, requestID string) ([]engine.ToolCallRecord, error) {
	db, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT request_id, name, args_digest, duration_ms, status
		FROM tool_calls WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("tool calls for request: %w", err)
	}
	defer rows.Close()

	var out []engine.ToolCallRecord
	for rows.Next() {
		var rec engine.ToolCallRecord
		var durMS int64
		if err := rows.Scan(&rec.RequestID, &rec.Name, &rec.ArgsDigest, &durMS, &rec.Status); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
