// Package memory persists per-user short facts the shaper injects into the
// system prompt and the model edits through the memory tools.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBudgetExceeded is returned when a create or update would push the user's
// total memory text over the character budget. The model is expected to
// delete or consolidate and retry.
var ErrBudgetExceeded = errors.New("memory-budget-exceeded")

// ErrNotFound is returned for operations on a memory id the user does not own.
var ErrNotFound = errors.New("memory not found")

// Memory is one stored fact.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps user memories in the shared sqlite database. Writes for one
// user are serialized by a per-user lock so the budget check and the insert
// are atomic; different users proceed in parallel.
type Store struct {
	db     *sql.DB
	budget int

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewStore wraps the shared database handle. budget is the per-user
// character cap over the sum of all memory texts.
func NewStore(db *sql.DB, budget int) *Store {
	return &Store{db: db, budget: budget, users: make(map[string]*sync.Mutex)}
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS user_memories (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id);
	`)
	if err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	return nil
}

// Retrieve returns the user's memories ordered oldest first.
func (s *Store) Retrieve(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, text, created_at, updated_at FROM user_memories WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		m.UpdatedAt = time.Unix(updated, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create stores a new memory, enforcing the budget.
func (s *Store) Create(ctx context.Context, userID, text string) (Memory, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	total, err := s.totalChars(ctx, userID)
	if err != nil {
		return Memory{}, err
	}
	if s.budget > 0 && total+len(text) > s.budget {
		return Memory{}, fmt.Errorf("%w: %d stored + %d new chars exceeds the %d char budget",
			ErrBudgetExceeded, total, len(text), s.budget)
	}

	now := time.Now()
	m := Memory{ID: uuid.NewString(), UserID: userID, Text: text, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_memories (id, user_id, text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Text, now.Unix(), now.Unix())
	if err != nil {
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// Update replaces a memory's text, enforcing the budget over the new total.
func (s *Store) Update(ctx context.Context, userID, id, text string) (Memory, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	var oldText string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT text, created_at FROM user_memories WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&oldText, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, fmt.Errorf("load memory: %w", err)
	}

	total, err := s.totalChars(ctx, userID)
	if err != nil {
		return Memory{}, err
	}
	newTotal := total - len(oldText) + len(text)
	if s.budget > 0 && newTotal > s.budget {
		return Memory{}, fmt.Errorf("%w: update would raise the total to %d chars over the %d char budget",
			ErrBudgetExceeded, newTotal, s.budget)
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_memories SET text = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		text, now.Unix(), id, userID); err != nil {
		return Memory{}, fmt.Errorf("update memory: %w", err)
	}
	return Memory{ID: id, UserID: userID, Text: text, CreatedAt: time.Unix(created, 0), UpdatedAt: now}, nil
}

// Delete removes one memory.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	unlock := s.lockUser(userID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TotalChars reports the user's current budget consumption.
func (s *Store) TotalChars(ctx context.Context, userID string) (int, error) {
	return s.totalChars(ctx, userID)
}

func (s *Store) totalChars(ctx context.Context, userID string) (int, error) {
	var texts []string
	rows, err := s.db.QueryContext(ctx, `SELECT text FROM user_memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("sum memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return 0, err
		}
		texts = append(texts, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, t := range texts {
		total += len(t)
	}
	return total, nil
}

func (s *Store) lockUser(userID string) func() {
	s.mu.Lock()
	lock, ok := s.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.users[userID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
