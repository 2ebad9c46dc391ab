// Package transcript persists finished call turns in PostgreSQL. The sink is
// optional: a nil *Sink is a no-op, so the backend runs unchanged without a
// database.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Turn is one completed user/assistant exchange.
type Turn struct {
	ID            string
	CallID        string
	TraceID       string
	TurnIndex     int
	UserText      string
	AssistantText string
	ResponseID    string
	Instructions  string
	CreatedAt     time.Time
}

// Sink writes turns to a pgx connection pool.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the schema exists. An empty URL
// returns a nil sink, which every method tolerates.
func Open(ctx context.Context, databaseURL string) (*Sink, error) {
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_turns (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			turn_index INT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			response_id TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_turns_call_created ON call_turns (call_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveTurn inserts one turn. Persistence never blocks the audio path;
// callers invoke this from a goroutine and only log failures.
func (s *Sink) SaveTurn(ctx context.Context, turn Turn) error {
	if s == nil {
		return nil
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_turns (id, call_id, trace_id, turn_index, user_text, assistant_text, response_id, instructions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		turn.ID,
		turn.CallID,
		turn.TraceID,
		turn.TurnIndex,
		turn.UserText,
		turn.AssistantText,
		turn.ResponseID,
		turn.Instructions,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// CallTurns returns the turns of one call in order, mostly for operational
// spot checks.
func (s *Sink) CallTurns(ctx context.Context, callID string, limit int) ([]Turn, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, trace_id, turn_index, user_text, assistant_text, response_id, instructions, created_at
		 FROM call_turns WHERE call_id=$1 ORDER BY turn_index ASC LIMIT $2`,
		callID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, limit)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.CallID, &t.TraceID, &t.TurnIndex, &t.UserText, &t.AssistantText, &t.ResponseID, &t.Instructions, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Ping checks connectivity for readiness reporting.
func (s *Sink) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Sink) Close() {
	if s != nil {
		s.pool.Close()
	}
}
