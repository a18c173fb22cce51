// Package store persists transcript events and generated suggestions in
// Postgres. Audio itself is never stored.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcripts (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	text TEXT NOT NULL,
	is_final BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suggestions (
	id BIGSERIAL PRIMARY KEY,
	transcript TEXT NOT NULL,
	keyword TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	pool *pgxpool.Pool
}

type SuggestionRow struct {
	ID         int64
	Transcript string
	Keyword    string
	Text       string
	CreatedAt  time.Time
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession records the start of one capture session. Mode is
// "realtime" or "burst".
func (s *Store) CreateSession(ctx context.Context, id, mode string) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO sessions (id, mode) VALUES ($1, $2)`,
		id, mode,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) SaveTranscript(
	ctx context.Context,
	sessionID, text string,
	isFinal bool,
) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO transcripts (session_id, text, is_final)
		 VALUES ($1, $2, $3)`,
		sessionID, text, isFinal,
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

func (s *Store) SaveSuggestion(
	ctx context.Context,
	transcript, keyword, text string,
) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO suggestions (transcript, keyword, text)
		 VALUES ($1, $2, $3)`,
		transcript, keyword, text,
	)
	if err != nil {
		return fmt.Errorf("failed to save suggestion: %w", err)
	}
	return nil
}

func (s *Store) ListSuggestions(
	ctx context.Context,
	limit int,
) ([]SuggestionRow, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT id, transcript, keyword, text, created_at
		 FROM suggestions ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	var out []SuggestionRow
	for rows.Next() {
		var r SuggestionRow
		if err := rows.Scan(
			&r.ID, &r.Transcript, &r.Keyword, &r.Text, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
