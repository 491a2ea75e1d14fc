package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Store is the audit journal: sessions, reference captures and verdict changes.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// Capture is a journaled reference capture.
type Capture struct {
	ID          int64
	SessionID   uuid.UUID
	Path        string
	Descriptors int
	Name        string
	CapturedAt  time.Time
}

// MatchEvent is one journaled verdict.
type MatchEvent struct {
	SessionID  uuid.UUID
	FrameIndex int
	Score      float64
	Scored     bool
	Matched    bool
	Persons    int
	At         time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reference_captures (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			path TEXT NOT NULL DEFAULT '',
			descriptor_count INT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			captured_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS match_events (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			scored BOOLEAN NOT NULL,
			matched BOOLEAN NOT NULL,
			persons INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS match_events_session_idx ON match_events (session_id, frame_index);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// StartSession registers a live or offline run and returns its id.
func (s *Store) StartSession(ctx context.Context, source string) (uuid.UUID, error) {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "INSERT INTO sessions (id, source, started_at) VALUES ($1, $2, NOW())", id, source)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// InsertCapture journals a reference capture and returns its row id.
func (s *Store) InsertCapture(ctx context.Context, sessionID uuid.UUID, path string, descriptors int, capturedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO reference_captures (session_id, path, descriptor_count, captured_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sessionID, path, descriptors, capturedAt).Scan(&id)
	return id, err
}

// InsertMatchEvent journals a verdict.
func (s *Store) InsertMatchEvent(ctx context.Context, e MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO match_events (session_id, frame_index, score, scored, matched, persons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.SessionID, e.FrameIndex, e.Score, e.Scored, e.Matched, e.Persons, e.At)
	return err
}

// ListMatchEvents returns the verdicts of a session in frame order.
func (s *Store) ListMatchEvents(ctx context.Context, sessionID uuid.UUID) ([]MatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT session_id, frame_index, score, scored, matched, persons, created_at
		FROM match_events WHERE session_id = $1 ORDER BY frame_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MatchEvent
	for rows.Next() {
		var e MatchEvent
		if err := rows.Scan(&e.SessionID, &e.FrameIndex, &e.Score, &e.Scored, &e.Matched, &e.Persons, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListCaptures returns all journaled captures, newest first.
func (s *Store) ListCaptures(ctx context.Context) ([]Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT id, session_id, path, descriptor_count, name, captured_at
		FROM reference_captures ORDER BY captured_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Path, &c.Descriptors, &c.Name, &c.CapturedAt); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// LabelCapture names a capture. Returns ErrNotFound for an unknown id.
func (s *Store) LabelCapture(ctx context.Context, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE reference_captures SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("capture %d: %w", id, ErrNotFound)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS match_events CASCADE;
		DROP TABLE IF EXISTS reference_captures CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
