package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL,
		meeting_id TEXT,
		state TEXT NOT NULL,
		config_json TEXT NOT NULL,
		last_sequence INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		stopped_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS questions (
		question_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		source_slide INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_questions_session ON questions(session_id);

	CREATE TABLE IF NOT EXISTS responses (
		response_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		response_text TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL,
		is_correct INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_responses_session ON responses(session_id, submitted_at);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		emitted_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession creates or updates a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, instructor_id, meeting_id, state, config_json, last_sequence, created_at, started_at, stopped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		config_json = excluded.config_json,
		last_sequence = excluded.last_sequence,
		started_at = excluded.started_at,
		stopped_at = excluded.stopped_at`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.InstructorID, nullString(sess.MeetingID), string(sess.State),
		string(cfg), int64(sess.LastSequence), sess.CreatedAt.Unix(),
		nullTime(sess.StartedAt), nullTime(sess.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, instructor_id, meeting_id, state, config_json,
		       last_sequence, created_at, started_at, stopped_at
		FROM sessions WHERE session_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions in creation order.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT session_id, instructor_id, meeting_id, state, config_json,
		       last_sequence, created_at, started_at, stopped_at
		FROM sessions ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var meetingID sql.NullString
	var cfg string
	var lastSeq, createdAt int64
	var startedAt, stoppedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.InstructorID, &meetingID, &sess.State, &cfg,
		&lastSeq, &createdAt, &startedAt, &stoppedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	sess.MeetingID = meetingID.String
	sess.LastSequence = uint64(lastSeq)
	sess.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		sess.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if stoppedAt.Valid {
		sess.StoppedAt = time.Unix(stoppedAt.Int64, 0)
	}
	return &sess, nil
}

// SaveQuestion persists a generated question.
func (s *SQLiteStore) SaveQuestion(ctx context.Context, q *domain.Question) error {
	query := `
	INSERT INTO questions (question_id, session_id, text, correct_answer, source_slide, created_at, delivered_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(question_id) DO UPDATE SET
		delivered_at = excluded.delivered_at`

	_, err := s.db.ExecContext(ctx, query,
		q.ID, q.SessionID, q.Text, q.CorrectAnswer, q.SourceSlide,
		q.CreatedAt.Unix(), nullTime(q.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("save question: %w", err)
	}
	return nil
}

// GetQuestion retrieves a question by ID.
func (s *SQLiteStore) GetQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	query := `
		SELECT question_id, session_id, text, correct_answer, source_slide, created_at, delivered_at
		FROM questions WHERE question_id = ?`

	var q domain.Question
	var createdAt int64
	var deliveredAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, questionID).Scan(
		&q.ID, &q.SessionID, &q.Text, &q.CorrectAnswer, &q.SourceSlide,
		&createdAt, &deliveredAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question row: %w", err)
	}

	q.CreatedAt = time.Unix(createdAt, 0)
	if deliveredAt.Valid {
		q.DeliveredAt = time.Unix(deliveredAt.Int64, 0)
	}
	return &q, nil
}

// MarkQuestionDelivered stamps a question's delivery time.
func (s *SQLiteStore) MarkQuestionDelivered(ctx context.Context, questionID string, deliveredAt int64) error {
	query := `UPDATE questions SET delivered_at = ? WHERE question_id = ?`
	result, err := s.db.ExecContext(ctx, query, deliveredAt, questionID)
	if err != nil {
		return fmt.Errorf("mark question delivered: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("question %s not found", questionID)
	}
	return nil
}

// SaveResponse persists a participant response.
func (s *SQLiteStore) SaveResponse(ctx context.Context, r *domain.Response) error {
	query := `
	INSERT INTO responses (response_id, session_id, participant_id, question_id, response_text, response_time_ms, is_correct, submitted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	correct := 0
	if r.Correct {
		correct = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SessionID, r.ParticipantID, r.QuestionID,
		r.Text, r.ResponseTimeMS, correct, r.SubmittedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save response: %w", err)
	}
	return nil
}

// ListResponses returns all responses for a session in submission order.
func (s *SQLiteStore) ListResponses(ctx context.Context, sessionID string) ([]*domain.Response, error) {
	query := `
		SELECT response_id, session_id, participant_id, question_id, response_text, response_time_ms, is_correct, submitted_at
		FROM responses WHERE session_id = ? ORDER BY submitted_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var responses []*domain.Response
	for rows.Next() {
		var r domain.Response
		var correct int
		var submittedAt int64
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.ParticipantID, &r.QuestionID,
			&r.Text, &r.ResponseTimeMS, &correct, &submittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan response row: %w", err)
		}
		r.Correct = correct != 0
		r.SubmittedAt = time.Unix(submittedAt, 0)
		responses = append(responses, &r)
	}
	return responses, rows.Err()
}

// AppendEvent appends one entry to a session's event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query := `
	INSERT INTO session_events (session_id, sequence, event_type, payload_json, emitted_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		ev.SessionID, int64(ev.Sequence), string(ev.Type), string(payload), ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a session's event log in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	query := `SELECT payload_json FROM session_events WHERE session_id = ? ORDER BY sequence`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
