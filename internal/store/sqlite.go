package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/shared"
	_ "modernc.org/sqlite"
)

const appendAttempts = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas apply to every pooled connection. Immediate transactions make
	// compare-and-append take the write lock before it reads the latest sequence.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
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
		challenge_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step_index INTEGER NOT NULL DEFAULT 0,
		total_score INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(updated_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT NOT NULL,
		event_sequence INTEGER NOT NULL,
		snapshot_data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, event_sequence)
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Append commits the batch in one transaction, retrying on SQLITE_BUSY.
func (s *SQLiteStore) Append(ctx context.Context, b Batch) error {
	return shared.RetryOnConflict(ctx, "append", appendAttempts, func() error {
		return s.appendOnce(ctx, b)
	})
}

func (s *SQLiteStore) appendOnce(ctx context.Context, b Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback append failed", "session_id", b.SessionID, "error", rbErr)
			}
		}
	}()

	var latest int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), -1) FROM events WHERE session_id = ?`, b.SessionID)
	if err = row.Scan(&latest); err != nil {
		return fmt.Errorf("read latest sequence: %w", err)
	}
	if err = checkBatch(b, latest); err != nil {
		return fmt.Errorf("%w: session %s at seq %d", err, b.SessionID, latest)
	}

	for _, e := range b.Events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (session_id, sequence_number, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.SessionID, e.Seq, string(e.Type), string(eventData(e)), e.Timestamp.UnixNano())
		if err != nil {
			if shared.IsSQLiteConstraintError(err) {
				return fmt.Errorf("%w: session %s seq %d already written", ErrSequenceConflict, e.SessionID, e.Seq)
			}
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}

	now := time.Now().Unix()
	for _, snap := range b.Snapshots {
		var data []byte
		data, err = json.Marshal(snap.State)
		if err != nil {
			return fmt.Errorf("encode snapshot %d: %w", snap.EventSequence, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO snapshots (session_id, event_sequence, snapshot_data, created_at) VALUES (?, ?, ?, ?)`,
			snap.SessionID, snap.EventSequence, string(data), now)
		if err != nil {
			return fmt.Errorf("insert snapshot %d: %w", snap.EventSequence, err)
		}
	}

	if b.Session != nil {
		if err = upsertSession(ctx, tx, b.Session); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func eventData(e domain.Event) json.RawMessage {
	if len(e.Data) == 0 {
		return json.RawMessage(`{}`)
	}
	return e.Data
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, challenge_id, user_id, status, current_step_index, total_score, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		current_step_index = excluded.current_step_index,
		total_score = excluded.total_score,
		updated_at = excluded.updated_at`

	_, err := tx.ExecContext(ctx, query,
		sess.SessionID, sess.ChallengeID, sess.UserID, string(sess.Status),
		sess.CurrentStepIndex, sess.TotalScore,
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// EventsSince returns events after afterSeq in sequence order.
func (s *SQLiteStore) EventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, event_type, data, created_at
		FROM events WHERE session_id = ? AND sequence_number > ?
		ORDER BY sequence_number`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			typ     string
			data    string
			tsNanos int64
		)
		if err := rows.Scan(&e.Seq, &typ, &data, &tsNanos); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.SessionID = sessionID
		e.Type = domain.EventType(typ)
		e.Data = json.RawMessage(data)
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LatestSeq returns the highest committed sequence number, or -1.
func (s *SQLiteStore) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), -1) FROM events WHERE session_id = ?`, sessionID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("read latest sequence: %w", err)
	}
	return latest, nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_sequence, snapshot_data FROM snapshots
		WHERE session_id = ? ORDER BY event_sequence DESC LIMIT 1`, sessionID)

	var (
		seq  int64
		data string
	)
	err := row.Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	snap := &domain.Snapshot{SessionID: sessionID, EventSequence: seq}
	if err := json.Unmarshal([]byte(data), &snap.State); err != nil {
		return nil, &DecodeError{SessionID: sessionID, Seq: seq, Err: err}
	}
	return snap, nil
}

// Snapshots returns every snapshot in sequence order.
func (s *SQLiteStore) Snapshots(ctx context.Context, sessionID string) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_sequence, snapshot_data FROM snapshots
		WHERE session_id = ? ORDER BY event_sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close snapshot rows", "error", closeErr)
		}
	}()

	var out []domain.Snapshot
	for rows.Next() {
		var data string
		snap := domain.Snapshot{SessionID: sessionID}
		if err := rows.Scan(&snap.EventSequence, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.State); err != nil {
			return nil, &DecodeError{SessionID: sessionID, Seq: snap.EventSequence, Err: err}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// GetSession retrieves the projection row for a session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, challenge_id, user_id, status, current_step_index, total_score, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, challenge_id, user_id, status, current_step_index, total_score, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
}

// ListIdleSessions returns active sessions last updated before cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT session_id, challenge_id, user_id, status, current_step_index, total_score, created_at, updated_at
		FROM sessions WHERE status = 'active' AND updated_at < ?`, cutoff.Unix())
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                 domain.Session
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&sess.SessionID, &sess.ChallengeID, &sess.UserID, &status,
		&sess.CurrentStepIndex, &sess.TotalScore, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.Status = domain.Status(status)
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}
