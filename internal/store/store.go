// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/questline/internal/domain"
)

var (
	// ErrSessionNotFound is returned when no projection row exists for a session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSequenceConflict means another writer appended first. Callers may
	// reload and retry; nothing from the rejected batch was written.
	ErrSequenceConflict = errors.New("event sequence conflict")
)

// Batch is one atomic commit: gapless events, the cadence snapshots they
// produced, and the refreshed projection row.
type Batch struct {
	SessionID string
	Events    []domain.Event
	Snapshots []domain.Snapshot
	Session   *domain.Session
}

// EventLog is the append-only, per-session ordered log.
type EventLog interface {
	// Append commits b if its first event carries LatestSeq+1 (0 for a new
	// session) and the events are consecutive; otherwise ErrSequenceConflict.
	Append(ctx context.Context, b Batch) error

	// EventsSince returns events with sequence_number > afterSeq in order.
	// Pass -1 for the whole log.
	EventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Event, error)

	// LatestSeq returns the highest committed sequence number, or -1.
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
}

// SnapshotStore reads cached fold results.
type SnapshotStore interface {
	// LatestSnapshot returns the highest-sequence snapshot, or nil when none exists.
	LatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)

	// Snapshots returns every snapshot of the session in sequence order.
	Snapshots(ctx context.Context, sessionID string) ([]domain.Snapshot, error)
}

// SessionStore reads the session projection.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// ListIdleSessions returns active sessions last updated before cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

// Repository is everything the session driver needs from storage.
type Repository interface {
	EventLog
	SnapshotStore
	SessionStore

	// Ping verifies storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// checkBatch validates sequence numbering against the latest committed seq.
func checkBatch(b Batch, latest int64) error {
	if len(b.Events) == 0 {
		return nil
	}
	want := latest + 1
	for _, e := range b.Events {
		if e.SessionID != b.SessionID || e.Seq != want {
			return ErrSequenceConflict
		}
		want++
	}
	return nil
}

// DecodeError reports a stored snapshot that no longer decodes.
type DecodeError struct {
	SessionID string
	Seq       int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode snapshot %s@%d: %v", e.SessionID, e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
