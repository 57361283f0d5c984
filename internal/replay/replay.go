// Package replay rebuilds session state from the latest snapshot plus the
// events committed after it.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/engine"
	"github.com/ashureev/questline/internal/store"
)

// SnapshotInterval is the snapshot cadence: sequence 0 and every fifth event.
const SnapshotInterval = 5

var (
	// ErrCorruptSnapshot is fatal for the session; it is never repaired by
	// silently replaying from zero.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrSequenceGap means the log is missing an event between two sequence numbers.
	ErrSequenceGap = errors.New("event sequence gap")
	// ErrEmptyLog means the session has no events at all.
	ErrEmptyLog = errors.New("session has no events")
	// ErrSnapshotMismatch means a stored snapshot is off cadence or differs
	// from folding the log up to its sequence number.
	ErrSnapshotMismatch = errors.New("snapshot does not match the log")
)

// ShouldSnapshot reports whether the state after seq is cached.
func ShouldSnapshot(seq int64) bool {
	return seq == 0 || seq%SnapshotInterval == 0
}

// Reader is the slice of storage hydration needs.
type Reader interface {
	store.EventLog
	store.SnapshotStore
}

// Hydrated is a rebuilt state and the last sequence folded into it.
type Hydrated struct {
	State   domain.SessionState
	LastSeq int64
}

// Hydrate loads the latest snapshot and folds every later event.
func Hydrate(ctx context.Context, r Reader, eng *engine.Engine, sessionID, userID string) (Hydrated, error) {
	snap, err := r.LatestSnapshot(ctx, sessionID)
	if err != nil {
		var decodeErr *store.DecodeError
		if errors.As(err, &decodeErr) {
			return Hydrated{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		return Hydrated{}, fmt.Errorf("load snapshot: %w", err)
	}

	h := Hydrated{State: eng.InitialState(sessionID, userID), LastSeq: -1}
	if snap != nil {
		if snap.State.SessionID != sessionID {
			return Hydrated{}, fmt.Errorf("%w: snapshot at %d belongs to %q", ErrCorruptSnapshot, snap.EventSequence, snap.State.SessionID)
		}
		h = Hydrated{State: snap.State, LastSeq: snap.EventSequence}
	}

	events, err := r.EventsSince(ctx, sessionID, h.LastSeq)
	if err != nil {
		return Hydrated{}, fmt.Errorf("load events: %w", err)
	}
	h, err = Fold(eng, h, events)
	if err != nil {
		return Hydrated{}, err
	}
	if h.LastSeq < 0 {
		return Hydrated{}, fmt.Errorf("%w: %s", ErrEmptyLog, sessionID)
	}
	return h, nil
}

// FromZero rebuilds state from the full log, ignoring snapshots.
func FromZero(ctx context.Context, r store.EventLog, eng *engine.Engine, sessionID, userID string) (Hydrated, error) {
	events, err := r.EventsSince(ctx, sessionID, -1)
	if err != nil {
		return Hydrated{}, fmt.Errorf("load events: %w", err)
	}
	h, err := Fold(eng, Hydrated{State: eng.InitialState(sessionID, userID), LastSeq: -1}, events)
	if err != nil {
		return Hydrated{}, err
	}
	if h.LastSeq < 0 {
		return Hydrated{}, fmt.Errorf("%w: %s", ErrEmptyLog, sessionID)
	}
	return h, nil
}

// Fold applies events in order on top of h, requiring gapless sequence numbers.
// Derived events and tasks are discarded: they are already in the log.
func Fold(eng *engine.Engine, h Hydrated, events []domain.Event) (Hydrated, error) {
	for _, evt := range events {
		if want := h.LastSeq + 1; evt.Seq != want {
			return Hydrated{}, fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, want, evt.Seq)
		}
		res, err := eng.Apply(h.State, evt)
		if err != nil {
			return Hydrated{}, fmt.Errorf("replay seq %d: %w", evt.Seq, err)
		}
		h = Hydrated{State: res.State, LastSeq: evt.Seq}
	}
	return h, nil
}

// VerifySnapshots folds the whole log once and checks every stored snapshot
// against the state at its sequence number. It returns how many it checked.
func VerifySnapshots(ctx context.Context, r Reader, eng *engine.Engine, sessionID, userID string) (int, error) {
	snaps, err := r.Snapshots(ctx, sessionID)
	if err != nil {
		var decodeErr *store.DecodeError
		if errors.As(err, &decodeErr) {
			return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	events, err := r.EventsSince(ctx, sessionID, -1)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}

	h := Hydrated{State: eng.InitialState(sessionID, userID), LastSeq: -1}
	for _, snap := range snaps {
		seq := snap.EventSequence
		if !ShouldSnapshot(seq) {
			return 0, fmt.Errorf("%w: snapshot at %d is off cadence", ErrSnapshotMismatch, seq)
		}
		if seq >= int64(len(events)) {
			return 0, fmt.Errorf("%w: snapshot at %d is past the last event %d", ErrSnapshotMismatch, seq, len(events)-1)
		}
		h, err = Fold(eng, h, events[h.LastSeq+1:seq+1])
		if err != nil {
			return 0, err
		}
		want, err := json.Marshal(h.State)
		if err != nil {
			return 0, err
		}
		got, err := json.Marshal(snap.State)
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(want, got) {
			return 0, fmt.Errorf("%w: state differs at %d", ErrSnapshotMismatch, seq)
		}
	}
	return len(snaps), nil
}
