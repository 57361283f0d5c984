package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/questline/internal/domain"
)

// MemoryStore is an in-process Repository with the same append semantics
// as SQLiteStore. Snapshots are kept encoded so reads never share state.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]domain.Event
	snapshots map[string]map[int64][]byte
	sessions  map[string]domain.Session
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]domain.Event),
		snapshots: make(map[string]map[int64][]byte),
		sessions:  make(map[string]domain.Session),
	}
}

// Append commits b atomically under the store lock.
func (m *MemoryStore) Append(_ context.Context, b Batch) error {
	encoded := make(map[int64][]byte, len(b.Snapshots))
	for _, snap := range b.Snapshots {
		data, err := json.Marshal(snap.State)
		if err != nil {
			return fmt.Errorf("encode snapshot %d: %w", snap.EventSequence, err)
		}
		encoded[snap.EventSequence] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest := int64(len(m.events[b.SessionID])) - 1
	if err := checkBatch(b, latest); err != nil {
		return fmt.Errorf("%w: session %s at seq %d", err, b.SessionID, latest)
	}

	for _, e := range b.Events {
		e.Data = append(json.RawMessage(nil), eventData(e)...)
		m.events[b.SessionID] = append(m.events[b.SessionID], e)
	}
	if len(encoded) > 0 {
		if m.snapshots[b.SessionID] == nil {
			m.snapshots[b.SessionID] = make(map[int64][]byte)
		}
		for seq, data := range encoded {
			m.snapshots[b.SessionID][seq] = data
		}
	}
	if b.Session != nil {
		sess := *b.Session
		if prev, ok := m.sessions[sess.SessionID]; ok {
			sess.CreatedAt = prev.CreatedAt
		}
		m.sessions[sess.SessionID] = sess
	}
	return nil
}

// EventsSince returns events after afterSeq in sequence order.
func (m *MemoryStore) EventsSince(_ context.Context, sessionID string, afterSeq int64) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[sessionID]
	start := max(int(afterSeq+1), 0)
	if start >= len(all) {
		return nil, nil
	}
	return slices.Clone(all[start:]), nil
}

// LatestSeq returns the highest committed sequence number, or -1.
func (m *MemoryStore) LatestSeq(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events[sessionID])) - 1, nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (m *MemoryStore) LatestSnapshot(_ context.Context, sessionID string) (*domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[sessionID]
	if len(snaps) == 0 {
		return nil, nil
	}
	best := int64(-1)
	for seq := range snaps {
		best = max(best, seq)
	}
	snap := &domain.Snapshot{SessionID: sessionID, EventSequence: best}
	if err := json.Unmarshal(snaps[best], &snap.State); err != nil {
		return nil, &DecodeError{SessionID: sessionID, Seq: best, Err: err}
	}
	return snap, nil
}

// Snapshots returns every snapshot in sequence order.
func (m *MemoryStore) Snapshots(_ context.Context, sessionID string) ([]domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[sessionID]
	seqs := slices.Sorted(maps.Keys(snaps))
	out := make([]domain.Snapshot, 0, len(seqs))
	for _, seq := range seqs {
		snap := domain.Snapshot{SessionID: sessionID, EventSequence: seq}
		if err := json.Unmarshal(snaps[seq], &snap.State); err != nil {
			return nil, &DecodeError{SessionID: sessionID, Seq: seq, Err: err}
		}
		out = append(out, snap)
	}
	return out, nil
}

// PutRawSnapshot stores undecoded snapshot bytes. Tests use it to simulate corruption.
func (m *MemoryStore) PutRawSnapshot(sessionID string, seq int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots[sessionID] == nil {
		m.snapshots[sessionID] = make(map[int64][]byte)
	}
	m.snapshots[sessionID][seq] = data
}

// GetSession returns the projection row.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &sess, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	return m.filter(func(s domain.Session) bool { return s.UserID == userID }), nil
}

// ListIdleSessions returns active sessions last updated before cutoff.
func (m *MemoryStore) ListIdleSessions(_ context.Context, cutoff time.Time) ([]*domain.Session, error) {
	return m.filter(func(s domain.Session) bool {
		return s.Status == domain.StatusActive && s.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) filter(keep func(domain.Session) bool) []*domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, &s)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Session) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.SessionID, b.SessionID))
	})
	return out
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
