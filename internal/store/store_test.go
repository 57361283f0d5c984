package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/questline/internal/domain"
)

func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()
	return map[string]func(t *testing.T) Repository{
		"memory": func(*testing.T) Repository { return NewMemory() },
		"sqlite": func(t *testing.T) Repository {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 123456789, time.UTC)

func mkEvent(t *testing.T, sessionID string, seq int64, typ domain.EventType) domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(sessionID, seq, typ, t0.Add(time.Duration(seq)*time.Second), map[string]any{"n": seq})
	if err != nil {
		t.Fatal(err)
	}
	return evt
}

func mkSession(id string, status domain.Status, updated time.Time) *domain.Session {
	return &domain.Session{
		SessionID: id, ChallengeID: "c1", UserID: "u1", Status: status,
		CreatedAt: t0.Truncate(time.Second), UpdatedAt: updated,
	}
}

func TestAppendAndRead(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)

			err := repo.Append(ctx, Batch{
				SessionID: "s1",
				Events:    []domain.Event{mkEvent(t, "s1", 0, domain.EventSessionCreated)},
				Session:   mkSession("s1", domain.StatusCreated, t0),
			})
			if err != nil {
				t.Fatalf("append created: %v", err)
			}
			err = repo.Append(ctx, Batch{
				SessionID: "s1",
				Events: []domain.Event{
					mkEvent(t, "s1", 1, domain.EventSessionStarted),
					mkEvent(t, "s1", 2, domain.EventStepEntered),
				},
			})
			if err != nil {
				t.Fatalf("append started: %v", err)
			}

			latest, err := repo.LatestSeq(ctx, "s1")
			if err != nil || latest != 2 {
				t.Fatalf("LatestSeq = %d, %v; want 2", latest, err)
			}
			events, err := repo.EventsSince(ctx, "s1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
				t.Fatalf("EventsSince(0) = %+v", events)
			}
			if !events[0].Timestamp.Equal(t0.Add(time.Second)) {
				t.Errorf("timestamp = %v, want nanosecond round trip", events[0].Timestamp)
			}
			if events[1].Type != domain.EventStepEntered {
				t.Errorf("type = %q", events[1].Type)
			}

			if latest, _ := repo.LatestSeq(ctx, "missing"); latest != -1 {
				t.Errorf("LatestSeq(missing) = %d, want -1", latest)
			}
		})
	}
}

func TestAppendRejectsWrongSequence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		seqs []int64
	}{
		{"new session must start at zero", []int64{1}},
		{"gap inside batch", []int64{0, 2}},
		{"duplicate inside batch", []int64{0, 0}},
	}
	for name, open := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				t.Parallel()
				repo := open(t)
				var events []domain.Event
				for _, seq := range tt.seqs {
					events = append(events, mkEvent(t, "s1", seq, domain.EventSessionCreated))
				}
				err := repo.Append(context.Background(), Batch{SessionID: "s1", Events: events})
				if !errors.Is(err, ErrSequenceConflict) {
					t.Fatalf("err = %v, want ErrSequenceConflict", err)
				}
				if latest, _ := repo.LatestSeq(context.Background(), "s1"); latest != -1 {
					t.Errorf("partial write: latest = %d", latest)
				}
			})
		}
	}
}

func TestConcurrentAppendOneWins(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)
			if err := repo.Append(ctx, Batch{SessionID: "s1", Events: []domain.Event{mkEvent(t, "s1", 0, domain.EventSessionCreated)}}); err != nil {
				t.Fatal(err)
			}

			const writers = 4
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				ok        int
				conflicts int
			)
			for range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := repo.Append(ctx, Batch{SessionID: "s1", Events: []domain.Event{mkEvent(t, "s1", 1, domain.EventUserContinued)}})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrSequenceConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			if ok != 1 || conflicts != writers-1 {
				t.Errorf("ok=%d conflicts=%d, want 1 and %d", ok, conflicts, writers-1)
			}
		})
	}
}

func TestSnapshotsAndCorruption(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)

			if snap, err := repo.LatestSnapshot(ctx, "s1"); err != nil || snap != nil {
				t.Fatalf("empty LatestSnapshot = %v, %v", snap, err)
			}

			st := domain.NewSessionState("s1", "c1", "u1", 100)
			st.TotalScore = 40
			err := repo.Append(ctx, Batch{
				SessionID: "s1",
				Events:    []domain.Event{mkEvent(t, "s1", 0, domain.EventSessionCreated)},
				Snapshots: []domain.Snapshot{{SessionID: "s1", EventSequence: 0, State: st}},
			})
			if err != nil {
				t.Fatal(err)
			}
			snap, err := repo.LatestSnapshot(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if snap.EventSequence != 0 || snap.State.TotalScore != 40 {
				t.Errorf("snapshot = %+v", snap)
			}

			var later []domain.Event
			for seq := int64(1); seq <= 5; seq++ {
				later = append(later, mkEvent(t, "s1", seq, domain.EventUserRequestedHint))
			}
			st.TotalScore = 55
			if err := repo.Append(ctx, Batch{
				SessionID: "s1",
				Events:    later,
				Snapshots: []domain.Snapshot{{SessionID: "s1", EventSequence: 5, State: st}},
			}); err != nil {
				t.Fatal(err)
			}
			all, err := repo.Snapshots(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 || all[0].EventSequence != 0 || all[1].EventSequence != 5 {
				t.Fatalf("snapshots = %+v", all)
			}
			if all[0].State.TotalScore != 40 || all[1].State.TotalScore != 55 {
				t.Errorf("snapshot scores = %d, %d", all[0].State.TotalScore, all[1].State.TotalScore)
			}
		})
	}

	t.Run("corrupt", func(t *testing.T) {
		t.Parallel()
		mem := NewMemory()
		mem.PutRawSnapshot("s1", 5, []byte("{not json"))
		_, err := mem.LatestSnapshot(context.Background(), "s1")
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) || decodeErr.Seq != 5 {
			t.Fatalf("err = %v, want DecodeError at 5", err)
		}
	})
}

func TestSessionProjection(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := open(t)

			if _, err := repo.GetSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("GetSession(nope) err = %v", err)
			}

			old := t0.Add(-2 * time.Hour)
			must := func(id string, status domain.Status, updated time.Time) {
				t.Helper()
				err := repo.Append(ctx, Batch{
					SessionID: id,
					Events:    []domain.Event{mkEvent(t, id, 0, domain.EventSessionCreated)},
					Session:   mkSession(id, status, updated),
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			must("idle", domain.StatusActive, old)
			must("fresh", domain.StatusActive, t0)
			must("done", domain.StatusCompleted, old)

			idle, err := repo.ListIdleSessions(ctx, t0.Add(-time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(idle) != 1 || idle[0].SessionID != "idle" {
				t.Errorf("idle = %+v, want only 'idle'", idle)
			}

			all, err := repo.ListSessions(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 || all[0].SessionID != "fresh" {
				t.Errorf("ListSessions = %d sessions, first %q", len(all), all[0].SessionID)
			}

			// Refresh keeps created_at.
			upd := mkSession("idle", domain.StatusCompleted, t0)
			upd.CreatedAt = t0.Add(time.Hour)
			upd.TotalScore = 90
			err = repo.Append(ctx, Batch{
				SessionID: "idle",
				Events:    []domain.Event{mkEvent(t, "idle", 1, domain.EventSessionAbandoned)},
				Session:   upd,
			})
			if err != nil {
				t.Fatal(err)
			}
			got, err := repo.GetSession(ctx, "idle")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.StatusCompleted || got.TotalScore != 90 {
				t.Errorf("session = %+v", got)
			}
			if !got.CreatedAt.Equal(t0.Truncate(time.Second)) {
				t.Errorf("created_at = %v, want %v", got.CreatedAt, t0.Truncate(time.Second))
			}
		})
	}
}
