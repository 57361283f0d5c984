package api

import (
	"testing"
	"time"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/session"
)

func update(id string, first, last int64) session.Update {
	events := make([]domain.EventType, 0, last-first+1)
	for i := first; i <= last; i++ {
		events = append(events, domain.EventGMNarrated)
	}
	return session.Update{SessionID: id, Seq: last, Events: events}
}

func TestHubBacklogIsBounded(t *testing.T) {
	t.Parallel()
	h := NewHub(2, nil)
	h.Publish(update("s", 0, 0))
	h.Publish(update("s", 1, 3))
	h.Publish(update("s", 4, 4))
	h.Publish(update("other", 0, 0))

	backlog, _, cancel := h.Subscribe("s")
	defer cancel()
	if len(backlog) != 2 || backlog[0].Seq != 3 || backlog[1].Seq != 4 {
		t.Fatalf("backlog = %+v", backlog)
	}
}

func TestHubDeliversAndDropsLaggards(t *testing.T) {
	t.Parallel()
	h := NewHub(100, nil)
	_, ch, cancel := h.Subscribe("s")
	defer cancel()

	h.Publish(update("s", 0, 0))
	if u := <-ch; u.Seq != 0 {
		t.Fatalf("got seq %d", u.Seq)
	}

	for i := int64(1); i <= subscriberBuffer+1; i++ {
		h.Publish(update("s", i, i))
	}
	n := 0
	for range ch {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("received %d before drop, want %d", n, subscriberBuffer)
	}
	cancel() // idempotent after a drop
}

func TestHubPrune(t *testing.T) {
	t.Parallel()
	h := NewHub(10, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	h.Publish(update("old", 0, 0))
	h.Publish(update("watched", 0, 0))
	_, _, cancel := h.Subscribe("watched")
	defer cancel()

	if n := h.Prune(base.Add(time.Minute)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if backlog, _, c := h.Subscribe("watched"); len(backlog) != 1 {
		t.Errorf("watched backlog lost")
	} else {
		c()
	}
}

func TestReplayable(t *testing.T) {
	t.Parallel()
	backlog := []session.Update{update("s", 3, 5), update("s", 6, 6), update("s", 7, 9)}
	tests := []struct {
		after int64
		want  int // number of updates replayed, -1 for nil
	}{
		{-1, -1},
		{2, 3},
		{5, 2},
		{9, -1},
		{1, -1},
		{4, -1},
	}
	for _, tt := range tests {
		got := replayable(backlog, tt.after)
		if tt.want == -1 {
			if got != nil {
				t.Errorf("after %d: got %d updates, want nil", tt.after, len(got))
			}
			continue
		}
		if len(got) != tt.want {
			t.Errorf("after %d: got %d updates, want %d", tt.after, len(got), tt.want)
		}
	}
}

func TestHintLimiter(t *testing.T) {
	t.Parallel()
	if l := NewHintLimiter(0); !l.Allow("anyone") || l.Evict(time.Now()) != 0 {
		t.Fatal("nil limiter must allow everything")
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewHintLimiter(2)
	l.now = func() time.Time { return now }
	if !l.Allow("u") || !l.Allow("u") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("u") {
		t.Fatal("third hint in the same instant should be throttled")
	}
	if !l.Allow("v") {
		t.Fatal("limits are per user")
	}
	now = now.Add(30 * time.Second)
	if !l.Allow("u") {
		t.Fatal("a token should refill after 30s")
	}
	if n := l.Evict(now.Add(-time.Second)); n != 1 {
		t.Errorf("evicted %d, want 1 (v)", n)
	}
}
