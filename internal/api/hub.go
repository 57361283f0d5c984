package api

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/questline/internal/session"
)

// DefaultBacklog is how many updates each session keeps for reconnecting clients.
const DefaultBacklog = 50

const subscriberBuffer = 16

// Hub fans committed updates out to websocket subscribers. It keeps a
// bounded per-session backlog so a client that reconnects with the last
// sequence number it saw can catch up without a full reload.
type Hub struct {
	mu         sync.Mutex
	backlogs   map[string]*backlog
	subs       map[string]map[*subscriber]struct{}
	maxBacklog int
	now        func() time.Time
	logger     *slog.Logger
}

type backlog struct {
	updates  *list.List // session.Update, oldest first
	lastSeen time.Time
}

type subscriber struct {
	ch chan session.Update
}

// NewHub creates a hub keeping maxBacklog updates per session.
func NewHub(maxBacklog int, logger *slog.Logger) *Hub {
	if maxBacklog <= 0 {
		maxBacklog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		backlogs:   make(map[string]*backlog),
		subs:       make(map[string]map[*subscriber]struct{}),
		maxBacklog: maxBacklog,
		now:        time.Now,
		logger:     logger,
	}
}

// Publish records u and hands it to every live subscriber. A subscriber
// whose buffer is full is dropped; its stream closes and the client
// reconnects from its last sequence number.
func (h *Hub) Publish(u session.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.backlogs[u.SessionID]
	if !ok {
		b = &backlog{updates: list.New()}
		h.backlogs[u.SessionID] = b
	}
	b.updates.PushBack(u)
	for b.updates.Len() > h.maxBacklog {
		b.updates.Remove(b.updates.Front())
	}
	b.lastSeen = h.now()

	for sub := range h.subs[u.SessionID] {
		select {
		case sub.ch <- u:
		default:
			h.logger.Warn("stream subscriber lagging, disconnecting", "session_id", u.SessionID, "seq", u.Seq)
			h.removeLocked(u.SessionID, sub)
		}
	}
}

// Subscribe registers for sessionID's updates. It returns the retained
// backlog, the live channel, and a cancel func that must be called once.
// The channel is closed when the subscriber is cancelled or dropped.
func (h *Hub) Subscribe(sessionID string) ([]session.Update, <-chan session.Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var missed []session.Update
	if b, ok := h.backlogs[sessionID]; ok {
		missed = make([]session.Update, 0, b.updates.Len())
		for e := b.updates.Front(); e != nil; e = e.Next() {
			missed = append(missed, e.Value.(session.Update))
		}
	}

	sub := &subscriber{ch: make(chan session.Update, subscriberBuffer)}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removeLocked(sessionID, sub)
		})
	}
	return missed, sub.ch, cancel
}

func (h *Hub) removeLocked(sessionID string, sub *subscriber) {
	subs, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, sessionID)
	}
}

// Prune drops backlogs untouched since cutoff for sessions nobody is watching.
func (h *Hub) Prune(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, b := range h.backlogs {
		if _, watched := h.subs[id]; watched || b.lastSeen.After(cutoff) {
			continue
		}
		delete(h.backlogs, id)
		n++
	}
	return n
}

// Run prunes stale backlogs every interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.Prune(h.now().Add(-maxAge)); n > 0 {
				h.logger.Debug("pruned stream backlogs", "count", n)
			}
		}
	}
}
