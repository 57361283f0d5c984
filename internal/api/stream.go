package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/questline/internal/identity"
	"github.com/ashureev/questline/internal/session"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// Frame types sent on a session stream.
const (
	frameState  = "state"
	frameUpdate = "update"
)

type streamFrame struct {
	Type string `json:"type"`
	session.Update
}

// Stream upgrades to a websocket and pushes the session's updates. A client
// passes ?after=<seq> with the last sequence number it rendered; it gets the
// missed updates from the backlog when they are all retained, otherwise one
// state frame with the current view, then live updates.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID := identity.UserIDFromContext(r.Context())

	after := int64(-1)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			Error(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	// Subscribe before loading so nothing committed in between is lost.
	backlog, updates, cancel := h.hub.Subscribe(sessionID)
	defer cancel()

	view, err := h.sessions.State(r.Context(), sessionID, userID)
	if err != nil {
		fail(w, h.logger, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("WebSocket accept failed", "error", err, "session_id", sessionID)
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())
	last := after

	send := func(f streamFrame) bool {
		wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, ws, f); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Warn("WebSocket write error", "error", err, "session_id", sessionID)
			}
			return false
		}
		last = f.Seq
		return true
	}

	if catchUp := replayable(backlog, after); catchUp != nil {
		for _, u := range catchUp {
			if !send(streamFrame{Type: frameUpdate, Update: u}) {
				return
			}
		}
	}
	if view.Seq > last {
		if !send(streamFrame{Type: frameState, Update: session.Update{SessionID: sessionID, Seq: view.Seq, UI: view.UI}}) {
			return
		}
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				_ = ws.Close(websocket.StatusTryAgainLater, "stream lagged, reconnect")
				return
			}
			if u.Seq <= last {
				continue
			}
			if !send(streamFrame{Type: frameUpdate, Update: u}) {
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}

// replayable returns the backlog updates after seq, or nil when the backlog
// no longer reaches back far enough to cover them without a gap.
func replayable(backlog []session.Update, after int64) []session.Update {
	if after < 0 || len(backlog) == 0 {
		return nil
	}
	for i, u := range backlog {
		if u.Seq <= after {
			continue
		}
		if u.FirstSeq() != after+1 {
			return nil
		}
		return backlog[i:]
	}
	return nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
