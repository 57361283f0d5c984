// Package domain contains core domain types for the challenge engine.
package domain

import (
	"time"
)

// Session is the read-side record of a learner's run through one challenge.
// The event log stays authoritative; this row is refreshed after each commit.
type Session struct {
	SessionID        string    `json:"session_id"`
	ChallengeID      string    `json:"challenge_id"`
	UserID           string    `json:"user_id"`
	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`
	TotalScore       int       `json:"total_score"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsActive returns true if the session accepts learner actions.
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// IdleFor returns how long the session has gone without a committed event.
func (s *Session) IdleFor(now time.Time) time.Duration {
	d := now.Sub(s.UpdatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot is a cached fold result at a known sequence number.
type Snapshot struct {
	SessionID     string       `json:"session_id"`
	EventSequence int64        `json:"event_sequence"`
	State         SessionState `json:"snapshot_data"`
}
