package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of facts a session log may contain.
type EventType string

// Event types.
const (
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventSessionStarted      EventType = "SESSION_STARTED"
	EventSessionAbandoned    EventType = "SESSION_ABANDONED"
	EventUserSubmittedAnswer EventType = "USER_SUBMITTED_ANSWER"
	EventUserContinued       EventType = "USER_CONTINUED"
	EventUserRequestedHint   EventType = "USER_REQUESTED_HINT"
	EventLEMEvaluated        EventType = "LEM_EVALUATED"
	EventGMNarrated          EventType = "GM_NARRATED"
	EventStepEntered         EventType = "STEP_ENTERED"
	EventScoreAwarded        EventType = "SCORE_AWARDED"
)

// Event is an immutable, sequenced fact in a session's log.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"sequence_number"`
	Type      EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent encodes payload as the event data.
func NewEvent(sessionID string, seq int64, typ EventType, ts time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		SessionID: sessionID,
		Seq:       seq,
		Type:      typ,
		Timestamp: ts.UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the event data into v. Empty data decodes as {}.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// SessionCreatedData is the SESSION_CREATED payload.
type SessionCreatedData struct {
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
}

// SessionStartedData is the SESSION_STARTED payload.
type SessionStartedData struct {
	FirstStepIndex int `json:"first_step_index"`
}

// SessionAbandonedData is the SESSION_ABANDONED payload.
type SessionAbandonedData struct {
	Reason string `json:"reason"`
}

// AnswerData is the USER_SUBMITTED_ANSWER payload. Answer keeps the raw
// JSON value so each step handler can check its own shape.
type AnswerData struct {
	StepIndex int             `json:"step_index"`
	Answer    json.RawMessage `json:"answer"`
}

// ContinueData is the USER_CONTINUED payload.
type ContinueData struct {
	StepIndex int `json:"step_index"`
}

// HintRequestData is the USER_REQUESTED_HINT payload.
type HintRequestData struct {
	StepIndex int `json:"step_index"`
}

// LEMEvaluatedData is the LEM_EVALUATED payload: the advisory evaluation
// signal before engine clamping.
type LEMEvaluatedData struct {
	StepIndex      int                `json:"step_index"`
	RawScore       float64            `json:"raw_score"`
	Rationale      string             `json:"rationale"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	Passed         bool               `json:"passed"`
	Failed         bool               `json:"evaluation_failed,omitempty"`
}

// GMNarratedData is the GM_NARRATED payload.
type GMNarratedData struct {
	StepIndex int      `json:"step_index"`
	Content   string   `json:"content"`
	TaskType  TaskType `json:"task_type,omitempty"`
	Degraded  bool     `json:"degraded,omitempty"`
}

// StepEnteredData is the STEP_ENTERED audit payload.
type StepEnteredData struct {
	StepIndex int      `json:"step_index"`
	StepType  StepType `json:"step_type"`
	UIMode    UIMode   `json:"ui_mode"`
}

// ScoreAwardedData is the SCORE_AWARDED audit payload.
type ScoreAwardedData struct {
	StepIndex   int    `json:"step_index"`
	Score       int    `json:"score"`
	MaxPossible int    `json:"max_possible"`
	Passed      bool   `json:"passed"`
	Feedback    string `json:"feedback,omitempty"`
}
