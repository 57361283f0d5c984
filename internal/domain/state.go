package domain

import (
	"maps"
	"slices"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle status of a session.
type Status string

// Session statuses.
const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// UIMode tells the caller what to render. Step types double as modes.
type UIMode string

// UI modes beyond the step types.
const (
	UIModeNone       UIMode = ""
	UIModeMCQ        UIMode = "MCQ"
	UIModeChat       UIMode = "CHAT"
	UIModeFileUpload UIMode = "FILE_UPLOAD"
	UIModeCompleted  UIMode = "COMPLETED"
)

// ModeForStep returns the UI mode that mirrors a step type.
func ModeForStep(t StepType) UIMode {
	return UIMode(t)
}

// Message roles.
const (
	RoleUser = "user"
	RoleGM   = "gm"
)

// MaxContextSummaryLen bounds the summary handed to the model.
const MaxContextSummaryLen = 2000

// StepScore records one completed attempt sequence for a step.
type StepScore struct {
	StepIndex   int  `json:"step_index"`
	Score       int  `json:"score"`
	MaxPossible int  `json:"max_possible"`
	Passed      bool `json:"passed"`
	Attempts    int  `json:"attempts"`
}

// DisplayMessage is one visible transcript entry.
type DisplayMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProgressState holds engine-tracked counters for simple challenges.
type ProgressState struct {
	QuestionsAnswered  int      `json:"questions_answered,omitempty"`
	CurrentPhase       int      `json:"current_phase,omitempty"`
	AchievedMilestones []string `json:"achieved_milestones,omitempty"`
	ActivatedTriggers  []string `json:"activated_triggers,omitempty"`
	EarnedScore        int      `json:"earned_score,omitempty"`
	Percent            int      `json:"percent,omitempty"`
}

// SessionState is the fold of a session's events.
type SessionState struct {
	SessionID        string           `json:"session_id"`
	ChallengeID      string           `json:"challenge_id"`
	UserID           string           `json:"user_id"`
	Status           Status           `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	CurrentUIMode    UIMode           `json:"current_ui_mode"`
	CurrentUIData    map[string]any   `json:"current_ui_data,omitempty"`
	StepScores       []StepScore      `json:"step_scores"`
	TotalScore       int              `json:"total_score"`
	MaxPossibleScore int              `json:"max_possible_score"`
	HintsUsed        int              `json:"hints_used"`
	MistakesCount    int              `json:"mistakes_count"`
	Messages         []DisplayMessage `json:"messages"`
	ContextSummary   string           `json:"context_summary"`
	Flags            map[string]any   `json:"flags,omitempty"`
	Progress         ProgressState    `json:"progress"`
}

// NewSessionState returns the state of a session that has been created but not started.
func NewSessionState(sessionID, challengeID, userID string, maxScore int) SessionState {
	if maxScore <= 0 {
		maxScore = DefaultMaxScore
	}
	return SessionState{
		SessionID:        sessionID,
		ChallengeID:      challengeID,
		UserID:           userID,
		Status:           StatusCreated,
		MaxPossibleScore: maxScore,
		StepScores:       []StepScore{},
		Messages:         []DisplayMessage{},
	}
}

// Clone returns a copy that shares no mutable memory with s.
func (s SessionState) Clone() SessionState {
	out := s
	out.StepScores = slices.Clone(s.StepScores)
	if out.StepScores == nil {
		out.StepScores = []StepScore{}
	}
	out.Messages = make([]DisplayMessage, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = cloneMap(m.Metadata)
		out.Messages[i] = m
	}
	out.CurrentUIData = cloneMap(s.CurrentUIData)
	out.Flags = cloneMap(s.Flags)
	out.Progress.AchievedMilestones = slices.Clone(s.Progress.AchievedMilestones)
	out.Progress.ActivatedTriggers = slices.Clone(s.Progress.ActivatedTriggers)
	return out
}

// cloneMap copies one level and recurses into nested maps and slices so
// decoded JSON values are never shared between states.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// AddMessage appends a transcript entry.
func (s *SessionState) AddMessage(role, content string, ts time.Time, metadata map[string]any) {
	s.Messages = append(s.Messages, DisplayMessage{
		Role:      role,
		Content:   content,
		Timestamp: ts.UTC(),
		Metadata:  metadata,
	})
}

// UpdateContextSummary replaces the summary, truncated to MaxContextSummaryLen runes.
func (s *SessionState) UpdateContextSummary(summary string) {
	if utf8.RuneCountInString(summary) > MaxContextSummaryLen {
		summary = string([]rune(summary)[:MaxContextSummaryLen])
	}
	s.ContextSummary = summary
}

// CalculateFinalPercentage returns total/max as a percentage, 0 when max is 0.
func (s SessionState) CalculateFinalPercentage() float64 {
	if s.MaxPossibleScore == 0 {
		return 0
	}
	return float64(s.TotalScore) / float64(s.MaxPossibleScore) * 100
}

// AttemptsFor counts the recorded attempts for the step.
func (s SessionState) AttemptsFor(stepIndex int) int {
	n := 0
	for _, sc := range s.StepScores {
		if sc.StepIndex == stepIndex {
			n++
		}
	}
	return n
}

// IsTerminal reports whether no further user events are accepted.
func (s SessionState) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusAbandoned
}
