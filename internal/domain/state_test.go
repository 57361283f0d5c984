package domain

import (
	"strings"
	"testing"
	"time"
)

func TestCloneDoesNotShareMemory(t *testing.T) {
	t.Parallel()

	s := NewSessionState("s1", "c1", "u1", 100)
	s.AddMessage(RoleGM, "hello", time.Unix(0, 0), map[string]any{"score": 5})
	s.StepScores = append(s.StepScores, StepScore{StepIndex: 0, Score: 5, MaxPossible: 10})
	s.CurrentUIData = map[string]any{"options": []any{"a", "b"}}
	s.Progress.AchievedMilestones = []string{"m1"}

	c := s.Clone()
	c.Messages[0].Metadata["score"] = 99
	c.StepScores[0].Score = 99
	c.CurrentUIData["options"].([]any)[0] = "z"
	c.Progress.AchievedMilestones[0] = "m2"

	if s.Messages[0].Metadata["score"] != 5 {
		t.Errorf("message metadata leaked into original: %v", s.Messages[0].Metadata)
	}
	if s.StepScores[0].Score != 5 {
		t.Errorf("step score leaked into original: %d", s.StepScores[0].Score)
	}
	if s.CurrentUIData["options"].([]any)[0] != "a" {
		t.Errorf("ui data leaked into original: %v", s.CurrentUIData)
	}
	if s.Progress.AchievedMilestones[0] != "m1" {
		t.Errorf("progress leaked into original: %v", s.Progress.AchievedMilestones)
	}
}

func TestUpdateContextSummaryTruncates(t *testing.T) {
	t.Parallel()

	var s SessionState
	s.UpdateContextSummary(strings.Repeat("é", MaxContextSummaryLen+50))
	if got := len([]rune(s.ContextSummary)); got != MaxContextSummaryLen {
		t.Fatalf("expected %d runes, got %d", MaxContextSummaryLen, got)
	}
}

func TestCalculateFinalPercentage(t *testing.T) {
	t.Parallel()

	s := SessionState{TotalScore: 25, MaxPossibleScore: 50}
	if got := s.CalculateFinalPercentage(); got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
	s.MaxPossibleScore = 0
	if got := s.CalculateFinalPercentage(); got != 0 {
		t.Errorf("expected 0 for zero max, got %v", got)
	}
}

func TestAttemptsFor(t *testing.T) {
	t.Parallel()

	s := SessionState{StepScores: []StepScore{
		{StepIndex: 0, Score: 0, Passed: false},
		{StepIndex: 0, Score: 40, Passed: true},
		{StepIndex: 1, Score: 10, Passed: false},
	}}
	if got := s.AttemptsFor(0); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestStepPassesAtBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		points    int
		threshold int
		score     int
		want      bool
	}{
		{"exact boundary", 10, 70, 7, true},
		{"just below", 10, 70, 6, false},
		{"full threshold full score", 50, 100, 50, true},
		{"full threshold partial", 50, 100, 49, false},
		{"zero threshold", 10, 0, 0, true},
		{"zero points", 0, 100, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := Step{PointsPossible: tt.points, PassingThreshold: tt.threshold}
			if got := step.Passes(tt.score); got != tt.want {
				t.Errorf("Passes(%d) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func TestStepIsSimple(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("teach ", 200) + MetadataOpenTag
	if !(Step{GMContext: long}).IsSimple() {
		t.Error("expected long metadata instruction to be simple")
	}
	if (Step{GMContext: "short " + MetadataOpenTag}).IsSimple() {
		t.Error("expected short context not to be simple")
	}
	if (Step{GMContext: strings.Repeat("x", 2000)}).IsSimple() {
		t.Error("expected context without metadata tag not to be simple")
	}
}

func TestEventDecode(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt, err := NewEvent("s1", 3, EventUserContinued, ts, ContinueData{StepIndex: 2})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	var got ContinueData
	if err := evt.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.StepIndex != 2 {
		t.Errorf("expected step 2, got %d", got.StepIndex)
	}

	if err := (Event{Type: EventGMNarrated, Data: []byte("{")}).Decode(&got); err == nil {
		t.Error("expected decode error for truncated payload")
	}
}
