package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/questline/internal/domain"
)

var testClock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// quizChallenge is MCQ (50 pts) -> gate -> TRUE_FALSE (50 pts), both at 100%.
func quizChallenge() *domain.Challenge {
	return &domain.Challenge{
		ID:    "quiz",
		Title: "Quiz",
		Steps: []domain.Step{
			{Index: 0, Type: domain.StepMCQSingle, Title: "Pick", Options: []string{"a", "b", "c"},
				CorrectAnswer: intPtr(0), PointsPossible: 50, PassingThreshold: 100},
			{Index: 1, Type: domain.StepContinueGate, Title: "Pause"},
			{Index: 2, Type: domain.StepTrueFalse, Title: "Judge",
				CorrectAnswer: intPtr(0), PointsPossible: 50, PassingThreshold: 100},
		},
	}
}

type runner struct {
	t     *testing.T
	eng   *Engine
	state domain.SessionState
	seq   int64
}

func newRunner(t *testing.T, ch *domain.Challenge) *runner {
	t.Helper()
	eng, err := New(ch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &runner{t: t, eng: eng, state: eng.InitialState("s1", "u1"), seq: -1}
	r.apply(domain.EventSessionCreated, domain.SessionCreatedData{ChallengeID: ch.ID, UserID: "u1"})
	r.apply(domain.EventSessionStarted, domain.SessionStartedData{})
	return r
}

func (r *runner) apply(typ domain.EventType, payload any) Result {
	r.t.Helper()
	r.seq++
	evt, err := domain.NewEvent("s1", r.seq, typ, testClock.Add(time.Duration(r.seq)*time.Second), payload)
	if err != nil {
		r.t.Fatalf("NewEvent: %v", err)
	}
	res, err := r.eng.Apply(r.state, evt)
	if err != nil {
		r.t.Fatalf("Apply(%s): %v", typ, err)
	}
	r.state = res.State
	return res
}

func (r *runner) submit(answer string) Result {
	r.t.Helper()
	return r.apply(domain.EventUserSubmittedAnswer, domain.AnswerData{
		StepIndex: r.state.CurrentStepIndex,
		Answer:    json.RawMessage(answer),
	})
}

func TestScenarioCompleteRun(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())

	r.submit(`0`)
	if r.state.CurrentStepIndex != 1 {
		t.Fatalf("after correct MCQ step = %d, want 1", r.state.CurrentStepIndex)
	}
	r.apply(domain.EventUserContinued, domain.ContinueData{})
	if r.state.CurrentStepIndex != 2 {
		t.Fatalf("after continue step = %d, want 2", r.state.CurrentStepIndex)
	}
	res := r.submit(`true`)

	if r.state.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", r.state.Status)
	}
	if r.state.TotalScore != 100 {
		t.Errorf("total = %d, want 100", r.state.TotalScore)
	}
	if res.UI["ui_mode"] != domain.UIModeCompleted {
		t.Errorf("ui_mode = %v, want COMPLETED", res.UI["ui_mode"])
	}
	if got := r.state.CalculateFinalPercentage(); got != 100 {
		t.Errorf("percentage = %v, want 100", got)
	}
}

func TestScenarioWrongAnswerStays(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())

	res := r.submit(`1`)

	if r.state.TotalScore != 0 {
		t.Errorf("total = %d, want 0", r.state.TotalScore)
	}
	if r.state.CurrentStepIndex != 0 {
		t.Errorf("step = %d, want 0", r.state.CurrentStepIndex)
	}
	if r.state.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", r.state.Status)
	}
	if r.state.MistakesCount != 1 {
		t.Errorf("mistakes = %d, want 1", r.state.MistakesCount)
	}
	if len(res.DerivedEvents) != 1 || res.DerivedEvents[0].Type != domain.EventScoreAwarded {
		t.Errorf("derived = %+v, want one SCORE_AWARDED", res.DerivedEvents)
	}
}

func TestStartDerivesStepEntered(t *testing.T) {
	t.Parallel()
	eng, err := New(quizChallenge())
	if err != nil {
		t.Fatal(err)
	}
	st := eng.InitialState("s1", "u1")
	evt, _ := domain.NewEvent("s1", 1, domain.EventSessionStarted, testClock, domain.SessionStartedData{})

	res, err := eng.Apply(st, evt)
	if err != nil {
		t.Fatal(err)
	}
	if res.State.Status != domain.StatusActive {
		t.Errorf("status = %q", res.State.Status)
	}
	if res.State.CurrentUIMode != domain.ModeForStep(domain.StepMCQSingle) {
		t.Errorf("ui mode = %q", res.State.CurrentUIMode)
	}
	if len(res.DerivedEvents) != 1 || res.DerivedEvents[0].Type != domain.EventStepEntered {
		t.Fatalf("derived = %+v", res.DerivedEvents)
	}
	if res.DerivedEvents[0].Seq != 2 {
		t.Errorf("derived seq = %d, want 2", res.DerivedEvents[0].Seq)
	}
	if opts, ok := res.UI["options"].([]string); !ok || len(opts) != 3 {
		t.Errorf("options = %v", res.UI["options"])
	}
}

func TestApplyLeavesInputUntouched(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())
	before := r.state
	beforeJSON, _ := json.Marshal(before)

	evt, _ := domain.NewEvent("s1", 2, domain.EventUserSubmittedAnswer, testClock,
		domain.AnswerData{Answer: json.RawMessage(`0`)})
	if _, err := r.eng.Apply(before, evt); err != nil {
		t.Fatal(err)
	}

	afterJSON, _ := json.Marshal(before)
	if string(beforeJSON) != string(afterJSON) {
		t.Errorf("input state mutated:\nbefore %s\nafter  %s", beforeJSON, afterJSON)
	}
}

func TestApplyUnknownEventType(t *testing.T) {
	t.Parallel()
	eng, _ := New(quizChallenge())
	_, err := eng.Apply(eng.InitialState("s1", "u1"), domain.Event{SessionID: "s1", Type: "BOGUS"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("err = %v, want ErrUnknownEventType", err)
	}
}

func TestNewRejectsEmptyChallenge(t *testing.T) {
	t.Parallel()
	if _, err := New(&domain.Challenge{ID: "x"}); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("err = %v, want ErrNoSteps", err)
	}
}

func TestMalformedSubmissionIsNotScored(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())

	r.submit(`"zero"`)

	if len(r.state.StepScores) != 0 {
		t.Errorf("step scores = %+v, want none", r.state.StepScores)
	}
	if r.state.MistakesCount != 0 {
		t.Errorf("mistakes = %d, want 0", r.state.MistakesCount)
	}
	last := r.state.Messages[len(r.state.Messages)-1]
	if !strings.HasPrefix(last.Content, "Invalid answer format") {
		t.Errorf("feedback = %q", last.Content)
	}
}

func TestMultiSelectPartialCredit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		answer string
		want   int
	}{
		{"all correct", `[0,2]`, 10},
		{"one of two", `[0]`, 5},
		{"one right one wrong", `[0,1]`, 5},
		{"all wrong", `[1,3]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := &domain.Challenge{ID: "multi", Steps: []domain.Step{{
				Index: 0, Type: domain.StepMCQMulti, Options: []string{"a", "b", "c", "d"},
				CorrectAnswers: []int{0, 2}, PointsPossible: 10, PassingThreshold: 100,
			}}}
			r := newRunner(t, ch)
			r.submit(tt.answer)
			if r.state.TotalScore != tt.want {
				t.Errorf("score = %d, want %d", r.state.TotalScore, tt.want)
			}
		})
	}
}

func TestMultiSelectPartialCreditCanPass(t *testing.T) {
	t.Parallel()
	ch := &domain.Challenge{ID: "multi", Steps: []domain.Step{
		{Index: 0, Type: domain.StepMCQMulti, Options: []string{"a", "b", "c", "d"},
			CorrectAnswers: []int{0, 2}, PointsPossible: 10, PassingThreshold: 50},
		{Index: 1, Type: domain.StepContinueGate, Title: "Done"},
	}}
	r := newRunner(t, ch)

	r.submit(`[0,1]`)

	if r.state.TotalScore != 5 {
		t.Errorf("total = %d, want 5", r.state.TotalScore)
	}
	if r.state.CurrentStepIndex != 1 || r.state.Status != domain.StatusActive {
		t.Errorf("step = %d status = %q, want step 1 active", r.state.CurrentStepIndex, r.state.Status)
	}
}

func TestSubmissionGuardedByValidateAnswer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		answer   string
		wantStep int
	}{
		{"gate accepts true", `true`, 2},
		{"gate accepts continue", `" Continue "`, 2},
		{"gate rejects false", `false`, 1},
		{"gate rejects number", `3`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRunner(t, quizChallenge())
			r.submit(`0`)
			res := r.submit(tt.answer)
			if r.state.CurrentStepIndex != tt.wantStep {
				t.Errorf("step = %d, want %d", r.state.CurrentStepIndex, tt.wantStep)
			}
			if tt.wantStep == 1 {
				last := r.state.Messages[len(r.state.Messages)-1]
				if !strings.HasPrefix(last.Content, "Invalid answer format") {
					t.Errorf("feedback = %q", last.Content)
				}
				if len(res.DerivedEvents) != 0 {
					t.Errorf("derived = %+v, want none", res.DerivedEvents)
				}
			}
		})
	}
}

func TestRetryNeverExceedsStepPoints(t *testing.T) {
	t.Parallel()
	ch := &domain.Challenge{ID: "multi", Steps: []domain.Step{{
		Index: 0, Type: domain.StepMCQMulti, Options: []string{"a", "b", "c", "d"},
		CorrectAnswers: []int{0, 2}, PointsPossible: 10, PassingThreshold: 100,
	}}}
	r := newRunner(t, ch)

	r.submit(`[0]`)
	r.submit(`[0]`)
	r.submit(`[0,2]`)

	if r.state.TotalScore != 10 {
		t.Errorf("total = %d, want 10", r.state.TotalScore)
	}
	sum := 0
	for _, sc := range r.state.StepScores {
		sum += sc.Score
	}
	if sum != r.state.TotalScore {
		t.Errorf("sum(step_scores) = %d, total = %d", sum, r.state.TotalScore)
	}
	if got := r.state.AttemptsFor(0); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if r.state.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", r.state.Status)
	}
}

func essayChallenge(points, threshold int) *domain.Challenge {
	return &domain.Challenge{ID: "essay", Steps: []domain.Step{
		{Index: 0, Type: domain.StepChat, Title: "Explain", PointsPossible: points, PassingThreshold: threshold,
			Rubric: domain.Rubric{"clarity": {Weight: 1, Description: "clear"}}},
		{Index: 1, Type: domain.StepContinueGate, Title: "Done"},
	}}
}

func TestFreeTextRequestsEvaluation(t *testing.T) {
	t.Parallel()
	r := newRunner(t, essayChallenge(50, 70))

	res := r.submit(`"because caching"`)

	if len(res.Tasks) != 1 || res.Tasks[0].Type != domain.TaskLEMEvaluate {
		t.Fatalf("tasks = %+v, want one LEM_EVALUATE", res.Tasks)
	}
	if got := res.Tasks[0].Evaluation.Answer; got != "because caching" {
		t.Errorf("evaluation answer = %q", got)
	}
	if len(r.state.StepScores) != 0 {
		t.Errorf("scored before evaluation: %+v", r.state.StepScores)
	}
}

func TestEvaluationClampsScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  float64
		want int
	}{
		{150, 50},
		{-5, 0},
		{24.6, 25},
		{50, 50},
		{1e19, 50},
		{1e300, 50},
		{-1e300, 0},
	}
	for _, tt := range tests {
		r := newRunner(t, essayChallenge(50, 0))
		r.submit(`"answer"`)
		r.apply(domain.EventLEMEvaluated, domain.LEMEvaluatedData{RawScore: tt.raw, Rationale: "ok"})
		if r.state.TotalScore != tt.want {
			t.Errorf("raw %v: total = %d, want %d", tt.raw, r.state.TotalScore, tt.want)
		}
		if r.state.TotalScore > r.state.MaxPossibleScore {
			t.Errorf("raw %v: total %d exceeds max %d", tt.raw, r.state.TotalScore, r.state.MaxPossibleScore)
		}
	}
}

func TestClampScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    float64
		points int
		want   int
	}{
		{60, 50, 50},
		{1e18, 50, 50},
		{1e19, 50, 50},
		{1e300, 50, 50},
		{-1e19, 50, 0},
		{49.6, 50, 50},
		{0.4, 50, 0},
		{12.5, 50, 13},
		{7, 0, 0},
	}
	for _, tt := range tests {
		if got := ClampScore(tt.raw, tt.points); got != tt.want {
			t.Errorf("ClampScore(%v, %d) = %d, want %d", tt.raw, tt.points, got, tt.want)
		}
	}
}

func TestHugeScoreChangeIsCapped(t *testing.T) {
	t.Parallel()
	r := newRunner(t, simpleChallenge())
	r.submit(`"my answer"`)

	narrate(r, `{"questionNumber":1,"isQuestionComplete":true,"progressPercent":50,"scoreChange":1e300}`)

	if r.state.Progress.EarnedScore != 100 {
		t.Errorf("earned = %d, want 100", r.state.Progress.EarnedScore)
	}
}

func TestPassingThresholdBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw      float64
		wantStep int
	}{
		{7, 1},
		{6.6, 1}, // rounds to 7
		{6, 0},
	}
	for _, tt := range tests {
		r := newRunner(t, essayChallenge(10, 70))
		r.submit(`"answer"`)
		r.apply(domain.EventLEMEvaluated, domain.LEMEvaluatedData{RawScore: tt.raw})
		if r.state.CurrentStepIndex != tt.wantStep {
			t.Errorf("raw %v: step = %d, want %d", tt.raw, r.state.CurrentStepIndex, tt.wantStep)
		}
	}
}

func TestFailedEvaluationDoesNotAdvance(t *testing.T) {
	t.Parallel()
	r := newRunner(t, essayChallenge(50, 70))
	r.submit(`"answer"`)
	r.apply(domain.EventLEMEvaluated, domain.LEMEvaluatedData{
		RawScore: 0, Rationale: "Evaluation failed: bad JSON", Failed: true,
	})

	if r.state.CurrentStepIndex != 0 {
		t.Errorf("step = %d, want 0", r.state.CurrentStepIndex)
	}
	if r.state.MistakesCount != 1 {
		t.Errorf("mistakes = %d, want 1", r.state.MistakesCount)
	}
	last := r.state.Messages[len(r.state.Messages)-1]
	if !strings.Contains(last.Content, "failed") {
		t.Errorf("feedback = %q", last.Content)
	}
}

func TestHintRequestsTask(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())

	res := r.apply(domain.EventUserRequestedHint, domain.HintRequestData{})

	if r.state.HintsUsed != 1 {
		t.Errorf("hints = %d, want 1", r.state.HintsUsed)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Type != domain.TaskTeachHints {
		t.Fatalf("tasks = %+v", res.Tasks)
	}
	if res.Tasks[0].Hint.HintsUsed != 1 {
		t.Errorf("hint context hints_used = %d", res.Tasks[0].Hint.HintsUsed)
	}
}

func TestContinueOffGateIsNoop(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())
	r.apply(domain.EventUserContinued, domain.ContinueData{})
	if r.state.CurrentStepIndex != 0 {
		t.Errorf("step = %d, want 0", r.state.CurrentStepIndex)
	}
}

func TestAbandon(t *testing.T) {
	t.Parallel()
	r := newRunner(t, quizChallenge())
	r.apply(domain.EventSessionAbandoned, domain.SessionAbandonedData{Reason: "idle"})
	if r.state.Status != domain.StatusAbandoned {
		t.Errorf("status = %q, want abandoned", r.state.Status)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	t.Parallel()
	play := func() []byte {
		r := newRunner(t, quizChallenge())
		r.submit(`2`)
		r.submit(`0`)
		r.apply(domain.EventUserRequestedHint, domain.HintRequestData{})
		r.apply(domain.EventUserContinued, domain.ContinueData{})
		r.submit(`false`)
		b, err := json.Marshal(r.state)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	first, second := play(), play()
	if string(first) != string(second) {
		t.Errorf("replays differ:\n%s\n%s", first, second)
	}
}

func simpleChallenge() *domain.Challenge {
	return &domain.Challenge{
		ID:       "tutor",
		Progress: &domain.ProgressConfig{Mode: domain.ProgressQuestions, TotalQuestions: 2},
		Steps: []domain.Step{{
			Index: 0, Type: domain.StepChat, Title: "Tutor",
			GMContext:        "Teach two questions. Reply with " + domain.MetadataOpenTag + strings.Repeat(" ...", 300),
			PointsPossible:   100,
			PassingThreshold: 70,
		}},
	}
}

func narrate(r *runner, block string) {
	r.t.Helper()
	r.apply(domain.EventGMNarrated, domain.GMNarratedData{
		Content: "Nice work.\n" + domain.MetadataOpenTag + block + domain.MetadataCloseTag,
	})
}

func TestSimpleStepProgress(t *testing.T) {
	t.Parallel()
	r := newRunner(t, simpleChallenge())

	res := r.submit(`"my answer"`)
	if len(res.Tasks) != 1 || res.Tasks[0].Narration == nil || !res.Tasks[0].Narration.Simple {
		t.Fatalf("tasks = %+v, want one simple narration", res.Tasks)
	}

	narrate(r, `{"questionType":"text","questionNumber":1,"isQuestionComplete":true,"progressPercent":50,"scoreChange":40}`)
	if r.state.Progress.QuestionsAnswered != 1 || r.state.Progress.Percent != 50 {
		t.Errorf("progress = %+v", r.state.Progress)
	}
	if r.state.Progress.EarnedScore != 40 {
		t.Errorf("earned = %d, want 40", r.state.Progress.EarnedScore)
	}
	last := r.state.Messages[len(r.state.Messages)-1]
	if last.Content != "Nice work." {
		t.Errorf("narration = %q, want block stripped", last.Content)
	}
	if r.state.CurrentUIMode != domain.UIModeChat {
		t.Errorf("ui mode = %q", r.state.CurrentUIMode)
	}

	narrate(r, `{"questionNumber":2,"isQuestionComplete":true,"progressPercent":100,"scoreChange":80,"isComplete":true}`)
	if r.state.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", r.state.Status)
	}
	if r.state.TotalScore != 100 {
		t.Errorf("total = %d, want 100 (score change capped at step points)", r.state.TotalScore)
	}
}

func TestSimpleStepRejectsInflatedProgress(t *testing.T) {
	t.Parallel()
	r := newRunner(t, simpleChallenge())
	r.submit(`"my answer"`)

	narrate(r, `{"questionNumber":1,"isQuestionComplete":true,"progressPercent":100,"isComplete":true}`)

	if r.state.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", r.state.Status)
	}
	if r.state.Progress.QuestionsAnswered != 0 {
		t.Errorf("progress advanced: %+v", r.state.Progress)
	}
	if _, ok := r.state.CurrentUIData["progress_error"]; !ok {
		t.Errorf("ui data = %v, want progress_error", r.state.CurrentUIData)
	}
}

func TestDegradedNarrationSkipsMetadata(t *testing.T) {
	t.Parallel()
	r := newRunner(t, simpleChallenge())
	r.apply(domain.EventGMNarrated, domain.GMNarratedData{
		Content:  "Sorry. " + domain.MetadataOpenTag + `{"progressPercent":50}` + domain.MetadataCloseTag,
		Degraded: true,
	})
	if r.state.Progress.Percent != 0 {
		t.Errorf("progress = %+v", r.state.Progress)
	}
}
