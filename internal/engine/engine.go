// Package engine is the deterministic core: it folds one event into session
// state and declares derived events, model tasks, and what to render.
// It performs no I/O and reads no clock.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/progress"
)

var (
	// ErrUnknownEventType means the log holds a tag this engine cannot fold.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnknownStepType means a step has no handler.
	ErrUnknownStepType = errors.New("unknown step type")
	// ErrNoSteps is returned for a challenge without steps.
	ErrNoSteps = errors.New("challenge has no steps")
)

// Result is the outcome of applying one event.
type Result struct {
	State         domain.SessionState
	DerivedEvents []domain.Event
	Tasks         []domain.LLMTask
	UI            UIResponse
}

// Engine applies events for one challenge.
type Engine struct {
	challenge *domain.Challenge
	steps     []domain.Step
}

// New builds an engine over the challenge's steps ordered by index.
func New(ch *domain.Challenge) (*Engine, error) {
	if ch == nil || len(ch.Steps) == 0 {
		return nil, ErrNoSteps
	}
	steps := slices.Clone(ch.Steps)
	slices.SortStableFunc(steps, func(a, b domain.Step) int { return a.Index - b.Index })
	return &Engine{challenge: ch, steps: steps}, nil
}

// Challenge returns the challenge the engine was built for.
func (e *Engine) Challenge() *domain.Challenge { return e.challenge }

// TotalSteps returns the number of steps.
func (e *Engine) TotalSteps() int { return len(e.steps) }

// Step returns the step at position i.
func (e *Engine) Step(i int) (domain.Step, error) {
	if i < 0 || i >= len(e.steps) {
		return domain.Step{}, fmt.Errorf("step index %d out of range (0-%d)", i, len(e.steps)-1)
	}
	return e.steps[i], nil
}

// InitialState is the state of a freshly created session.
func (e *Engine) InitialState(sessionID, userID string) domain.SessionState {
	return domain.NewSessionState(sessionID, e.challenge.ID, userID, e.challenge.MaxScore())
}

// UI renders state against its current step.
func (e *Engine) UI(state domain.SessionState) UIResponse {
	step := e.steps[min(max(state.CurrentStepIndex, 0), len(e.steps)-1)]
	return BuildUIResponse(state, step, len(e.steps))
}

// Apply folds evt into state. The input state is never modified.
func (e *Engine) Apply(state domain.SessionState, evt domain.Event) (Result, error) {
	var (
		r   *transition
		err error
	)
	switch evt.Type {
	case domain.EventSessionCreated, domain.EventStepEntered, domain.EventScoreAwarded:
		// Audit markers: the triggering event already applied the effect.
		r = e.begin(state, evt)
	case domain.EventSessionStarted:
		r, err = e.applyStarted(state, evt)
	case domain.EventSessionAbandoned:
		r, err = e.applyAbandoned(state, evt)
	case domain.EventUserSubmittedAnswer:
		r, err = e.applySubmission(state, evt)
	case domain.EventUserContinued:
		r, err = e.applyContinued(state, evt)
	case domain.EventUserRequestedHint:
		r, err = e.applyHint(state, evt)
	case domain.EventLEMEvaluated:
		r, err = e.applyEvaluation(state, evt)
	case domain.EventGMNarrated:
		r, err = e.applyNarration(state, evt)
	default:
		return Result{}, fmt.Errorf("%w: %q at seq %d", ErrUnknownEventType, evt.Type, evt.Seq)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		State:         r.state,
		DerivedEvents: r.derived,
		Tasks:         r.tasks,
		UI:            e.UI(r.state),
	}, nil
}

// transition accumulates the effects of one Apply call on a private copy.
type transition struct {
	evt     domain.Event
	state   domain.SessionState
	derived []domain.Event
	tasks   []domain.LLMTask
}

func (e *Engine) begin(state domain.SessionState, evt domain.Event) *transition {
	return &transition{evt: evt, state: state.Clone()}
}

// derive appends an audit event numbered after the triggering one. The
// driver assigns final sequence numbers when it commits.
func (t *transition) derive(typ domain.EventType, payload any) error {
	seq := t.evt.Seq + int64(len(t.derived)) + 1
	evt, err := domain.NewEvent(t.evt.SessionID, seq, typ, t.evt.Timestamp, payload)
	if err != nil {
		return err
	}
	t.derived = append(t.derived, evt)
	return nil
}

func (e *Engine) current(state domain.SessionState) (domain.Step, error) {
	return e.Step(state.CurrentStepIndex)
}

func (e *Engine) applyStarted(state domain.SessionState, evt domain.Event) (*transition, error) {
	t := e.begin(state, evt)
	first := e.steps[0]
	t.state.Status = domain.StatusActive
	t.state.CurrentStepIndex = 0
	t.state.CurrentUIMode = domain.ModeForStep(first.Type)
	t.state.CurrentUIData = nil
	t.state.UpdateContextSummary(fmt.Sprintf("Starting challenge with %d steps", len(e.steps)))

	if err := e.enter(t, first); err != nil {
		return nil, err
	}
	if first.AutoNarrate && len(t.tasks) == 0 {
		t.tasks = append(t.tasks, narrationTask(Turn{Step: first, State: t.state, TotalSteps: len(e.steps)}))
	}
	return t, nil
}

func (e *Engine) applyAbandoned(state domain.SessionState, evt domain.Event) (*transition, error) {
	t := e.begin(state, evt)
	if t.state.Status == domain.StatusCompleted {
		return t, nil
	}
	var data domain.SessionAbandonedData
	if err := evt.Decode(&data); err != nil {
		return nil, err
	}
	t.state.Status = domain.StatusAbandoned
	summary := "Session abandoned"
	if data.Reason != "" {
		summary += ": " + data.Reason
	}
	t.state.UpdateContextSummary(summary)
	return t, nil
}

func (e *Engine) applySubmission(state domain.SessionState, evt domain.Event) (*transition, error) {
	var data domain.AnswerData
	if err := evt.Decode(&data); err != nil {
		return nil, err
	}
	t := e.begin(state, evt)
	step, err := e.current(t.state)
	if err != nil {
		return nil, err
	}
	t.state.AddMessage(domain.RoleUser, displayAnswer(data.Answer), evt.Timestamp, nil)

	h, err := HandlerFor(step.Type)
	if err != nil {
		return nil, err
	}
	res := submit(h, Turn{Step: step, State: t.state, TotalSteps: len(e.steps)}, data.Answer)
	t.tasks = append(t.tasks, res.Tasks...)
	t.derived = append(t.derived, res.DerivedEvents...)

	switch {
	case res.Rejected:
		t.state.AddMessage(domain.RoleGM, res.Feedback, evt.Timestamp, nil)
		return t, nil
	case res.RequiresLEM || res.Score == nil:
		// Scoring arrives later as LEM_EVALUATED, or the step is unscored.
	default:
		if err := e.recordScore(t, step, *res.Score, res.Passed, res.Feedback); err != nil {
			return nil, err
		}
		if err := t.derive(domain.EventScoreAwarded, domain.ScoreAwardedData{
			StepIndex:   step.Index,
			Score:       *res.Score,
			MaxPossible: step.PointsPossible,
			Passed:      res.Passed,
			Feedback:    res.Feedback,
		}); err != nil {
			return nil, err
		}
	}

	if res.CompleteSession {
		e.complete(t)
		return t, nil
	}
	if res.AdvanceStep {
		if err := e.advance(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (e *Engine) applyContinued(state domain.SessionState, evt domain.Event) (*transition, error) {
	t := e.begin(state, evt)
	step, err := e.current(t.state)
	if err != nil {
		return nil, err
	}
	if step.Type != domain.StepContinueGate {
		return t, nil
	}
	res := GateHandler{}.HandleSubmission(Turn{Step: step, State: t.state, TotalSteps: len(e.steps)}, nil)
	if res.AdvanceStep && t.state.CurrentStepIndex < len(e.steps)-1 {
		if err := e.advance(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (e *Engine) applyHint(state domain.SessionState, evt domain.Event) (*transition, error) {
	t := e.begin(state, evt)
	step, err := e.current(t.state)
	if err != nil {
		return nil, err
	}
	t.state.HintsUsed++
	ctx := BuildHintContext(t.state, step)
	t.tasks = append(t.tasks, domain.LLMTask{
		Type:      domain.TaskTeachHints,
		StepIndex: t.state.CurrentStepIndex,
		Hint:      &ctx,
	})
	return t, nil
}

func (e *Engine) applyEvaluation(state domain.SessionState, evt domain.Event) (*transition, error) {
	var data domain.LEMEvaluatedData
	if err := evt.Decode(&data); err != nil {
		return nil, err
	}
	t := e.begin(state, evt)
	step, err := e.current(t.state)
	if err != nil {
		return nil, err
	}

	clamped := ClampScore(data.RawScore, step.PointsPossible)
	passed := step.Passes(clamped)
	feedback := data.Rationale
	if feedback == "" {
		feedback = "Answer evaluated."
	}
	if err := e.recordScore(t, step, clamped, passed, feedback); err != nil {
		return nil, err
	}
	if passed {
		if err := e.advance(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (e *Engine) applyNarration(state domain.SessionState, evt domain.Event) (*transition, error) {
	var data domain.GMNarratedData
	if err := evt.Decode(&data); err != nil {
		return nil, err
	}
	t := e.begin(state, evt)
	step, err := e.current(t.state)
	if err != nil {
		return nil, err
	}

	content := data.Content
	if step.IsSimple() && !data.Degraded {
		if clean, meta, ok := progress.Extract(content); ok {
			content = clean
			t.state.AddMessage(domain.RoleGM, content, evt.Timestamp, meta.UIFields())
			return t, e.applyMetadata(t, step, meta)
		}
	}
	t.state.AddMessage(domain.RoleGM, content, evt.Timestamp, nil)
	return t, nil
}

// applyMetadata maps an embedded block onto the UI and, when the challenge
// tracks progress, enforces the reported progress against engine counters.
func (e *Engine) applyMetadata(t *transition, step domain.Step, meta *progress.Metadata) error {
	if mode := meta.UIMode(); mode != domain.UIModeNone {
		t.state.CurrentUIMode = mode
	}
	t.state.CurrentUIData = meta.UIFields()

	cfg := e.challenge.Progress
	if cfg == nil || t.state.IsTerminal() {
		return nil
	}
	next, err := progress.Validate(*cfg, meta, t.state.Progress)
	if err != nil {
		t.state.CurrentUIData["progress_error"] = err.Error()
		t.state.CurrentUIData["progressPercent"] = t.state.Progress.Percent
		return nil
	}

	headroom := max(step.PointsPossible-next.EarnedScore, 0)
	next.EarnedScore += ClampScore(meta.ScoreChange, headroom)
	t.state.Progress = next
	t.state.CurrentUIData["progressPercent"] = next.Percent

	if next.Percent < 100 || !meta.IsComplete {
		return nil
	}
	earned := next.EarnedScore
	passed := step.Passes(earned)
	feedback := fmt.Sprintf("Challenge complete! You earned %d/%d points.", earned, step.PointsPossible)
	if err := e.recordScore(t, step, earned, passed, feedback); err != nil {
		return err
	}
	return e.advance(t)
}

// recordScore appends a StepScore and feedback. A retry only adds what it
// improves on earlier attempts, so total_score never exceeds the step's points.
func (e *Engine) recordScore(t *transition, step domain.Step, score int, passed bool, feedback string) error {
	prior := 0
	for _, sc := range t.state.StepScores {
		if sc.StepIndex == step.Index {
			prior += sc.Score
		}
	}
	awarded := max(score-prior, 0)

	t.state.StepScores = append(t.state.StepScores, domain.StepScore{
		StepIndex:   step.Index,
		Score:       awarded,
		MaxPossible: step.PointsPossible,
		Passed:      passed,
		Attempts:    t.state.AttemptsFor(step.Index) + 1,
	})
	t.state.TotalScore += awarded
	if !passed {
		t.state.MistakesCount++
	}
	t.state.AddMessage(domain.RoleGM, feedback, t.evt.Timestamp, map[string]any{
		"score": score,
		"max":   step.PointsPossible,
	})
	return nil
}

// advance enters the next step, or completes the session from the last one.
func (e *Engine) advance(t *transition) error {
	if t.state.CurrentStepIndex >= len(e.steps)-1 {
		e.complete(t)
		return nil
	}
	t.state.CurrentStepIndex++
	next := e.steps[t.state.CurrentStepIndex]
	t.state.CurrentUIMode = domain.ModeForStep(next.Type)
	t.state.CurrentUIData = nil
	t.state.UpdateContextSummary(fmt.Sprintf("Step %d of %d: %s. Score %d/%d.",
		t.state.CurrentStepIndex+1, len(e.steps), next.Title, t.state.TotalScore, t.state.MaxPossibleScore))
	return e.enter(t, next)
}

// enter derives STEP_ENTERED and collects the step's entry tasks.
func (e *Engine) enter(t *transition, step domain.Step) error {
	if err := t.derive(domain.EventStepEntered, domain.StepEnteredData{
		StepIndex: t.state.CurrentStepIndex,
		StepType:  step.Type,
		UIMode:    t.state.CurrentUIMode,
	}); err != nil {
		return err
	}
	h, err := HandlerFor(step.Type)
	if err != nil {
		return err
	}
	res := h.HandleEntry(Turn{Step: step, State: t.state, TotalSteps: len(e.steps)})
	t.tasks = append(t.tasks, res.Tasks...)
	return nil
}

func (e *Engine) complete(t *transition) {
	t.state.Status = domain.StatusCompleted
	t.state.CurrentUIMode = domain.UIModeCompleted
	t.state.CurrentUIData = nil
	t.state.UpdateContextSummary(fmt.Sprintf("Challenge completed with %d/%d points.",
		t.state.TotalScore, t.state.MaxPossibleScore))
}

// ClampScore rounds an advisory score and clamps it to [0, points]. The
// bounds are applied before the conversion to int, which is undefined for
// values outside the int range.
func ClampScore(raw float64, points int) int {
	switch {
	case math.IsNaN(raw) || raw <= 0 || points <= 0:
		return 0
	case raw >= float64(points):
		return points
	}
	return min(int(math.Round(raw)), points)
}

// displayAnswer renders a submitted JSON value as transcript text.
func displayAnswer(answer json.RawMessage) string {
	var s string
	if err := json.Unmarshal(answer, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(answer))
}
