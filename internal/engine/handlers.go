package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/questline/internal/domain"
)

// Turn is what a step handler sees: the step, the state after the learner's
// message was recorded, and the challenge length.
type Turn struct {
	Step       domain.Step
	State      domain.SessionState
	TotalSteps int
}

// HandlerResult is a step handler's verdict on a submission or entry.
type HandlerResult struct {
	RequiresLEM     bool
	Score           *int
	Passed          bool
	Feedback        string
	AdvanceStep     bool
	CompleteSession bool
	Tasks           []domain.LLMTask
	DerivedEvents   []domain.Event

	// Rejected marks a malformed submission: feedback only, nothing scored.
	Rejected bool
}

// StepHandler scores one step archetype. The engine calls ValidateAnswer
// before HandleSubmission and never scores an answer it rejected.
type StepHandler interface {
	HandleSubmission(turn Turn, answer json.RawMessage) HandlerResult
	HandleEntry(turn Turn) HandlerResult
	ValidateAnswer(step domain.Step, answer json.RawMessage) error
}

var handlers = map[domain.StepType]StepHandler{
	domain.StepMCQSingle:    ChoiceHandler{},
	domain.StepMCQMulti:     ChoiceHandler{},
	domain.StepTrueFalse:    ChoiceHandler{},
	domain.StepChat:         FreeTextHandler{},
	domain.StepContinueGate: GateHandler{},
}

// HandlerFor returns the handler for a step type.
func HandlerFor(t domain.StepType) (StepHandler, error) {
	h, ok := handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, t)
	}
	return h, nil
}

func intPtr(v int) *int { return &v }

// rejected is the feedback-only result for a malformed answer.
func rejected(err error) HandlerResult {
	return HandlerResult{
		Score:    intPtr(0),
		Feedback: "Invalid answer format: " + err.Error(),
		Rejected: true,
	}
}

// submit runs the handler's answer check, then its scoring.
func submit(h StepHandler, turn Turn, answer json.RawMessage) HandlerResult {
	if err := h.ValidateAnswer(turn.Step, answer); err != nil {
		return rejected(err)
	}
	return h.HandleSubmission(turn, answer)
}

// narrationTask builds the GM_NARRATE task for entering or replying on a step.
func narrationTask(turn Turn) domain.LLMTask {
	ctx := BuildNarrationContext(turn.State, turn.Step, turn.TotalSteps)
	return domain.LLMTask{
		Type:      domain.TaskGMNarrate,
		StepIndex: turn.Step.Index,
		Narration: &ctx,
	}
}
