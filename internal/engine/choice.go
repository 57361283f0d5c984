package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ashureev/questline/internal/domain"
)

// trueFalseOptions is what a TRUE_FALSE step renders; index 0 is True.
var trueFalseOptions = []string{"True", "False"}

// ChoiceHandler scores MCQ_SINGLE, MCQ_MULTI and TRUE_FALSE steps immediately.
type ChoiceHandler struct{}

// HandleSubmission scores the selection without consulting the model.
func (ChoiceHandler) HandleSubmission(turn Turn, answer json.RawMessage) HandlerResult {
	step := turn.Step
	picked, err := parseChoice(step, answer)
	if err != nil {
		return rejected(err)
	}

	score := scoreChoice(step, picked)
	passed := step.Passes(score)

	var feedback string
	switch {
	case score == step.PointsPossible:
		feedback = fmt.Sprintf("Correct! You earned %d/%d points.", score, step.PointsPossible)
	case score > 0:
		feedback = fmt.Sprintf("Partially correct. You earned %d/%d points.", score, step.PointsPossible)
	default:
		feedback = fmt.Sprintf("Incorrect. You earned %d/%d points.", score, step.PointsPossible)
	}

	return HandlerResult{
		Score:       intPtr(score),
		Passed:      passed,
		Feedback:    feedback,
		AdvanceStep: passed,
	}
}

// HandleEntry narrates only when the step asks for it.
func (ChoiceHandler) HandleEntry(turn Turn) HandlerResult {
	if !turn.Step.AutoNarrate || turn.Step.GMContext == "" {
		return HandlerResult{}
	}
	return HandlerResult{Tasks: []domain.LLMTask{narrationTask(turn)}}
}

// ValidateAnswer checks the answer shape and index bounds.
func (ChoiceHandler) ValidateAnswer(step domain.Step, answer json.RawMessage) error {
	_, err := parseChoice(step, answer)
	return err
}

func optionsFor(step domain.Step) []string {
	if step.Type == domain.StepTrueFalse {
		return trueFalseOptions
	}
	return step.Options
}

// parseChoice returns the selected indices. Single-select steps yield one index.
func parseChoice(step domain.Step, answer json.RawMessage) ([]int, error) {
	var v any
	if err := json.Unmarshal(answer, &v); err != nil {
		return nil, errors.New("answer is not valid JSON")
	}
	options := optionsFor(step)

	switch step.Type {
	case domain.StepMCQSingle, domain.StepTrueFalse:
		var idx int
		if b, ok := v.(bool); ok && step.Type == domain.StepTrueFalse {
			idx = 1
			if b {
				idx = 0
			}
		} else {
			n, ok := asIndex(v)
			if !ok {
				return nil, errors.New("answer must be an integer (option index)")
			}
			idx = n
		}
		if len(options) > 0 && (idx < 0 || idx >= len(options)) {
			return nil, fmt.Errorf("answer index out of range (0-%d)", len(options)-1)
		}
		return []int{idx}, nil

	case domain.StepMCQMulti:
		list, ok := v.([]any)
		if !ok {
			return nil, errors.New("answer must be a list of integers (option indices)")
		}
		if len(list) == 0 {
			return nil, errors.New("must select at least one option")
		}
		picked := make([]int, 0, len(list))
		seen := make(map[int]bool, len(list))
		for _, item := range list {
			n, ok := asIndex(item)
			if !ok {
				return nil, errors.New("all answer indices must be integers")
			}
			if len(options) > 0 && (n < 0 || n >= len(options)) {
				return nil, fmt.Errorf("answer index %d out of range (0-%d)", n, len(options)-1)
			}
			if seen[n] {
				return nil, fmt.Errorf("answer index %d selected twice", n)
			}
			seen[n] = true
			picked = append(picked, n)
		}
		return picked, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, step.Type)
}

func asIndex(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// scoreChoice awards all-or-nothing for single select and proportional credit
// for multi select: the share of correct options the learner picked.
func scoreChoice(step domain.Step, picked []int) int {
	if step.Type != domain.StepMCQMulti {
		if step.CorrectAnswer != nil && picked[0] == *step.CorrectAnswer {
			return step.PointsPossible
		}
		return 0
	}

	if len(step.CorrectAnswers) == 0 {
		return 0
	}
	correct := make(map[int]bool, len(step.CorrectAnswers))
	for _, c := range step.CorrectAnswers {
		correct[c] = true
	}
	hits := 0
	for _, p := range picked {
		if correct[p] {
			hits++
		}
	}
	return int(math.Round(float64(step.PointsPossible) * float64(hits) / float64(len(correct))))
}
