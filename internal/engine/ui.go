package engine

import "github.com/ashureev/questline/internal/domain"

// UIResponse declares what the caller should render. It is a flat map so
// mode-specific keys and current_ui_data merge in without a schema change.
type UIResponse map[string]any

// BuildUIResponse renders state against the step the learner is on.
func BuildUIResponse(state domain.SessionState, step domain.Step, totalSteps int) UIResponse {
	messages := state.Messages
	if messages == nil {
		messages = []domain.DisplayMessage{}
	}
	ui := UIResponse{
		"ui_mode":             state.CurrentUIMode,
		"step_index":          state.CurrentStepIndex,
		"total_steps":         totalSteps,
		"step_title":          step.Title,
		"step_instruction":    step.Instruction,
		"messages":            messages,
		"score":               state.TotalScore,
		"max_score":           state.MaxPossibleScore,
		"status":              state.Status,
		"progress_percentage": state.CalculateFinalPercentage(),
	}

	switch state.CurrentUIMode {
	case domain.ModeForStep(domain.StepMCQSingle), domain.ModeForStep(domain.StepMCQMulti):
		ui["options"] = step.Options
	case domain.ModeForStep(domain.StepTrueFalse):
		ui["options"] = trueFalseOptions
	}

	for k, v := range state.CurrentUIData {
		ui[k] = v
	}
	return ui
}
