package engine

import "github.com/ashureev/questline/internal/domain"

// maxHistoryMessages bounds the transcript sent with simple narrations.
const maxHistoryMessages = 50

// BuildNarrationContext is the bounded payload for step narration.
func BuildNarrationContext(state domain.SessionState, step domain.Step, totalSteps int) domain.NarrationContext {
	return domain.NarrationContext{
		StepTitle:       step.Title,
		StepInstruction: step.Instruction,
		GMContext:       step.GMContext,
		StateSummary:    state.ContextSummary,
		CurrentScore:    state.TotalScore,
		MaxScore:        state.MaxPossibleScore,
		StepIndex:       state.CurrentStepIndex,
		TotalSteps:      totalSteps,
	}
}

// BuildSimpleNarrationContext adds the transcript and latest answer for a
// simple step, whose gm_context is the whole teaching instruction.
func BuildSimpleNarrationContext(state domain.SessionState, step domain.Step, totalSteps int, answer string) domain.NarrationContext {
	ctx := BuildNarrationContext(state, step, totalSteps)
	ctx.Simple = true
	ctx.Answer = answer

	msgs := state.Messages
	if len(msgs) > maxHistoryMessages {
		msgs = msgs[len(msgs)-maxHistoryMessages:]
	}
	ctx.History = make([]domain.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		ctx.History = append(ctx.History, domain.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return ctx
}

// BuildHintContext is the bounded payload for hint generation.
func BuildHintContext(state domain.SessionState, step domain.Step) domain.HintContext {
	return domain.HintContext{
		StepTitle:       step.Title,
		StepInstruction: step.Instruction,
		StateSummary:    state.ContextSummary,
		HintsUsed:       state.HintsUsed,
		StepType:        step.Type,
	}
}

// BuildEvaluationContext is the bounded payload for rubric evaluation.
func BuildEvaluationContext(step domain.Step, answer string) domain.EvaluationContext {
	return domain.EvaluationContext{
		StepTitle:       step.Title,
		StepInstruction: step.Instruction,
		Answer:          answer,
		Rubric:          step.Rubric,
		MaxScore:        step.PointsPossible,
	}
}
