package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/questline/internal/domain"
)

// MaxAnswerLen bounds free-text answers, in characters.
const MaxAnswerLen = 5000

// FreeTextHandler covers CHAT steps. Ordinary steps go to rubric evaluation;
// simple steps feed the answer back into the teaching conversation.
type FreeTextHandler struct{}

// HandleSubmission routes a valid answer to the model.
func (FreeTextHandler) HandleSubmission(turn Turn, answer json.RawMessage) HandlerResult {
	text, err := answerText(answer)
	if err != nil {
		return rejected(err)
	}

	step := turn.Step
	if step.IsSimple() {
		ctx := BuildSimpleNarrationContext(turn.State, step, turn.TotalSteps, text)
		return HandlerResult{Tasks: []domain.LLMTask{{
			Type:      domain.TaskGMNarrate,
			StepIndex: step.Index,
			Narration: &ctx,
		}}}
	}

	ctx := BuildEvaluationContext(step, text)
	return HandlerResult{
		RequiresLEM: true,
		Tasks: []domain.LLMTask{{
			Type:       domain.TaskLEMEvaluate,
			StepIndex:  step.Index,
			Evaluation: &ctx,
		}},
	}
}

// HandleEntry narrates when asked to. Simple steps open the teaching conversation.
func (FreeTextHandler) HandleEntry(turn Turn) HandlerResult {
	step := turn.Step
	if !step.AutoNarrate || step.GMContext == "" {
		return HandlerResult{}
	}
	if step.IsSimple() {
		ctx := BuildSimpleNarrationContext(turn.State, step, turn.TotalSteps, "")
		return HandlerResult{Tasks: []domain.LLMTask{{
			Type:      domain.TaskGMNarrate,
			StepIndex: step.Index,
			Narration: &ctx,
		}}}
	}
	return HandlerResult{Tasks: []domain.LLMTask{narrationTask(turn)}}
}

// ValidateAnswer checks the answer is non-empty text within MaxAnswerLen.
func (FreeTextHandler) ValidateAnswer(_ domain.Step, answer json.RawMessage) error {
	_, err := answerText(answer)
	return err
}

// answerText accepts a JSON string or number and returns it as text.
func answerText(answer json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(answer, &v); err != nil {
		return "", errors.New("answer is not valid JSON")
	}
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case float64:
		text = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", errors.New("answer must be text")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("answer cannot be empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxAnswerLen {
		return "", fmt.Errorf("answer too long (%d characters, max %d)", n, MaxAnswerLen)
	}
	return text, nil
}
