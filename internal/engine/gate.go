package engine

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ashureev/questline/internal/domain"
)

// GateHandler covers CONTINUE_GATE steps, which exist for narrative pacing.
type GateHandler struct{}

// HandleSubmission always passes and advances without scoring.
func (GateHandler) HandleSubmission(_ Turn, _ json.RawMessage) HandlerResult {
	return HandlerResult{Passed: true, AdvanceStep: true}
}

// HandleEntry narrates whenever the gate has a context configured.
func (GateHandler) HandleEntry(turn Turn) HandlerResult {
	if turn.Step.GMContext == "" {
		return HandlerResult{}
	}
	return HandlerResult{Tasks: []domain.LLMTask{narrationTask(turn)}}
}

// ValidateAnswer accepts true or "continue".
func (GateHandler) ValidateAnswer(_ domain.Step, answer json.RawMessage) error {
	var v any
	if err := json.Unmarshal(answer, &v); err != nil {
		return errors.New("answer is not valid JSON")
	}
	switch t := v.(type) {
	case bool:
		if t {
			return nil
		}
	case string:
		if strings.EqualFold(strings.TrimSpace(t), "continue") {
			return nil
		}
	}
	return errors.New(`gate accepts true or "continue"`)
}
