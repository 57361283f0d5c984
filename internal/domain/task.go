package domain

// TaskType names a bounded LLM task the engine may request.
type TaskType string

// Task types.
const (
	TaskGMNarrate   TaskType = "GM_NARRATE"
	TaskLEMEvaluate TaskType = "LEM_EVALUATE"
	TaskTeachHints  TaskType = "TEACH_HINTS"
)

// LLMTask is the engine's request to the orchestrator. Exactly one of the
// context pointers is set, matching Type.
type LLMTask struct {
	Type       TaskType           `json:"task_type"`
	StepIndex  int                `json:"step_index"`
	Narration  *NarrationContext  `json:"narration,omitempty"`
	Evaluation *EvaluationContext `json:"evaluation,omitempty"`
	Hint       *HintContext       `json:"hint,omitempty"`
}

// NarrationContext is the bounded payload for GM narration.
type NarrationContext struct {
	StepTitle       string `json:"step_title"`
	StepInstruction string `json:"step_instruction"`
	GMContext       string `json:"gm_context"`
	StateSummary    string `json:"state_summary"`
	CurrentScore    int    `json:"current_score"`
	MaxScore        int    `json:"max_score"`
	StepIndex       int    `json:"step_index"`
	TotalSteps      int    `json:"total_steps"`

	// Simple narrations send GMContext as the system instruction together
	// with the transcript and the learner's latest answer.
	Simple  bool             `json:"simple,omitempty"`
	Answer  string           `json:"answer,omitempty"`
	History []HistoryMessage `json:"history,omitempty"`
}

// HistoryMessage is a transcript line handed to the model.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EvaluationContext is the bounded payload for rubric evaluation.
type EvaluationContext struct {
	StepTitle       string `json:"step_title"`
	StepInstruction string `json:"step_instruction"`
	Answer          string `json:"answer"`
	Rubric          Rubric `json:"rubric"`
	MaxScore        int    `json:"max_score"`
}

// HintContext is the bounded payload for hint generation.
type HintContext struct {
	StepTitle       string   `json:"step_title"`
	StepInstruction string   `json:"step_instruction"`
	StateSummary    string   `json:"state_summary"`
	HintsUsed       int      `json:"hints_used"`
	StepType        StepType `json:"step_type"`
}
