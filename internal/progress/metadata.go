// Package progress parses the structured block a teaching model embeds in its
// narration and checks the progress it reports against engine-tracked counters.
package progress

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/questline/internal/domain"
)

// Metadata is the typed view of an embedded block. Numbers are float64 so a
// model writing 1.0 instead of 1 still parses.
type Metadata struct {
	QuestionType string   `json:"questionType"`
	Options      []string `json:"options"`
	Hint         string   `json:"hint"`
	IsComplete   bool     `json:"isComplete"`

	ProgressPercent   float64 `json:"progressPercent"`
	ProgressIncrement float64 `json:"progressIncrement"`
	ScoreChange       float64 `json:"scoreChange"`

	QuestionNumber     float64 `json:"questionNumber"`
	TotalQuestions     float64 `json:"totalQuestions"`
	IsQuestionComplete bool    `json:"isQuestionComplete"`

	Phase           float64 `json:"phase"`
	TotalPhases     float64 `json:"totalPhases"`
	PhaseName       string  `json:"phaseName"`
	IsPhaseComplete bool    `json:"isPhaseComplete"`

	MilestoneID         string   `json:"milestoneId"`
	IsMilestoneAchieved bool     `json:"isMilestoneAchieved"`
	AchievedMilestones  []string `json:"achievedMilestones"`

	TriggerID          string   `json:"triggerId"`
	IsTriggerActivated bool     `json:"isTriggerActivated"`
	ActivatedTriggers  []string `json:"activatedTriggers"`

	// Raw keeps every field the model sent, for copying into UI data.
	Raw map[string]any `json:"-"`
}

// uiFields are copied from Raw into current_ui_data when present.
// correctAnswer is deliberately absent.
var uiFields = []string{
	"questionType", "options", "hint", "isComplete",
	"progressPercent", "progressIncrement", "scoreChange",
	"questionNumber", "totalQuestions", "isQuestionComplete",
	"phase", "totalPhases", "phaseName", "isPhaseComplete",
	"milestoneId", "milestoneName", "isMilestoneAchieved", "achievedMilestones", "totalMilestones",
	"triggerId", "isTriggerActivated", "activatedTriggers", "totalTriggers",
}

// Extract finds the first block between the metadata tags. It returns the
// narration with the block removed and trimmed, and ok=false with the text
// unchanged when no well-formed block is present.
func Extract(text string) (string, *Metadata, bool) {
	start := strings.Index(text, domain.MetadataOpenTag)
	if start == -1 {
		return text, nil, false
	}
	rest := text[start+len(domain.MetadataOpenTag):]
	end := strings.Index(rest, domain.MetadataCloseTag)
	if end == -1 {
		return text, nil, false
	}
	body := strings.TrimSpace(rest[:end])

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return text, nil, false
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(body), &meta); err != nil {
		return text, nil, false
	}
	meta.Raw = raw

	clean := text[:start] + rest[end+len(domain.MetadataCloseTag):]
	return strings.TrimSpace(clean), &meta, true
}

// UIFields returns the display-relevant subset of the block.
func (m *Metadata) UIFields() map[string]any {
	out := make(map[string]any)
	for _, k := range uiFields {
		if v, ok := m.Raw[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

// UIMode maps the block's questionType to a render mode. Unknown or missing
// types return UIModeNone so the caller keeps its current mode.
func (m *Metadata) UIMode() domain.UIMode {
	switch strings.ToLower(strings.TrimSpace(m.QuestionType)) {
	case "mcq", "multiple_choice":
		return domain.UIModeMCQ
	case "text":
		return domain.UIModeChat
	case "upload":
		return domain.UIModeFileUpload
	default:
		return domain.UIModeNone
	}
}
