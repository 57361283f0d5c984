package domain

import (
	"fmt"
	"strings"
)

// StepType is the closed set of step archetypes a challenge can contain.
type StepType string

// Step types.
const (
	StepMCQSingle    StepType = "MCQ_SINGLE"
	StepMCQMulti     StepType = "MCQ_MULTI"
	StepTrueFalse    StepType = "TRUE_FALSE"
	StepChat         StepType = "CHAT"
	StepContinueGate StepType = "CONTINUE_GATE"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepMCQSingle, StepMCQMulti, StepTrueFalse, StepChat, StepContinueGate:
		return true
	}
	return false
}

// MetadataOpenTag and MetadataCloseTag delimit the structured block a
// teaching model embeds in its narration.
const (
	MetadataOpenTag  = "<metadata>"
	MetadataCloseTag = "</metadata>"
)

// simpleContextMinLen is the gm_context length above which a metadata-aware
// instruction is treated as a full teaching prompt rather than a short seed.
const simpleContextMinLen = 1000

// Criterion is one rubric line for free-text evaluation.
type Criterion struct {
	Weight      int    `json:"weight" yaml:"weight"`
	Description string `json:"description" yaml:"description"`
}

// Rubric maps criterion names to their weight and description.
type Rubric map[string]Criterion

// Step is the read-only configuration of one challenge step.
type Step struct {
	Index            int      `json:"step_index" yaml:"step_index"`
	Type             StepType `json:"step_type" yaml:"step_type"`
	Title            string   `json:"title" yaml:"title"`
	Instruction      string   `json:"instruction" yaml:"instruction"`
	Options          []string `json:"options,omitempty" yaml:"options"`
	CorrectAnswer    *int     `json:"correct_answer,omitempty" yaml:"correct_answer"`
	CorrectAnswers   []int    `json:"correct_answers,omitempty" yaml:"correct_answers"`
	PointsPossible   int      `json:"points_possible" yaml:"points_possible"`
	PassingThreshold int      `json:"passing_threshold" yaml:"passing_threshold"`
	Rubric           Rubric   `json:"rubric,omitempty" yaml:"rubric"`
	GMContext        string   `json:"gm_context,omitempty" yaml:"gm_context"`
	AutoNarrate      bool     `json:"auto_narrate" yaml:"auto_narrate"`
}

// IsSimple reports whether the step carries a full teaching instruction with
// the embedded metadata protocol instead of a short narration seed.
func (s Step) IsSimple() bool {
	return strings.Contains(s.GMContext, MetadataOpenTag) && len(s.GMContext) > simpleContextMinLen
}

// Passes applies the step's threshold to a score. Exactly at the boundary passes.
func (s Step) Passes(score int) bool {
	if s.PointsPossible <= 0 {
		return true
	}
	// score/points >= threshold/100, kept in integers.
	return score*100 >= s.PassingThreshold*s.PointsPossible
}

// Challenge is an ordered list of steps plus the metadata used for prompts.
type Challenge struct {
	ID               string            `json:"id" yaml:"id"`
	Title            string            `json:"title" yaml:"title"`
	Description      string            `json:"description" yaml:"description"`
	Difficulty       string            `json:"difficulty" yaml:"difficulty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags"`
	XPReward         int               `json:"xp_reward" yaml:"xp_reward"`
	PassingScore     int               `json:"passing_score" yaml:"passing_score"`
	EstimatedMinutes int               `json:"estimated_time_minutes" yaml:"estimated_time_minutes"`
	HelpResources    []HelpResource    `json:"help_resources,omitempty" yaml:"help_resources"`
	CustomVariables  map[string]string `json:"custom_variables,omitempty" yaml:"custom_variables"`
	Provider         string            `json:"provider,omitempty" yaml:"provider"`
	Model            string            `json:"model,omitempty" yaml:"model"`
	Progress         *ProgressConfig   `json:"progress_tracking,omitempty" yaml:"progress_tracking"`
	Steps            []Step            `json:"steps" yaml:"steps"`
}

// HelpResource is an external link shown alongside a challenge.
type HelpResource struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

// DefaultMaxScore is used when no step awards points.
const DefaultMaxScore = 100

// MaxScore returns the sum of points across steps, or DefaultMaxScore.
func (c *Challenge) MaxScore() int {
	total := 0
	for _, s := range c.Steps {
		total += s.PointsPossible
	}
	if total <= 0 {
		return DefaultMaxScore
	}
	return total
}

// ProgressMode selects how a simple challenge measures progress.
type ProgressMode string

// Progress modes.
const (
	ProgressQuestions  ProgressMode = "questions"
	ProgressPhases     ProgressMode = "phases"
	ProgressMilestones ProgressMode = "milestones"
	ProgressTriggers   ProgressMode = "triggers"
)

// Phase is a named stage in phases mode.
type Phase struct {
	Number      int    `json:"number" yaml:"number"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Milestone is an unordered achievement in milestones mode.
type Milestone struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Points int    `json:"points,omitempty" yaml:"points"`
}

// ProgressConfig configures progress tracking for a simple challenge.
type ProgressConfig struct {
	Mode           ProgressMode `json:"mode" yaml:"mode"`
	TotalQuestions int          `json:"total_questions,omitempty" yaml:"total_questions"`
	Phases         []Phase      `json:"phases,omitempty" yaml:"phases"`
	Milestones     []Milestone  `json:"milestones,omitempty" yaml:"milestones"`
	Triggers       []string     `json:"triggers,omitempty" yaml:"triggers"`
}

// Validate checks the config has what its mode needs.
func (p *ProgressConfig) Validate() error {
	switch p.Mode {
	case ProgressQuestions:
		if p.TotalQuestions <= 0 {
			return fmt.Errorf("questions mode requires total_questions > 0")
		}
	case ProgressPhases:
		if len(p.Phases) == 0 {
			return fmt.Errorf("phases mode requires at least one phase")
		}
	case ProgressMilestones:
		if len(p.Milestones) == 0 {
			return fmt.Errorf("milestones mode requires at least one milestone")
		}
	case ProgressTriggers:
		if len(p.Triggers) == 0 {
			return fmt.Errorf("triggers mode requires at least one trigger")
		}
	default:
		return fmt.Errorf("unknown progress mode %q", p.Mode)
	}
	return nil
}
