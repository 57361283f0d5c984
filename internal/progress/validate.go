package progress

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ashureev/questline/internal/domain"
)

// ErrInvalidProgress is wrapped by every validation rejection.
var ErrInvalidProgress = errors.New("invalid progress metadata")

// percentTolerance is how far a reported percentage may drift from the expected value.
const percentTolerance = 1.0

// Validate checks reported progress against the configured mode and the
// counters the engine has accumulated so far. On success it returns the
// advanced counters; on failure the input state is returned unchanged.
func Validate(cfg domain.ProgressConfig, meta *Metadata, st domain.ProgressState) (domain.ProgressState, error) {
	if meta == nil {
		return st, fmt.Errorf("%w: no metadata", ErrInvalidProgress)
	}
	switch cfg.Mode {
	case domain.ProgressQuestions:
		return validateQuestions(cfg, meta, st)
	case domain.ProgressPhases:
		return validatePhases(cfg, meta, st)
	case domain.ProgressMilestones:
		ids := make([]string, 0, len(cfg.Milestones))
		for _, m := range cfg.Milestones {
			ids = append(ids, m.ID)
		}
		next, err := validateSet("milestoneId", ids, meta.MilestoneID, meta.IsMilestoneAchieved,
			meta.AchievedMilestones, st.AchievedMilestones, meta.ProgressPercent)
		if err != nil {
			return st, err
		}
		out := st
		out.AchievedMilestones = next
		out.Percent = percentOf(len(next), len(ids))
		return out, nil
	case domain.ProgressTriggers:
		next, err := validateSet("triggerId", cfg.Triggers, meta.TriggerID, meta.IsTriggerActivated,
			meta.ActivatedTriggers, st.ActivatedTriggers, meta.ProgressPercent)
		if err != nil {
			return st, err
		}
		out := st
		out.ActivatedTriggers = next
		out.Percent = percentOf(len(next), len(cfg.Triggers))
		return out, nil
	default:
		return st, fmt.Errorf("%w: unknown progress mode %q", ErrInvalidProgress, cfg.Mode)
	}
}

func validateQuestions(cfg domain.ProgressConfig, meta *Metadata, st domain.ProgressState) (domain.ProgressState, error) {
	total := cfg.TotalQuestions
	if meta.QuestionNumber < 1 || meta.QuestionNumber >= float64(total+1) {
		return st, fmt.Errorf("%w: questionNumber must be between 1 and %d", ErrInvalidProgress, total)
	}
	qn := int(meta.QuestionNumber)

	answered := st.QuestionsAnswered
	if meta.IsQuestionComplete && qn > answered {
		answered = qn
	}
	if err := checkPercent(answered, total, meta.ProgressPercent); err != nil {
		return st, err
	}

	out := st
	out.QuestionsAnswered = answered
	out.Percent = percentOf(answered, total)
	return out, nil
}

func validatePhases(cfg domain.ProgressConfig, meta *Metadata, st domain.ProgressState) (domain.ProgressState, error) {
	total := len(cfg.Phases)
	if meta.Phase < 1 || meta.Phase >= float64(total+1) {
		return st, fmt.Errorf("%w: phase must be between 1 and %d", ErrInvalidProgress, total)
	}
	phase := int(meta.Phase)

	current := st.CurrentPhase
	if current == 0 {
		current = 1
	}
	if meta.IsPhaseComplete && phase == current {
		current = min(phase+1, total)
	}
	if err := checkPercent(current, total, meta.ProgressPercent); err != nil {
		return st, err
	}

	out := st
	out.CurrentPhase = current
	out.Percent = percentOf(current, total)
	return out, nil
}

// validateSet covers the two unordered modes: milestones and triggers.
func validateSet(field string, configured []string, id string, achieved bool, reported, current []string, percent float64) ([]string, error) {
	if id != "" && !slices.Contains(configured, id) {
		return nil, fmt.Errorf("%w: %s %q not in configured set", ErrInvalidProgress, field, id)
	}
	for _, r := range reported {
		if !slices.Contains(configured, r) {
			return nil, fmt.Errorf("%w: reported %s %q not in configured set", ErrInvalidProgress, field, r)
		}
	}
	if hasDuplicates(reported) {
		return nil, fmt.Errorf("%w: reported %s list contains duplicates", ErrInvalidProgress, field)
	}

	next := slices.Clone(current)
	if achieved && id != "" && !slices.Contains(next, id) {
		next = append(next, id)
	}
	if err := checkPercent(len(next), len(configured), percent); err != nil {
		return nil, err
	}
	return next, nil
}

func checkPercent(done, total int, reported float64) error {
	if total <= 0 {
		return fmt.Errorf("%w: nothing configured to track", ErrInvalidProgress)
	}
	expected := float64(done) / float64(total) * 100
	if math.Abs(expected-reported) > percentTolerance {
		return fmt.Errorf("%w: progressPercent should be %.0f%%, got %v%%", ErrInvalidProgress, expected, reported)
	}
	return nil
}

func percentOf(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

func hasDuplicates(items []string) bool {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			return true
		}
		seen[it] = struct{}{}
	}
	return false
}
