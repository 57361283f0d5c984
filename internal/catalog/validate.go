package catalog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/questline/internal/domain"
)

// Validate reports every structural problem in ch at once. Steps must already
// be sorted by index.
func Validate(ch *domain.Challenge) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if ch.ID == "" {
		add("id is required")
	}
	if ch.Title == "" {
		add("title is required")
	}
	if ch.PassingScore < 0 || ch.PassingScore > 100 {
		add("passing_score %d must be between 0 and 100", ch.PassingScore)
	}
	if len(ch.Steps) == 0 {
		add("at least one step is required")
	}
	for name := range ch.CustomVariables {
		if err := ValidateVariableName(name); err != nil {
			errs = append(errs, fmt.Errorf("custom_variables: %w", err))
		}
	}
	if ch.Progress != nil {
		if err := ch.Progress.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("progress_tracking: %w", err))
		}
	}

	for i, s := range ch.Steps {
		if s.Index != i {
			add("step indices must run 0..%d without gaps, found %d at position %d", len(ch.Steps)-1, s.Index, i)
			continue
		}
		if err := validateStep(s); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", s.Index, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	id := ch.ID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Errorf("challenge %q is invalid: %w", id, errors.Join(errs...))
}

func validateStep(s domain.Step) error {
	var errs []error
	if !s.Type.Valid() {
		return fmt.Errorf("unknown step_type %q", s.Type)
	}
	if s.PointsPossible < 0 {
		errs = append(errs, fmt.Errorf("points_possible %d is negative", s.PointsPossible))
	}
	if s.PassingThreshold < 0 || s.PassingThreshold > 100 {
		errs = append(errs, fmt.Errorf("passing_threshold %d must be between 0 and 100", s.PassingThreshold))
	}

	switch s.Type {
	case domain.StepMCQSingle:
		if len(s.Options) < 2 {
			errs = append(errs, errors.New("MCQ_SINGLE needs at least two options"))
		}
		if s.CorrectAnswer == nil || *s.CorrectAnswer < 0 || *s.CorrectAnswer >= len(s.Options) {
			errs = append(errs, fmt.Errorf("correct_answer must index one of %d options", len(s.Options)))
		}
	case domain.StepTrueFalse:
		if s.CorrectAnswer == nil || (*s.CorrectAnswer != 0 && *s.CorrectAnswer != 1) {
			errs = append(errs, errors.New("TRUE_FALSE correct_answer must be 0 (true) or 1 (false)"))
		}
	case domain.StepMCQMulti:
		if len(s.Options) < 2 {
			errs = append(errs, errors.New("MCQ_MULTI needs at least two options"))
		}
		if len(s.CorrectAnswers) == 0 {
			errs = append(errs, errors.New("MCQ_MULTI needs correct_answers"))
		}
		seen := make([]int, 0, len(s.CorrectAnswers))
		for _, a := range s.CorrectAnswers {
			if a < 0 || a >= len(s.Options) {
				errs = append(errs, fmt.Errorf("correct answer %d is out of range", a))
			}
			if slices.Contains(seen, a) {
				errs = append(errs, fmt.Errorf("correct answer %d is listed twice", a))
			}
			seen = append(seen, a)
		}
	case domain.StepChat:
		for name, c := range s.Rubric {
			if c.Weight < 0 {
				errs = append(errs, fmt.Errorf("rubric criterion %q has negative weight", name))
			}
		}
	}
	return errors.Join(errs...)
}
