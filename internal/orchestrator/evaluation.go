package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	errNoJSONObject    = errors.New("no JSON object found in response")
	errUnmatchedBraces = errors.New("unmatched braces in JSON")
)

// EvaluationError reports a rubric evaluation the model did not return in
// the required shape.
type EvaluationError struct {
	Reason   string
	Response string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation failed: %s: %v", e.Reason, e.Err)
	}
	return "evaluation failed: " + e.Reason
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluation is the advisory result of grading one answer.
type Evaluation struct {
	RawScore       float64            `json:"raw_score"`
	Rationale      string             `json:"rationale"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Passed         bool               `json:"passed"`
}

// wireEvaluation uses pointers and a nil map so missing required fields
// are detectable. An empty criteria_scores object is accepted.
type wireEvaluation struct {
	RawScore       *float64           `json:"raw_score"`
	Rationale      *string            `json:"rationale"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Passed         *bool              `json:"passed"`
}

// ParseEvaluation extracts the first complete JSON object from a model
// response and checks it has raw_score, rationale, criteria_scores and passed.
func ParseEvaluation(text string) (Evaluation, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Evaluation{}, &EvaluationError{Reason: "invalid JSON", Response: text, Err: err}
	}
	var w wireEvaluation
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Evaluation{}, &EvaluationError{Reason: "invalid JSON", Response: text, Err: err}
	}

	var missing []string
	if w.RawScore == nil {
		missing = append(missing, "raw_score")
	}
	if w.Rationale == nil {
		missing = append(missing, "rationale")
	}
	if w.CriteriaScores == nil {
		missing = append(missing, "criteria_scores")
	}
	if w.Passed == nil {
		missing = append(missing, "passed")
	}
	if len(missing) > 0 {
		return Evaluation{}, &EvaluationError{
			Reason:   "missing " + strings.Join(missing, ", "),
			Response: text,
		}
	}
	if math.IsNaN(*w.RawScore) || math.IsInf(*w.RawScore, 0) {
		return Evaluation{}, &EvaluationError{Reason: "raw_score is not finite", Response: text}
	}

	return Evaluation{
		RawScore:       *w.RawScore,
		Rationale:      *w.Rationale,
		CriteriaScores: w.CriteriaScores,
		Passed:         *w.Passed,
	}, nil
}

// extractJSON returns the first brace-balanced object in text. Braces inside
// JSON strings are skipped.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errNoJSONObject
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errUnmatchedBraces
}
