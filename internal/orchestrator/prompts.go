package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/questline/internal/domain"
	"github.com/ashureev/questline/internal/llm"
)

const narrateSystemPrompt = `You are the game master guiding a learner through a scored challenge.

You set the scene for each step, keep the learner motivated, and coach them when they struggle.
Scores and progression are decided elsewhere: never announce a score, a pass, or a fail, and never
tell the learner they may skip ahead.

Write two or three sentences. Be warm and concrete, and keep the focus on what the learner is about
to practice.`

const evaluateSystemPrompt = `You grade free-text answers against a rubric.

Use only the rubric you are given. Your grade is a suggestion that another system checks, so be
consistent rather than generous.

Reply with a single JSON object and nothing else:
{
  "raw_score": <points earned, a number>,
  "rationale": "<two or three sentences>",
  "criteria_scores": {"<criterion>": <points>},
  "passed": <true or false>
}`

const hintSystemPrompt = `You give hints to a learner who is stuck on a challenge step.

Point at the method, not the result. Prefer a guiding question to a statement, take earlier hints
into account, and never state the answer.

Reply with one or two encouraging sentences.`

func narrationPrompt(c *domain.NarrationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d of %d: %s\n\n", c.StepIndex+1, c.TotalSteps, c.StepTitle)
	fmt.Fprintf(&b, "Instruction: %s\n\n", c.StepInstruction)
	fmt.Fprintf(&b, "Current score: %d/%d\n\n", c.CurrentScore, c.MaxScore)
	if c.GMContext != "" {
		fmt.Fprintf(&b, "Scene notes: %s\n\n", c.GMContext)
	}
	if c.StateSummary != "" {
		fmt.Fprintf(&b, "Recent activity: %s\n\n", c.StateSummary)
	}
	b.WriteString("Introduce this step and encourage the learner to take it on.")
	return b.String()
}

// simpleMessages turns the transcript into provider messages ending with the
// learner's latest answer. The answer is usually already the last history
// line, so it is not repeated.
func simpleMessages(c *domain.NarrationContext) []llm.Message {
	msgs := make([]llm.Message, 0, len(c.History)+1)
	for _, h := range c.History {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if h.Role != domain.RoleUser {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}
	answer := strings.TrimSpace(c.Answer)
	if answer == "" {
		answer = "Let's begin."
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleUser && strings.TrimSpace(msgs[n-1].Content) == answer {
		return msgs
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: answer})
}

func evaluationPrompt(c *domain.EvaluationContext) (string, error) {
	rubric, err := json.MarshalIndent(c.Rubric, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode rubric: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n%s\n\n", c.StepTitle, c.StepInstruction)
	fmt.Fprintf(&b, "Learner's answer:\n%s\n\n", c.Answer)
	fmt.Fprintf(&b, "Rubric (maximum %d points):\n%s\n\n", c.MaxScore, rubric)
	b.WriteString("Grade the answer with the rubric. Return only the JSON object.")
	return b.String(), nil
}

func hintPrompt(c *domain.HintContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", c.StepTitle)
	fmt.Fprintf(&b, "Instruction: %s\n", c.StepInstruction)
	fmt.Fprintf(&b, "Step type: %s\n", c.StepType)
	fmt.Fprintf(&b, "Hints already given: %d\n\n", c.HintsUsed)
	if c.StateSummary != "" {
		fmt.Fprintf(&b, "Recent activity: %s\n\n", c.StateSummary)
	}
	b.WriteString("Give the learner a nudge in the right direction.")
	return b.String()
}
