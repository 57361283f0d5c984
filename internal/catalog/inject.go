package catalog

import (
	"fmt"
	"strings"

	"github.com/ashureev/questline/internal/domain"
)

// InjectMetadataFormat appends the response format a teaching model must
// follow so the engine can read progress from every reply.
func InjectMetadataFormat(instruction string, ch *domain.Challenge) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(instruction, "\n"))
	fmt.Fprintf(&b, "\n\n---\n\nResponse format for %q\n\n", ch.Title)
	b.WriteString("End every reply with a metadata block in exactly this form:\n\n")
	b.WriteString(domain.MetadataOpenTag)
	b.WriteString(`
{
  "questionType": "text",
  "options": ["First choice", "Second choice", "Third choice"],
  "correctAnswer": 0,
  "phase": 1,
  "progressIncrement": 10,
  "scoreChange": 10,
  "hint": null,
  "isComplete": false
}
`)
	b.WriteString(domain.MetadataCloseTag)
	b.WriteString("\n\nFields:\n\n")
	b.WriteString(`- "questionType": "text" for a written answer, "mcq" for multiple choice, "upload" for a file.
- "options": three to five distinct choices. Only for "mcq".
- "correctAnswer": zero-based index of the right option. Only for "mcq"; it is never shown to the learner.
- "phase": the section of the challenge the learner is in, starting at 1.
- "progressIncrement": share of the whole challenge this exchange completes, 0 to 100. Increments across the challenge add up to 100.
`)
	fmt.Fprintf(&b, "- \"scoreChange\": points earned by this exchange, 0 to %d. The total across the challenge never exceeds %d. Use 0 for introductions and hints.\n", ch.XPReward, ch.XPReward)
	b.WriteString("- \"hint\": a guiding question when the learner seems stuck, otherwise null.\n")
	fmt.Fprintf(&b, "- \"isComplete\": true only on the final reply, once the learner has finished. Passing needs %d%%.\n", ch.PassingScore)

	if ch.Progress != nil {
		b.WriteString(progressFields(ch.Progress))
	}

	b.WriteString(`
Rules:
1. Every reply carries the block, placed after everything else.
2. The block is strict JSON: double quotes, no comments, no trailing commas.
3. The learner sees only the text outside the block.
4. Progress you report is checked. Skipping ahead or inflating scores is rejected.
`)
	return b.String()
}

func progressFields(p *domain.ProgressConfig) string {
	var b strings.Builder
	b.WriteString("\nProgress is tracked by ")
	switch p.Mode {
	case domain.ProgressQuestions:
		fmt.Fprintf(&b, "question. Also send \"questionNumber\" (1 to %d), \"totalQuestions\": %d and \"isQuestionComplete\" once the current question is answered.\n",
			p.TotalQuestions, p.TotalQuestions)
	case domain.ProgressPhases:
		fmt.Fprintf(&b, "phase. Also send \"phaseName\", \"totalPhases\": %d and \"isPhaseComplete\" when a phase ends. Phases, in order:\n", len(p.Phases))
		for _, ph := range p.Phases {
			fmt.Fprintf(&b, "  %d. %s\n", ph.Number, ph.Name)
		}
	case domain.ProgressMilestones:
		b.WriteString("milestone. When the learner reaches one, send \"milestoneId\" and \"isMilestoneAchieved\": true. Milestones:\n")
		for _, m := range p.Milestones {
			fmt.Fprintf(&b, "  - %s: %s\n", m.ID, m.Name)
		}
	case domain.ProgressTriggers:
		b.WriteString("trigger. When one fires, send \"triggerId\" and \"isTriggerActivated\": true. Triggers: ")
		b.WriteString(strings.Join(p.Triggers, ", "))
		b.WriteString("\n")
	}
	return b.String()
}
