package llmdetect

import (
	"fmt"
	"strings"

	"github.com/dshills/aidetect/internal/schema"
)

// Bounds on the textual context sent to the model. Change records can carry
// hundreds of commits and files; the semantic judgment does not improve past
// these limits and token cost does.
const (
	maxBodyChars     = 4000
	maxCommitLines   = 40
	maxReviewBodies  = 20
	maxReviewChars   = 1000
	maxFileEntries   = 120
	maxCommitSubject = 200
)

// PRContext is the structured textual context for one change record, built
// once and reused across retries and repair attempts. CI/CD check-run data is
// deliberately excluded: for already-merged changes it adds no signal.
type PRContext struct {
	ChangeID       string
	Title          string
	Body           string
	CommitMessages []string
	ReviewTexts    []string
	FileSummary    []string
}

// BuildContext assembles a bounded PRContext from a change record.
func BuildContext(rec *schema.ChangeRecord) PRContext {
	pc := PRContext{
		ChangeID: rec.ID,
		Title:    rec.Title,
		Body:     truncate(rec.Body, maxBodyChars),
	}
	for i, c := range rec.Commits {
		if i >= maxCommitLines {
			pc.CommitMessages = append(pc.CommitMessages,
				fmt.Sprintf("... and %d more commits", len(rec.Commits)-maxCommitLines))
			break
		}
		pc.CommitMessages = append(pc.CommitMessages, truncate(firstLine(c.Message), maxCommitSubject))
	}
	for i, rv := range rec.Reviews {
		if i >= maxReviewBodies {
			break
		}
		if strings.TrimSpace(rv.Body) == "" {
			continue
		}
		pc.ReviewTexts = append(pc.ReviewTexts,
			fmt.Sprintf("%s (%s): %s", rv.Reviewer.Username, rv.Verdict, truncate(rv.Body, maxReviewChars)))
	}
	for i, f := range rec.Files {
		if i >= maxFileEntries {
			pc.FileSummary = append(pc.FileSummary,
				fmt.Sprintf("... and %d more files", len(rec.Files)-maxFileEntries))
			break
		}
		pc.FileSummary = append(pc.FileSummary,
			fmt.Sprintf("%s (%s, +%d/-%d)", f.Path, f.Change, f.Additions, f.Deletions))
	}
	return pc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// buildSystemPrompt assembles the model's system prompt.
func buildSystemPrompt() string {
	var sb strings.Builder

	sb.WriteString("You are an analyst deciding whether a pull request was produced with " +
		"the help of an AI coding assistant.\n\n")

	sb.WriteString("Output ONLY valid JSON conforming to the schema below. " +
		"No prose, no markdown, no explanation outside the JSON.\n\n")

	sb.WriteString("Consider paraphrased or undisclosed assistance: characteristic commit " +
		"message phrasing, uniform docstring style across many files, assistant rule files, " +
		"bot reviewers, and disclosure phrases. Absence of disclosure is not proof of absence; " +
		"reflect uncertainty in the confidence value.\n\n")

	sb.WriteString("Only name tools using lowercase identifiers such as " +
		"\"claude\", \"copilot\", \"cursor\", \"codex\", \"gemini\", \"coderabbit\", " +
		"\"devin\", \"aider\", \"windsurf\", \"cline\". Never invent tool names. " +
		"If assistance seems likely but the tool is unclear, set tools to [].\n\n")

	sb.WriteString(outputSchema)
	return sb.String()
}

// outputSchema is the JSON schema fragment shown to the model.
const outputSchema = `Output schema (JSON only):
{
  "is_assisted": true,
  "confidence": 0.0,
  "tools": ["claude"],
  "summary": "one sentence on the decisive evidence",
  "risk_notes": "optional caveats"
}
confidence is a number in [0,1] expressing how certain you are in is_assisted.
`

// buildUserPrompt renders a PRContext for the model.
func buildUserPrompt(pc PRContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "PULL REQUEST %s\n", pc.ChangeID)
	fmt.Fprintf(&sb, "Title: %s\n\n", pc.Title)
	if pc.Body != "" {
		fmt.Fprintf(&sb, "Description:\n%s\n\n", pc.Body)
	}

	if len(pc.CommitMessages) > 0 {
		sb.WriteString("Commit messages:\n")
		for _, m := range pc.CommitMessages {
			fmt.Fprintf(&sb, "  - %s\n", m)
		}
		sb.WriteString("\n")
	}

	if len(pc.ReviewTexts) > 0 {
		sb.WriteString("Reviews:\n")
		for _, r := range pc.ReviewTexts {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
		sb.WriteString("\n")
	}

	if len(pc.FileSummary) > 0 {
		sb.WriteString("Changed files:\n")
		for _, f := range pc.FileSummary {
			fmt.Fprintf(&sb, "  - %s\n", f)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Produce the JSON judgment now.")
	return sb.String()
}

// buildRepairPrompt constructs the repair message. It includes the original
// user prompt and the previous invalid response so the model has full context.
func buildRepairPrompt(originalUserPrompt, previousResponse string, errs []ValidationError) string {
	var sb strings.Builder
	sb.WriteString(originalUserPrompt)
	sb.WriteString("\n\nYour previous response was:\n")
	sb.WriteString(previousResponse)
	sb.WriteString("\n\nThat response was invalid. Errors:\n")
	for _, e := range errs {
		fmt.Fprintf(&sb, "  - %s\n", e.Error())
	}
	sb.WriteString("\nOutput only the corrected JSON conforming to the schema. Do not repeat the error.")
	return sb.String()
}
