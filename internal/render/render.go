// Package render produces output from a fully assembled schema.DetectionResult.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/aidetect/internal/schema"
)

// RenderJSON produces a pretty-printed JSON representation of the result.
// The output round-trips through json.Unmarshal back to an equal result.
func RenderJSON(res *schema.DetectionResult) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("render: nil result")
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: json marshal: %w", err)
	}
	return b, nil
}

// RenderMarkdown produces a GitHub-flavoured Markdown summary of a detection
// result, suitable for PR comments or terminal output. Every signal present
// in the result will appear in the output.
func RenderMarkdown(res *schema.DetectionResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder

	// Summary section.
	sb.WriteString("## AI Assistance Detection\n\n")
	fmt.Fprintf(&sb, "**Change:** %s  \n", res.ChangeID)
	verdict := "not detected"
	if res.IsAIAssisted {
		verdict = "detected"
	}
	fmt.Fprintf(&sb, "**Verdict:** %s  \n", verdict)
	fmt.Fprintf(&sb, "**Confidence:** %.2f  \n", res.ConfidenceScore)
	if len(res.AITools) > 0 {
		fmt.Fprintf(&sb, "**Tools:** %s  \n", strings.Join(res.AITools, ", "))
	}
	fmt.Fprintf(&sb, "**Pattern version:** %s\n\n", res.PatternVersion)

	// Signal table. Sources render in weight order; absent ones are skipped.
	if len(res.Signals) > 0 {
		sb.WriteString("## Signals\n\n")
		sb.WriteString("| Signal | Detected | Tools | Detail |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, src := range schema.Sources {
			sig, ok := res.Signals[src]
			if !ok {
				continue
			}
			detected := "no"
			if sig.Detected {
				detected = "yes"
			}
			if sig.Confidence != nil {
				detected = fmt.Sprintf("%s (%.2f)", detected, *sig.Confidence)
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
				src, detected,
				mdEscape(strings.Join(sig.Tools, ", ")),
				mdEscape(strings.Join(sig.Detail, "; ")))
		}
		sb.WriteString("\n")
	}

	// Semantic verdict details.
	if res.LLMRaw != nil {
		sb.WriteString("## Semantic Analysis\n\n")
		if res.LLMRaw.Model != "" {
			fmt.Fprintf(&sb, "**Model:** %s  \n", res.LLMRaw.Model)
		}
		if res.LLMRaw.Summary != "" {
			fmt.Fprintf(&sb, "**Summary:** %s\n\n", mdEscape(res.LLMRaw.Summary))
		}
		if res.LLMRaw.RiskNotes != "" {
			fmt.Fprintf(&sb, "**Risk notes:** %s\n\n", mdEscape(res.LLMRaw.RiskNotes))
		}
	}

	return sb.String()
}

// mdEscape replaces characters that would break Markdown table cells.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
