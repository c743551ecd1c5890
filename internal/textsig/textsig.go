// Package textsig scans free text for AI-tool signatures using a pattern
// registry. No I/O; safe for concurrent use.
package textsig

import (
	"github.com/dshills/aidetect/internal/patterns"
)

// Result is the outcome of scanning one piece of text.
type Result struct {
	Mentioned bool
	Tools     []string
}

// Detect scans text against the registry's text rules and reports every
// matching tool, not just the first; a single body can reference several
// assistants. Empty text yields a negative result.
func Detect(reg *patterns.Registry, text string) Result {
	tools := reg.Lookup(text)
	return Result{Mentioned: len(tools) > 0, Tools: tools}
}

// DetectAll scans several texts and merges the results, preserving first-seen
// tool order across the inputs.
func DetectAll(reg *patterns.Registry, texts ...string) Result {
	var merged Result
	seen := make(map[string]bool)
	for _, text := range texts {
		r := Detect(reg, text)
		if !r.Mentioned {
			continue
		}
		merged.Mentioned = true
		for _, tool := range r.Tools {
			if !seen[tool] {
				seen[tool] = true
				merged.Tools = append(merged.Tools, tool)
			}
		}
	}
	return merged
}
