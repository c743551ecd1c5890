// Package extract implements the structural signal extractors: commit
// co-authorship, reviewer identity, and changed-file path analysis. All
// extractors are pure functions over a read-only registry; empty inputs yield
// negative results, never errors.
package extract

import (
	"regexp"
	"strings"

	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/schema"
	"github.com/dshills/aidetect/internal/textsig"
)

// CommitSignal is the aggregated commit-level evidence for one change record.
// Strong is set when the evidence is an identity-map hit (an AI service
// co-author trailer or bot commit author) rather than a phrase match; strong
// evidence can override the composite-score threshold at aggregation time.
type CommitSignal struct {
	HasAI     bool
	Strong    bool
	Tools     []string
	CoAuthors []schema.Identity
}

// ReviewSignal is the aggregated review-level evidence for one change record.
type ReviewSignal struct {
	HasAI     bool
	Tools     []string
	Reviewers []schema.Identity
}

// FileSignal is the aggregated file-path evidence for one change record.
type FileSignal struct {
	HasAI        bool
	Tools        []string
	MatchedPaths []string
}

// coAuthorRe matches a "Co-authored-by: Name <email>" commit trailer.
var coAuthorRe = regexp.MustCompile(`(?im)^co-authored-by:\s*([^<\n]+?)\s*<([^>\n]*)>\s*$`)

// ParseCoAuthors extracts co-author identities from commit trailer lines in a
// commit message. Ingestion usually populates CommitRef.CoAuthors already;
// this covers platforms that deliver only the raw message.
func ParseCoAuthors(message string) []schema.Identity {
	var ids []schema.Identity
	for _, m := range coAuthorRe.FindAllStringSubmatch(message, -1) {
		ids = append(ids, schema.Identity{
			Username: strings.TrimSpace(m[1]),
			Email:    strings.TrimSpace(m[2]),
		})
	}
	return ids
}

// Commits inspects a change record's commit list for AI co-authorship and
// signature phrases. Any single AI-flagged commit marks the whole change
// record's commit signal positive.
func Commits(reg *patterns.Registry, commits []schema.CommitRef) CommitSignal {
	var sig CommitSignal
	seen := make(map[string]bool)
	add := func(tool string) {
		if !seen[tool] {
			seen[tool] = true
			sig.Tools = append(sig.Tools, tool)
		}
	}

	for _, c := range commits {
		coAuthors := make([]schema.Identity, 0, len(c.CoAuthors))
		coAuthors = append(coAuthors, c.CoAuthors...)
		coAuthors = append(coAuthors, ParseCoAuthors(c.Message)...)
		for _, ca := range coAuthors {
			if tool, ok := reg.LookupIdentity(ca.Username, ca.Email); ok {
				sig.HasAI = true
				sig.Strong = true
				add(tool)
				sig.CoAuthors = append(sig.CoAuthors, ca)
			}
		}
		if tool, ok := reg.LookupIdentity(c.Author.Username, c.Author.Email); ok {
			sig.HasAI = true
			sig.Strong = true
			add(tool)
		}
		if r := textsig.Detect(reg, c.Message); r.Mentioned {
			sig.HasAI = true
			for _, tool := range r.Tools {
				add(tool)
			}
		}
	}
	return sig
}

// Reviews inspects reviewer identities against the registry's known automated
// reviewers and scans review bodies for signatures. An AI-authored review is a
// weaker indicator of AI-authored code than an AI-authored commit; that
// asymmetry is applied at aggregation time, not here.
func Reviews(reg *patterns.Registry, reviews []schema.ReviewRef) ReviewSignal {
	var sig ReviewSignal
	seen := make(map[string]bool)
	add := func(tool string) {
		if !seen[tool] {
			seen[tool] = true
			sig.Tools = append(sig.Tools, tool)
		}
	}

	for _, rv := range reviews {
		if tool, ok := reg.LookupIdentity(rv.Reviewer.Username, rv.Reviewer.Email); ok {
			sig.HasAI = true
			add(tool)
			sig.Reviewers = append(sig.Reviewers, rv.Reviewer)
		}
		if r := textsig.Detect(reg, rv.Body); r.Mentioned {
			sig.HasAI = true
			for _, tool := range r.Tools {
				add(tool)
			}
		}
	}
	return sig
}

// Files matches the paths modified by this change record against the
// registry's AI-tool configuration path rules. Only files in this diff count;
// a rule file merely present elsewhere in the repository is not evidence.
func Files(reg *patterns.Registry, files []schema.FileRef) FileSignal {
	var sig FileSignal
	seen := make(map[string]bool)
	for _, f := range files {
		tool, ok := reg.MatchPath(f.Path)
		if !ok {
			continue
		}
		sig.HasAI = true
		sig.MatchedPaths = append(sig.MatchedPaths, f.Path)
		if !seen[tool] {
			seen[tool] = true
			sig.Tools = append(sig.Tools, tool)
		}
	}
	return sig
}
