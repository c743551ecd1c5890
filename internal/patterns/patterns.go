// Package patterns holds the versioned registry of AI-tool signatures: text
// matchers, known bot/service identities, and tool configuration file paths.
// A Registry is an immutable value built once at load time; edits produce a
// new Registry with a new version rather than mutating in place, so an online
// detector and a backfill job can safely run different versions in the same
// process.
package patterns

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileError reports a malformed rule. Registry construction fails on the
// first malformed rule; rules are never silently dropped.
type CompileError struct {
	Tool    string
	Pattern string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("patterns: rule for %q: compile %q: %v", e.Tool, e.Pattern, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// TextRule maps a case-insensitive regex over free text to a tool identifier.
type TextRule struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern"`
}

// IdentityRule maps a known bot/service account to a tool identifier.
// Username matches exactly (case-insensitive); EmailPattern, when set, is a
// case-insensitive regex over the identity's email address.
type IdentityRule struct {
	Tool         string `yaml:"tool"`
	Username     string `yaml:"username,omitempty"`
	EmailPattern string `yaml:"email_pattern,omitempty"`
}

// PathRule maps an AI-tool configuration file path to a tool identifier.
// Exclude lists substrings that suppress an otherwise-matching path, guarding
// against generic code paths that coincidentally contain a tool's name.
type PathRule struct {
	Tool    string   `yaml:"tool"`
	Pattern string   `yaml:"pattern"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// RuleSet is the raw, uncompiled form of a registry.
type RuleSet struct {
	Version    string
	Text       []TextRule
	Identities []IdentityRule
	Paths      []PathRule
}

type compiledText struct {
	tool string
	re   *regexp.Regexp
}

type compiledIdentity struct {
	tool     string
	username string
	emailRe  *regexp.Regexp
}

type compiledPath struct {
	tool    string
	re      *regexp.Regexp
	exclude []string
}

// Registry is a compiled, immutable rule set. All lookup methods are pure and
// safe for concurrent use.
type Registry struct {
	version    string
	text       []compiledText
	identities []compiledIdentity
	paths      []compiledPath
}

// Compile builds a Registry from a RuleSet. Returns a *CompileError on the
// first malformed rule or an error on an empty version.
func Compile(rs RuleSet) (*Registry, error) {
	if rs.Version == "" {
		return nil, fmt.Errorf("patterns: rule set has no version")
	}
	r := &Registry{version: rs.Version}

	for _, t := range rs.Text {
		re, err := regexp.Compile("(?i)" + t.Pattern)
		if err != nil {
			return nil, &CompileError{Tool: t.Tool, Pattern: t.Pattern, Err: err}
		}
		r.text = append(r.text, compiledText{tool: t.Tool, re: re})
	}
	for _, id := range rs.Identities {
		ci := compiledIdentity{tool: id.Tool, username: strings.ToLower(id.Username)}
		if id.EmailPattern != "" {
			re, err := regexp.Compile("(?i)" + id.EmailPattern)
			if err != nil {
				return nil, &CompileError{Tool: id.Tool, Pattern: id.EmailPattern, Err: err}
			}
			ci.emailRe = re
		}
		r.identities = append(r.identities, ci)
	}
	for _, p := range rs.Paths {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, &CompileError{Tool: p.Tool, Pattern: p.Pattern, Err: err}
		}
		ex := make([]string, len(p.Exclude))
		for i, s := range p.Exclude {
			ex[i] = strings.ToLower(s)
		}
		r.paths = append(r.paths, compiledPath{tool: p.Tool, re: re, exclude: ex})
	}
	return r, nil
}

// Version returns the registry's semantic version string.
func (r *Registry) Version() string { return r.version }

// Lookup scans text against every text rule and returns all matching tool
// identifiers in rule order, de-duplicated. Empty text matches nothing.
func (r *Registry) Lookup(text string) []string {
	if text == "" {
		return nil
	}
	var tools []string
	seen := make(map[string]bool)
	for _, t := range r.text {
		if seen[t.tool] {
			continue
		}
		if t.re.MatchString(text) {
			tools = append(tools, t.tool)
			seen[t.tool] = true
		}
	}
	return tools
}

// LookupIdentity returns the tool identifier for a known bot/service account,
// matching username exactly or email against the rule's email pattern.
func (r *Registry) LookupIdentity(username, email string) (string, bool) {
	lu := strings.ToLower(strings.TrimSpace(username))
	for _, id := range r.identities {
		if id.username != "" && id.username == lu {
			return id.tool, true
		}
		if id.emailRe != nil && email != "" && id.emailRe.MatchString(email) {
			return id.tool, true
		}
	}
	return "", false
}

// MatchPath returns the tool identifier whose configuration-path rule matches
// the given file path, honoring each rule's exclusion list. Only the first
// matching rule wins; path rules target disjoint file layouts.
func (r *Registry) MatchPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	lp := strings.ToLower(path)
	for _, p := range r.paths {
		if !p.re.MatchString(path) {
			continue
		}
		excluded := false
		for _, ex := range p.exclude {
			if strings.Contains(lp, ex) {
				excluded = true
				break
			}
		}
		if !excluded {
			return p.tool, true
		}
	}
	return "", false
}
