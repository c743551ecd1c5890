package patterns

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileRuleSet is the on-disk YAML form of a rule set. A rule file replaces
// the built-in set entirely; operators who want to extend the built-ins
// export them with `aidetect patterns` and edit from there, which keeps the
// active rule set and its version in one auditable place.
type fileRuleSet struct {
	Version string `yaml:"version"`
	Text    []struct {
		Tool    string `yaml:"tool"`
		Pattern string `yaml:"pattern"`
	} `yaml:"text_rules"`
	Identities []struct {
		Tool         string `yaml:"tool"`
		Username     string `yaml:"username"`
		EmailPattern string `yaml:"email_pattern"`
	} `yaml:"identities"`
	Paths []struct {
		Tool    string   `yaml:"tool"`
		Pattern string   `yaml:"pattern"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"path_rules"`
}

// LoadFile reads and compiles a YAML rule file. Malformed YAML or a rule that
// fails to compile is a load-time error; no rule is ever silently dropped.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns: read rule file: %w", err)
	}
	var frs fileRuleSet
	if err := yaml.Unmarshal(data, &frs); err != nil {
		return nil, fmt.Errorf("patterns: parse rule file %s: %w", path, err)
	}
	if frs.Version == "" {
		return nil, fmt.Errorf("patterns: rule file %s declares no version", path)
	}

	rs := RuleSet{Version: frs.Version}
	for _, t := range frs.Text {
		rs.Text = append(rs.Text, TextRule{Tool: t.Tool, Pattern: t.Pattern})
	}
	for _, id := range frs.Identities {
		rs.Identities = append(rs.Identities, IdentityRule{
			Tool: id.Tool, Username: id.Username, EmailPattern: id.EmailPattern,
		})
	}
	for _, p := range frs.Paths {
		rs.Paths = append(rs.Paths, PathRule{Tool: p.Tool, Pattern: p.Pattern, Exclude: p.Exclude})
	}
	return Compile(rs)
}

// Export renders the registry's source rule set as YAML. Used by the CLI to
// print the active rules so operators can derive a custom rule file.
func Export(rs RuleSet) ([]byte, error) {
	out, err := yaml.Marshal(struct {
		Version    string         `yaml:"version"`
		Text       []TextRule     `yaml:"text_rules"`
		Identities []IdentityRule `yaml:"identities"`
		Paths      []PathRule     `yaml:"path_rules"`
	}{rs.Version, rs.Text, rs.Identities, rs.Paths})
	if err != nil {
		return nil, fmt.Errorf("patterns: export: %w", err)
	}
	return out, nil
}

// BuiltinRules returns a copy of the built-in rule set for export.
func BuiltinRules() RuleSet { return builtinRules }
