package patterns

// builtinVersion identifies the compiled-in rule set. Any edit to the rules
// below must bump this version so backfills can distinguish results produced
// before and after the change.
const builtinVersion = "1.4.0"

// builtinRules is the curated signature set shipped with the engine. Tool
// identifiers are lowercase stable keys consumed by downstream analytics.
var builtinRules = RuleSet{
	Version: builtinVersion,
	Text: []TextRule{
		{Tool: "claude", Pattern: `\bclaude(\s+code)?\b`},
		{Tool: "claude", Pattern: `generated with \[?claude`},
		{Tool: "copilot", Pattern: `\b(github\s+)?copilot\b`},
		{Tool: "cursor", Pattern: `\bcursor\s+(ai|ide|agent|composer|tab)\b`},
		{Tool: "cursor", Pattern: `\b(with|using|via|in)\s+cursor\b`},
		{Tool: "cursor", Pattern: `cursor\.(sh|com)`},
		{Tool: "codex", Pattern: `\b(openai\s+)?codex\b`},
		{Tool: "chatgpt", Pattern: `\bchat\s?gpt\b|\bgpt-[45][\w.-]*\b`},
		{Tool: "gemini", Pattern: `\bgemini(\s+(code\s+assist|cli))?\b`},
		{Tool: "coderabbit", Pattern: `\bcode\s?rabbit\b`},
		{Tool: "devin", Pattern: `\bdevin\b.{0,20}\bai\b|\bdevin-ai\b`},
		{Tool: "aider", Pattern: `\baider\b`},
		{Tool: "windsurf", Pattern: `\bwindsurf\b|\bcodeium\b`},
		{Tool: "cline", Pattern: `\bcline\b`},
		{Tool: "sweep", Pattern: `\bsweep\s?(ai|bot)\b`},
		{Tool: "amazon-q", Pattern: `\bamazon\s?q\b|\bcodewhisperer\b`},
		{Tool: "tabnine", Pattern: `\btabnine\b`},
	},
	Identities: []IdentityRule{
		{Tool: "claude", Username: "claude", EmailPattern: `@anthropic\.com$`},
		{Tool: "claude", Username: "claude-code"},
		{Tool: "copilot", Username: "copilot", EmailPattern: `copilot@github\.com$`},
		{Tool: "copilot", Username: "github-copilot[bot]"},
		{Tool: "copilot", Username: "copilot-swe-agent[bot]"},
		{Tool: "coderabbit", Username: "coderabbitai"},
		{Tool: "coderabbit", Username: "coderabbitai[bot]"},
		{Tool: "devin", Username: "devin-ai-integration[bot]"},
		{Tool: "cursor", Username: "cursor-agent", EmailPattern: `@cursor\.(sh|com)$`},
		{Tool: "cursor", Username: "cursoragent"},
		{Tool: "codex", Username: "chatgpt-codex-connector[bot]"},
		{Tool: "gemini", Username: "gemini-code-assist[bot]"},
		{Tool: "sweep", Username: "sweep-ai[bot]"},
		{Tool: "aider", EmailPattern: `aider@aider\.chat$`},
	},
	Paths: []PathRule{
		// "cursor" is a common identifier in pagination and database code;
		// the exclusions keep those paths from flagging the Cursor IDE.
		{
			Tool:    "cursor",
			Pattern: `(^|/)\.cursor(/|$)|(^|/)\.cursorrules$|(^|/)\.cursorignore$`,
			Exclude: []string{"cursor_pagination", "cursor-pagination", "db/cursor", "cursors.go", "cursors.py"},
		},
		{Tool: "claude", Pattern: `(^|/)CLAUDE\.md$|(^|/)\.claude(/|$)`},
		{Tool: "copilot", Pattern: `(^|/)\.github/copilot-instructions\.md$|(^|/)\.copilot(/|$)`},
		{Tool: "windsurf", Pattern: `(^|/)\.windsurfrules$|(^|/)\.windsurf(/|$)`},
		{Tool: "cline", Pattern: `(^|/)\.clinerules(/|$|\.)`},
		{Tool: "aider", Pattern: `(^|/)\.aider\.conf\.yml$|(^|/)\.aiderignore$`},
		{Tool: "gemini", Pattern: `(^|/)GEMINI\.md$|(^|/)\.gemini(/|$)`},
		{Tool: "codex", Pattern: `(^|/)AGENTS\.md$|(^|/)\.codex(/|$)`},
		{Tool: "coderabbit", Pattern: `(^|/)\.coderabbit\.ya?ml$`},
	},
}

// Builtin compiles and returns the built-in registry. The built-in rule set
// is maintained alongside the engine and must always compile; a failure here
// is a programming error surfaced at startup.
func Builtin() (*Registry, error) {
	return Compile(builtinRules)
}
