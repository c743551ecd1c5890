package extract

import (
	"testing"

	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/schema"
)

func testRegistry(t *testing.T) *patterns.Registry {
	t.Helper()
	reg, err := patterns.Builtin()
	if err != nil {
		t.Fatalf("Builtin() error: %v", err)
	}
	return reg
}

func TestParseCoAuthors(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    []schema.Identity
	}{
		{"none", "Fix bug in parser", nil},
		{
			"single trailer",
			"Fix bug\n\nCo-authored-by: Claude <noreply@anthropic.com>",
			[]schema.Identity{{Username: "Claude", Email: "noreply@anthropic.com"}},
		},
		{
			"case insensitive key",
			"Fix\n\nco-authored-by: Alice <alice@example.com>",
			[]schema.Identity{{Username: "Alice", Email: "alice@example.com"}},
		},
		{
			"multiple trailers",
			"Fix\n\nCo-authored-by: Alice <a@example.com>\nCo-authored-by: Bob <b@example.com>",
			[]schema.Identity{
				{Username: "Alice", Email: "a@example.com"},
				{Username: "Bob", Email: "b@example.com"},
			},
		},
		{"empty email", "Fix\n\nCo-authored-by: Bot <>", []schema.Identity{{Username: "Bot"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseCoAuthors(c.message)
			if len(got) != len(c.want) {
				t.Fatalf("ParseCoAuthors = %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Errorf("ParseCoAuthors[%d] = %v, want %v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestCommits_Empty(t *testing.T) {
	reg := testRegistry(t)
	sig := Commits(reg, nil)
	if sig.HasAI || len(sig.Tools) != 0 || len(sig.CoAuthors) != 0 {
		t.Errorf("Commits(nil) = %+v, want negative", sig)
	}
}

func TestCommits_ClaudeCoAuthorTrailer(t *testing.T) {
	reg := testRegistry(t)
	commits := []schema.CommitRef{{
		SHA:     "abc123",
		Message: "Fix bug\n\nCo-authored-by: Claude <noreply@anthropic.com>",
		Author:  schema.Identity{Username: "alice", Email: "alice@example.com"},
	}}
	sig := Commits(reg, commits)
	if !sig.HasAI {
		t.Fatal("HasAI = false, want true")
	}
	if len(sig.Tools) == 0 || sig.Tools[0] != "claude" {
		t.Errorf("Tools = %v, want claude first", sig.Tools)
	}
	if len(sig.CoAuthors) != 1 || sig.CoAuthors[0].Email != "noreply@anthropic.com" {
		t.Errorf("CoAuthors = %v, want the Claude identity", sig.CoAuthors)
	}
}

func TestCommits_StructuredCoAuthorField(t *testing.T) {
	reg := testRegistry(t)
	commits := []schema.CommitRef{{
		Message:   "Add feature",
		Author:    schema.Identity{Username: "bob"},
		CoAuthors: []schema.Identity{{Username: "Claude", Email: "noreply@anthropic.com"}},
	}}
	sig := Commits(reg, commits)
	if !sig.HasAI || len(sig.Tools) != 1 || sig.Tools[0] != "claude" {
		t.Errorf("Commits = %+v, want claude via structured co-author", sig)
	}
}

func TestCommits_OrAcrossList(t *testing.T) {
	reg := testRegistry(t)
	commits := []schema.CommitRef{
		{Message: "Plain refactor", Author: schema.Identity{Username: "alice"}},
		{Message: "Tweak generated with Claude Code", Author: schema.Identity{Username: "alice"}},
		{Message: "Another plain commit", Author: schema.Identity{Username: "alice"}},
	}
	sig := Commits(reg, commits)
	if !sig.HasAI {
		t.Error("one AI-flagged commit should flag the whole change record")
	}
}

func TestCommits_BotAuthor(t *testing.T) {
	reg := testRegistry(t)
	commits := []schema.CommitRef{{
		Message: "Apply suggested fix",
		Author:  schema.Identity{Username: "devin-ai-integration[bot]"},
	}}
	sig := Commits(reg, commits)
	if !sig.HasAI || len(sig.Tools) != 1 || sig.Tools[0] != "devin" {
		t.Errorf("Commits = %+v, want devin via bot author", sig)
	}
}

func TestReviews_Empty(t *testing.T) {
	reg := testRegistry(t)
	sig := Reviews(reg, nil)
	if sig.HasAI || len(sig.Tools) != 0 {
		t.Errorf("Reviews(nil) = %+v, want negative", sig)
	}
}

func TestReviews_BotReviewer(t *testing.T) {
	reg := testRegistry(t)
	reviews := []schema.ReviewRef{{
		Reviewer: schema.Identity{Username: "coderabbitai[bot]"},
		Body:     "Looks good overall.",
		Verdict:  schema.ReviewApproved,
	}}
	sig := Reviews(reg, reviews)
	if !sig.HasAI || len(sig.Tools) != 1 || sig.Tools[0] != "coderabbit" {
		t.Errorf("Reviews = %+v, want coderabbit via reviewer identity", sig)
	}
	if len(sig.Reviewers) != 1 {
		t.Errorf("Reviewers = %v, want the bot identity recorded", sig.Reviewers)
	}
}

func TestReviews_SignatureInBody(t *testing.T) {
	reg := testRegistry(t)
	reviews := []schema.ReviewRef{{
		Reviewer: schema.Identity{Username: "carol"},
		Body:     "I asked Gemini Code Assist to double-check the edge cases.",
		Verdict:  schema.ReviewCommented,
	}}
	sig := Reviews(reg, reviews)
	if !sig.HasAI || len(sig.Tools) != 1 || sig.Tools[0] != "gemini" {
		t.Errorf("Reviews = %+v, want gemini via body text", sig)
	}
	if len(sig.Reviewers) != 0 {
		t.Errorf("Reviewers = %v, want empty (human reviewer)", sig.Reviewers)
	}
}

func TestFiles_Empty(t *testing.T) {
	reg := testRegistry(t)
	sig := Files(reg, nil)
	if sig.HasAI || len(sig.Tools) != 0 || len(sig.MatchedPaths) != 0 {
		t.Errorf("Files(nil) = %+v, want negative", sig)
	}
}

func TestFiles_ConfigPaths(t *testing.T) {
	reg := testRegistry(t)
	files := []schema.FileRef{
		{Path: ".cursorrules", Change: schema.ChangeAdded},
		{Path: "CLAUDE.md", Change: schema.ChangeModified},
		{Path: "internal/server/handler.go", Change: schema.ChangeModified},
	}
	sig := Files(reg, files)
	if !sig.HasAI {
		t.Fatal("HasAI = false, want true")
	}
	if len(sig.Tools) != 2 {
		t.Errorf("Tools = %v, want [cursor claude]", sig.Tools)
	}
	if len(sig.MatchedPaths) != 2 {
		t.Errorf("MatchedPaths = %v, want both config paths", sig.MatchedPaths)
	}
}

func TestFiles_CursorPaginationNotFlagged(t *testing.T) {
	reg := testRegistry(t)
	files := []schema.FileRef{{Path: "src/db/cursor_pagination.py", Change: schema.ChangeModified}}
	sig := Files(reg, files)
	if sig.HasAI {
		t.Errorf("Files = %+v; pagination path must not flag the cursor tool", sig)
	}
}
