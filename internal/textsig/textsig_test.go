package textsig

import (
	"testing"

	"github.com/dshills/aidetect/internal/patterns"
)

func testRegistry(t *testing.T) *patterns.Registry {
	t.Helper()
	reg, err := patterns.Builtin()
	if err != nil {
		t.Fatalf("Builtin() error: %v", err)
	}
	return reg
}

func TestDetect_Empty(t *testing.T) {
	reg := testRegistry(t)
	r := Detect(reg, "")
	if r.Mentioned || len(r.Tools) != 0 {
		t.Errorf("Detect(\"\") = %+v, want {false, []}", r)
	}
}

func TestDetect_SingleTool(t *testing.T) {
	reg := testRegistry(t)
	r := Detect(reg, "This PR was pair-programmed with Claude.")
	if !r.Mentioned {
		t.Fatal("Mentioned = false, want true")
	}
	if len(r.Tools) != 1 || r.Tools[0] != "claude" {
		t.Errorf("Tools = %v, want [claude]", r.Tools)
	}
}

func TestDetect_MultipleTools(t *testing.T) {
	reg := testRegistry(t)
	// An author mention and a bot-authored footer in the same body.
	r := Detect(reg, "Drafted using Cursor.\n\n---\nAuto-summary by CodeRabbit")
	if !r.Mentioned {
		t.Fatal("Mentioned = false, want true")
	}
	want := map[string]bool{"cursor": true, "coderabbit": true}
	if len(r.Tools) != 2 {
		t.Fatalf("Tools = %v, want two tools", r.Tools)
	}
	for _, tool := range r.Tools {
		if !want[tool] {
			t.Errorf("unexpected tool %q in %v", tool, r.Tools)
		}
	}
}

func TestDetectAll_MergesAndDeduplicates(t *testing.T) {
	reg := testRegistry(t)
	r := DetectAll(reg,
		"Fix: handled by Claude Code",
		"",
		"Follow-up also generated with Claude",
		"Reviewed with GitHub Copilot",
	)
	if !r.Mentioned {
		t.Fatal("Mentioned = false, want true")
	}
	want := []string{"claude", "copilot"}
	if len(r.Tools) != len(want) {
		t.Fatalf("Tools = %v, want %v", r.Tools, want)
	}
	for i := range want {
		if r.Tools[i] != want[i] {
			t.Errorf("Tools[%d] = %q, want %q", i, r.Tools[i], want[i])
		}
	}
}

func TestDetectAll_AllEmpty(t *testing.T) {
	reg := testRegistry(t)
	r := DetectAll(reg, "", "", "")
	if r.Mentioned || len(r.Tools) != 0 {
		t.Errorf("DetectAll of empty texts = %+v, want {false, []}", r)
	}
}
