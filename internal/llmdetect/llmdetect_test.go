package llmdetect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/aidetect/internal/schema"
)

// mockProvider is a test double for Provider.
type mockProvider struct {
	responses []string // returned in order; last entry is repeated if exhausted
	err       error
	delay     time.Duration
	callCount int
}

func (m *mockProvider) Complete(ctx context.Context, _, _ string, _ int, _ float64) (string, error) {
	m.callCount++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", fmt.Errorf("mockProvider: no responses configured")
	}
	idx := m.callCount - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func validResponse() string {
	return `{"is_assisted": true, "confidence": 0.85, "tools": ["claude"], "summary": "disclosure footer in commits"}`
}

func testContext() PRContext {
	return PRContext{ChangeID: "pr-1", Title: "Add feature"}
}

func TestDetect_Valid(t *testing.T) {
	prov := &mockProvider{responses: []string{validResponse()}}
	v, err := Detect(context.Background(), prov, testContext(), DefaultOptions())
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if !v.IsAssisted || v.Confidence != 0.85 {
		t.Errorf("verdict = %+v, want assisted with confidence 0.85", v)
	}
	if len(v.Tools) != 1 || v.Tools[0] != "claude" {
		t.Errorf("Tools = %v, want [claude]", v.Tools)
	}
	if prov.callCount != 1 {
		t.Errorf("callCount = %d, want 1", prov.callCount)
	}
}

func TestDetect_FencedResponse(t *testing.T) {
	prov := &mockProvider{responses: []string{"```json\n" + validResponse() + "\n```"}}
	v, err := Detect(context.Background(), prov, testContext(), DefaultOptions())
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if !v.IsAssisted {
		t.Error("IsAssisted = false, want true")
	}
}

func TestDetect_RepairSucceeds(t *testing.T) {
	prov := &mockProvider{responses: []string{"not json at all", validResponse()}}
	v, err := Detect(context.Background(), prov, testContext(), DefaultOptions())
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if !v.IsAssisted {
		t.Error("IsAssisted = false, want true after repair")
	}
	if prov.callCount != 2 {
		t.Errorf("callCount = %d, want 2 (initial + repair)", prov.callCount)
	}
}

func TestDetect_RepairFails(t *testing.T) {
	prov := &mockProvider{responses: []string{"garbage", "still garbage"}}
	_, err := Detect(context.Background(), prov, testContext(), DefaultOptions())
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error type = %T, want *Failure", err)
	}
	if !errors.Is(err, ErrInvalidModelOutput) {
		t.Errorf("error = %v, want ErrInvalidModelOutput in chain", err)
	}
}

func TestDetect_BackendError(t *testing.T) {
	prov := &mockProvider{err: fmt.Errorf("503 overloaded")}
	_, err := Detect(context.Background(), prov, testContext(), DefaultOptions())
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error type = %T, want *Failure", err)
	}
	if f.ChangeID != "pr-1" {
		t.Errorf("Failure.ChangeID = %q, want pr-1", f.ChangeID)
	}
}

func TestDetect_Timeout(t *testing.T) {
	prov := &mockProvider{responses: []string{validResponse()}, delay: 200 * time.Millisecond}
	opts := DefaultOptions()
	opts.Timeout = 10 * time.Millisecond
	_, err := Detect(context.Background(), prov, testContext(), opts)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error type = %T, want *Failure on timeout", err)
	}
}

func TestValidateResponse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantNil bool
	}{
		{"valid", validResponse(), false},
		{"missing is_assisted", `{"confidence": 0.5}`, true},
		{"missing confidence", `{"is_assisted": true}`, true},
		{"not json", "hello", true},
		{"invalid escapes repaired", `{"is_assisted": false, "confidence": 0.1, "summary": "regex \d+ pattern"}`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, errs := ValidateResponse(c.raw)
			if (v == nil) != c.wantNil {
				t.Errorf("ValidateResponse(%q) verdict nil = %v, want %v (errs %v)", c.raw, v == nil, c.wantNil, errs)
			}
		})
	}
}

func TestValidateResponse_NormalizesConfidenceAndTools(t *testing.T) {
	raw := `{"is_assisted": true, "confidence": 1.7, "tools": ["Claude", "claude", " COPILOT "]}`
	v, _ := ValidateResponse(raw)
	if v == nil {
		t.Fatal("verdict = nil, want valid")
	}
	if v.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped to 1.0", v.Confidence)
	}
	want := []string{"claude", "copilot"}
	if len(v.Tools) != len(want) {
		t.Fatalf("Tools = %v, want %v", v.Tools, want)
	}
	for i := range want {
		if v.Tools[i] != want[i] {
			t.Errorf("Tools[%d] = %q, want %q", i, v.Tools[i], want[i])
		}
	}
}

func TestBuildContext_Bounds(t *testing.T) {
	rec := &schema.ChangeRecord{
		ID:    "pr-big",
		Title: "Huge change",
		Body:  strings.Repeat("x", maxBodyChars+500),
	}
	for i := 0; i < maxCommitLines+10; i++ {
		rec.Commits = append(rec.Commits, schema.CommitRef{Message: fmt.Sprintf("commit %d", i)})
	}
	for i := 0; i < maxFileEntries+10; i++ {
		rec.Files = append(rec.Files, schema.FileRef{Path: fmt.Sprintf("pkg/file%d.go", i)})
	}
	pc := BuildContext(rec)
	if len(pc.Body) > maxBodyChars+len("…") {
		t.Errorf("Body length = %d, want truncated to %d", len(pc.Body), maxBodyChars)
	}
	if len(pc.CommitMessages) != maxCommitLines+1 {
		t.Errorf("CommitMessages = %d entries, want %d plus overflow marker", len(pc.CommitMessages), maxCommitLines)
	}
	if len(pc.FileSummary) != maxFileEntries+1 {
		t.Errorf("FileSummary = %d entries, want %d plus overflow marker", len(pc.FileSummary), maxFileEntries)
	}
}

func TestBuildContext_SkipsEmptyReviewBodies(t *testing.T) {
	rec := &schema.ChangeRecord{
		ID: "pr-r",
		Reviews: []schema.ReviewRef{
			{Reviewer: schema.Identity{Username: "a"}, Body: "  ", Verdict: schema.ReviewApproved},
			{Reviewer: schema.Identity{Username: "b"}, Body: "nice work", Verdict: schema.ReviewApproved},
		},
	}
	pc := BuildContext(rec)
	if len(pc.ReviewTexts) != 1 {
		t.Errorf("ReviewTexts = %v, want just the non-empty body", pc.ReviewTexts)
	}
}

func TestBatcher_SubmitAndPoll(t *testing.T) {
	prov := &mockProvider{responses: []string{validResponse()}}
	b := NewBatcher(prov, DefaultOptions(), 2, zap.NewNop())
	defer b.Close()

	items := []BatchItem{
		{ChangeID: "pr-1", Context: PRContext{ChangeID: "pr-1"}},
		{ChangeID: "pr-2", Context: PRContext{ChangeID: "pr-2"}},
	}
	id, err := b.Submit(items)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	var collected []ItemResult
	deadline := time.Now().Add(5 * time.Second)
	for {
		results, done, err := b.Poll(id)
		if err != nil {
			t.Fatalf("Poll error: %v", err)
		}
		collected = append(collected, results...)
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch did not complete in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(collected) != 2 {
		t.Fatalf("collected %d results, want 2", len(collected))
	}
	for _, r := range collected {
		if r.Err != nil || r.Verdict == nil {
			t.Errorf("result %s: err=%v verdict=%v", r.ChangeID, r.Err, r.Verdict)
		}
	}
	if ids := b.InFlight(); len(ids) != 0 {
		t.Errorf("InFlight = %v, want empty after completion", ids)
	}
}

func TestBatcher_UnknownBatch(t *testing.T) {
	b := NewBatcher(&mockProvider{}, DefaultOptions(), 1, zap.NewNop())
	defer b.Close()
	if _, _, err := b.Poll("no-such-batch"); !errors.Is(err, ErrUnknownBatch) {
		t.Errorf("Poll error = %v, want ErrUnknownBatch", err)
	}
}

func TestBatcher_EmptySubmit(t *testing.T) {
	b := NewBatcher(&mockProvider{}, DefaultOptions(), 1, zap.NewNop())
	defer b.Close()
	if _, err := b.Submit(nil); err == nil {
		t.Error("Submit(nil) error = nil, want error")
	}
}

func TestBatcher_PartialFailure(t *testing.T) {
	// Every call fails; the batch still resolves with per-item failures
	// rather than blocking or dropping results.
	prov := &mockProvider{err: fmt.Errorf("rate limited")}
	b := NewBatcher(prov, DefaultOptions(), 1, zap.NewNop())
	defer b.Close()

	id, err := b.Submit([]BatchItem{{ChangeID: "pr-1"}})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		results, done, err := b.Poll(id)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			if len(results) != 1 || results[0].Err == nil {
				t.Errorf("results = %+v, want one failed item", results)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("batch did not complete in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
