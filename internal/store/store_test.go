package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/aidetect/internal/schema"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "aidetect.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleResult(changeID string) *schema.DetectionResult {
	conf := 0.9
	return &schema.DetectionResult{
		ChangeID:        changeID,
		IsAIAssisted:    true,
		AITools:         []string{"claude"},
		ConfidenceScore: 0.5556,
		Signals: map[schema.SignalSource]schema.Signal{
			schema.SourceCommit: {Detected: true, Tools: []string{"claude"}},
			schema.SourceText:   {Detected: false, Tools: []string{}},
			schema.SourceLLM:    {Detected: true, Tools: []string{"claude"}, Confidence: &conf},
		},
		PatternVersion: "1.4.0",
		DetectedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChangeRecordRoundTrip(t *testing.T) {
	db := testDB(t)
	rec := &schema.ChangeRecord{
		ID:    "pr-1",
		Title: "Fix bug",
		Commits: []schema.CommitRef{{
			SHA:     "abc",
			Message: "Fix bug\n\nCo-authored-by: Claude <noreply@anthropic.com>",
			Author:  schema.Identity{Username: "alice"},
		}},
	}
	if err := db.PutChangeRecord(rec); err != nil {
		t.Fatalf("PutChangeRecord: %v", err)
	}
	got, err := db.GetChangeRecord("pr-1")
	if err != nil {
		t.Fatalf("GetChangeRecord: %v", err)
	}
	if got.Title != rec.Title || len(got.Commits) != 1 || got.Commits[0].SHA != "abc" {
		t.Errorf("round trip = %+v, want %+v", got, rec)
	}
}

func TestGetChangeRecord_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetChangeRecord("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListChangeIDs_Pagination(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"pr-001", "pr-002", "pr-003", "pr-004"} {
		if err := db.PutChangeRecord(&schema.ChangeRecord{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	page1, err := db.ListChangeIDs("", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0] != "pr-001" || page1[1] != "pr-002" {
		t.Fatalf("page1 = %v", page1)
	}
	page2, err := db.ListChangeIDs(page1[1], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0] != "pr-003" {
		t.Fatalf("page2 = %v", page2)
	}
}

func TestSaveResult_IdempotentOverwrite(t *testing.T) {
	db := testDB(t)
	res := sampleResult("pr-1")
	if err := db.SaveResult(res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if err := db.SaveResult(res); err != nil {
		t.Fatalf("SaveResult overwrite: %v", err)
	}
	got, ver, err := db.GetResult("pr-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if ver != 2 {
		t.Errorf("row version = %d, want 2 after two writes", ver)
	}
	if !got.IsAIAssisted || got.PatternVersion != "1.4.0" {
		t.Errorf("result = %+v", got)
	}
	if len(got.Signals) != 3 {
		t.Errorf("Signals = %v, want 3 entries", got.Signals)
	}
	if c := got.Signals[schema.SourceLLM].Confidence; c == nil || *c != 0.9 {
		t.Errorf("llm signal confidence = %v, want 0.9", c)
	}
}

func TestGetResult_NotFound(t *testing.T) {
	db := testDB(t)
	if _, _, err := db.GetResult("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCompareAndSaveResult(t *testing.T) {
	db := testDB(t)
	res := sampleResult("pr-1")

	// First write with expectedVersion 0 (no row yet).
	if err := db.CompareAndSaveResult(res, 0); err != nil {
		t.Fatalf("CompareAndSaveResult(0): %v", err)
	}
	// Second insert attempt at version 0 conflicts.
	if err := db.CompareAndSaveResult(res, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("duplicate insert error = %v, want ErrVersionConflict", err)
	}
	// Update at the current version succeeds.
	if err := db.CompareAndSaveResult(res, 1); err != nil {
		t.Fatalf("CompareAndSaveResult(1): %v", err)
	}
	// Update at a stale version conflicts.
	if err := db.CompareAndSaveResult(res, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}
	_, ver, err := db.GetResult("pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if ver != 2 {
		t.Errorf("row version = %d, want 2", ver)
	}
}

func TestLLMVerdictRoundTrip(t *testing.T) {
	db := testDB(t)
	v := &schema.LLMVerdict{IsAssisted: true, Confidence: 0.8, Tools: []string{"copilot"}, Summary: "disclosed"}
	if err := db.SaveLLMVerdict("pr-1", v); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetLLMVerdict("pr-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != 0.8 || len(got.Tools) != 1 {
		t.Errorf("verdict = %+v", got)
	}
	if _, err := db.GetLLMVerdict("other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	db := testDB(t)
	if err := db.SaveBatch("batch-1", []string{"pr-1", "pr-2"}); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingBatches()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || len(pending["batch-1"]) != 2 {
		t.Fatalf("pending = %v", pending)
	}

	// Partial completion shrinks the pending list.
	if err := db.SaveBatch("batch-1", []string{"pr-2"}); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingBatches()
	if err != nil {
		t.Fatal(err)
	}
	if got := pending["batch-1"]; len(got) != 1 || got[0] != "pr-2" {
		t.Fatalf("pending after partial completion = %v", pending)
	}

	// Empty pending list removes the batch.
	if err := db.SaveBatch("batch-1", nil); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingBatches()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after completion = %v", pending)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	db := testDB(t)
	last, err := db.GetCheckpoint("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if last != "" {
		t.Errorf("fresh checkpoint = %q, want empty", last)
	}
	if err := db.SaveCheckpoint("run-1", "pr-042", "1.5.0"); err != nil {
		t.Fatal(err)
	}
	last, err = db.GetCheckpoint("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if last != "pr-042" {
		t.Errorf("checkpoint = %q, want pr-042", last)
	}
	if err := db.ClearCheckpoint("run-1"); err != nil {
		t.Fatal(err)
	}
	last, err = db.GetCheckpoint("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if last != "" {
		t.Errorf("cleared checkpoint = %q, want empty", last)
	}
}
