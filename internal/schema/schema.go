// Package schema defines the canonical data types exchanged between the
// detection engine's components: the read-only change record delivered by the
// ingestion subsystem and the detection result written back to storage.
package schema

import "time"

// ChangeType classifies how a file was touched by a change record.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeRemoved  ChangeType = "REMOVED"
	ChangeRenamed  ChangeType = "RENAMED"
)

// ReviewVerdict is the outcome a reviewer attached to a review.
type ReviewVerdict string

const (
	ReviewApproved         ReviewVerdict = "APPROVED"
	ReviewChangesRequested ReviewVerdict = "CHANGES_REQUESTED"
	ReviewCommented        ReviewVerdict = "COMMENTED"
	ReviewDismissed        ReviewVerdict = "DISMISSED"
)

// SignalSource identifies one independent evidence source about AI
// involvement. The constants double as keys in DetectionResult.Signals.
type SignalSource string

const (
	SourceLLM    SignalSource = "llm"
	SourceCommit SignalSource = "commit"
	SourceText   SignalSource = "text"
	SourceReview SignalSource = "review"
	SourceFile   SignalSource = "file"
)

// Sources lists every signal source in aggregation-weight order, strongest
// first. Tool ordering in DetectionResult.AITools follows this order.
var Sources = []SignalSource{SourceLLM, SourceCommit, SourceText, SourceReview, SourceFile}

// Identity is an author or reviewer identity as reported by the source
// platform. Email may be empty for platform-native accounts.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// CommitRef is one commit belonging to a change record.
type CommitRef struct {
	SHA       string     `json:"sha"`
	Message   string     `json:"message"`
	Author    Identity   `json:"author"`
	CoAuthors []Identity `json:"co_authors,omitempty"`
}

// ReviewRef is one review left on a change record.
type ReviewRef struct {
	Reviewer Identity      `json:"reviewer"`
	Body     string        `json:"body"`
	Verdict  ReviewVerdict `json:"verdict"`
}

// FileRef is one file touched by a change record's diff.
type FileRef struct {
	Path      string     `json:"path"`
	Change    ChangeType `json:"change"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// ChangeRecord is one reviewable unit of work (a pull request) with its
// commits, reviews, and file changes. The engine only ever reads it.
type ChangeRecord struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	Author  Identity    `json:"author"`
	Commits []CommitRef `json:"commits"`
	Reviews []ReviewRef `json:"reviews"`
	Files   []FileRef   `json:"files"`
}

// Signal is one source's verdict as retained in the audit trail. Tools is
// nil-normalized to an empty slice before persistence so that re-runs diff
// cleanly. Confidence is only populated for the LLM source.
type Signal struct {
	Detected   bool     `json:"detected"`
	Tools      []string `json:"tools"`
	Confidence *float64 `json:"confidence,omitempty"`
	Detail     []string `json:"detail,omitempty"`
}

// LLMVerdict is the semantic detector's full typed response. It is kept on
// DetectionResult separately from Signals because downstream consumers read
// the summary and risk notes directly.
type LLMVerdict struct {
	IsAssisted bool     `json:"is_assisted"`
	Confidence float64  `json:"confidence"`
	Tools      []string `json:"tools"`
	Summary    string   `json:"summary,omitempty"`
	RiskNotes  string   `json:"risk_notes,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// DetectionResult is the engine's authoritative output for one change record.
type DetectionResult struct {
	ChangeID        string                  `json:"change_id"`
	IsAIAssisted    bool                    `json:"is_ai_assisted"`
	AITools         []string                `json:"ai_tools"`
	ConfidenceScore float64                 `json:"confidence_score"`
	Signals         map[SignalSource]Signal `json:"signals"`
	PatternVersion  string                  `json:"pattern_version"`
	LLMRaw          *LLMVerdict             `json:"llm_raw,omitempty"`
	DetectedAt      time.Time               `json:"detected_at"`
}
