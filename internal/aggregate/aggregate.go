// Package aggregate combines the five detection signals into one
// authoritative verdict per change record. Aggregation is pure and
// deterministic: no I/O, no clock, no LLM calls. Given identical inputs and
// the same registry version it produces an identical result, which is what
// makes backfills idempotent.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/dshills/aidetect/internal/extract"
	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/schema"
	"github.com/dshills/aidetect/internal/textsig"
)

// Weights assigns each signal source its share of the composite score. A
// fully populated weight set must sum to 1.0 so the composite is a true
// weighted average. These are policy values tuned against labeled data;
// they live in configuration, not code.
type Weights struct {
	LLM    float64 `mapstructure:"llm"`
	Commit float64 `mapstructure:"commit"`
	Text   float64 `mapstructure:"text"`
	Review float64 `mapstructure:"review"`
	File   float64 `mapstructure:"file"`
}

// DefaultWeights returns the tuned production weights.
func DefaultWeights() Weights {
	return Weights{LLM: 0.40, Commit: 0.25, Text: 0.20, Review: 0.10, File: 0.05}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.LLM + w.Commit + w.Text + w.Review + w.File
}

// of returns the weight for one source.
func (w Weights) of(s schema.SignalSource) float64 {
	switch s {
	case schema.SourceLLM:
		return w.LLM
	case schema.SourceCommit:
		return w.Commit
	case schema.SourceText:
		return w.Text
	case schema.SourceReview:
		return w.Review
	case schema.SourceFile:
		return w.File
	}
	return 0
}

// Config holds the aggregation policy.
type Config struct {
	Weights   Weights `mapstructure:"weights"`
	Threshold float64 `mapstructure:"threshold"`
}

// DefaultConfig returns the production policy: default weights and a 0.5
// verdict threshold.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), Threshold: 0.5}
}

// Validate checks that the policy is internally consistent.
func (c Config) Validate() error {
	const eps = 1e-9
	if s := c.Weights.Sum(); s < 1-eps || s > 1+eps {
		return fmt.Errorf("aggregate: weights sum to %v, want 1.0", s)
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("aggregate: threshold %v outside (0, 1]", c.Threshold)
	}
	return nil
}

// Inputs carries one change record's signal outputs into aggregation. A nil
// pointer means the signal is absent: its extractor had no data to inspect,
// or the LLM verdict has not arrived. Absent is distinct from
// present-but-negative; absent signals drop out of the weighted average
// entirely, so a record never sent to the LLM is not penalized for it.
type Inputs struct {
	Text   *textsig.Result
	Commit *extract.CommitSignal
	Review *extract.ReviewSignal
	File   *extract.FileSignal
	LLM    *schema.LLMVerdict
}

// BuildInputs runs the structural extractors over a change record and pairs
// them with an optional LLM verdict. Presence policy lives here: an empty
// collection yields an absent signal, not a negative one.
func BuildInputs(reg *patterns.Registry, rec *schema.ChangeRecord, llm *schema.LLMVerdict) Inputs {
	var in Inputs
	if rec.Title != "" || rec.Body != "" {
		r := textsig.DetectAll(reg, rec.Title, rec.Body)
		in.Text = &r
	}
	if len(rec.Commits) > 0 {
		c := extract.Commits(reg, rec.Commits)
		in.Commit = &c
	}
	if len(rec.Reviews) > 0 {
		r := extract.Reviews(reg, rec.Reviews)
		in.Review = &r
	}
	if len(rec.Files) > 0 {
		f := extract.Files(reg, rec.Files)
		in.File = &f
	}
	in.LLM = llm
	return in
}

// signalState is the uniform view of one source used by the scoring loop.
type signalState struct {
	present  bool
	positive bool
	score    float64 // 1.0 for positive structural signals, confidence for LLM
	tools    []string
	strong   bool // deterministic identity-map evidence
	report   schema.Signal
}

// Aggregate produces the final detection result for one change record.
//
// Scoring: composite = Σ(weight_i × score_i) / Σ(weight_i) over present
// signals. Dividing by the present-weight total redistributes an absent
// signal's weight proportionally across the rest. Structural signals score
// 1.0 when positive; the LLM signal scores its own confidence, so a hesitant
// semantic verdict contributes less than a certain one.
//
// Verdict: composite ≥ threshold, OR strong deterministic evidence — a commit
// authored or co-authored by a known AI service identity. A single strong
// signal overrides a middling composite because a false negative from
// threshold averaging costs more than a false positive from hard evidence.
func Aggregate(cfg Config, changeID, patternVersion string, in Inputs) schema.DetectionResult {
	states := buildStates(in)

	var weightSum, scoreSum float64
	for _, src := range schema.Sources {
		st := states[src]
		if st == nil || !st.present {
			continue
		}
		w := cfg.Weights.of(src)
		weightSum += w
		if st.positive {
			scoreSum += w * st.score
		}
	}

	var composite float64
	if weightSum > 0 {
		composite = scoreSum / weightSum
	}

	strong := false
	for _, src := range []schema.SignalSource{schema.SourceCommit, schema.SourceText} {
		if st := states[src]; st != nil && st.present && st.positive && st.strong {
			strong = true
		}
	}

	assisted := composite >= cfg.Threshold || strong

	result := schema.DetectionResult{
		ChangeID:       changeID,
		IsAIAssisted:   assisted,
		AITools:        orderedTools(cfg.Weights, states),
		Signals:        make(map[schema.SignalSource]schema.Signal, len(states)),
		PatternVersion: patternVersion,
		LLMRaw:         in.LLM,
	}
	if assisted {
		result.ConfidenceScore = composite
	}
	if !assisted {
		// A negative verdict carries no tool attribution.
		result.AITools = []string{}
	}
	for src, st := range states {
		if st.present {
			result.Signals[src] = st.report
		}
	}
	return result
}

// buildStates normalizes the heterogeneous signal inputs into per-source
// states, including the audit-trail form of each present signal.
func buildStates(in Inputs) map[schema.SignalSource]*signalState {
	states := make(map[schema.SignalSource]*signalState, 5)

	if in.Text != nil {
		states[schema.SourceText] = &signalState{
			present:  true,
			positive: in.Text.Mentioned,
			score:    1.0,
			tools:    in.Text.Tools,
			report:   schema.Signal{Detected: in.Text.Mentioned, Tools: emptyIfNil(in.Text.Tools)},
		}
	}
	if in.Commit != nil {
		var detail []string
		for _, ca := range in.Commit.CoAuthors {
			detail = append(detail, "co-author: "+ca.Username+" <"+ca.Email+">")
		}
		states[schema.SourceCommit] = &signalState{
			present:  true,
			positive: in.Commit.HasAI,
			score:    1.0,
			tools:    in.Commit.Tools,
			strong:   in.Commit.Strong,
			report:   schema.Signal{Detected: in.Commit.HasAI, Tools: emptyIfNil(in.Commit.Tools), Detail: detail},
		}
	}
	if in.Review != nil {
		var detail []string
		for _, rv := range in.Review.Reviewers {
			detail = append(detail, "reviewer: "+rv.Username)
		}
		states[schema.SourceReview] = &signalState{
			present:  true,
			positive: in.Review.HasAI,
			score:    1.0,
			tools:    in.Review.Tools,
			report:   schema.Signal{Detected: in.Review.HasAI, Tools: emptyIfNil(in.Review.Tools), Detail: detail},
		}
	}
	if in.File != nil {
		states[schema.SourceFile] = &signalState{
			present:  true,
			positive: in.File.HasAI,
			score:    1.0,
			tools:    in.File.Tools,
			report:   schema.Signal{Detected: in.File.HasAI, Tools: emptyIfNil(in.File.Tools), Detail: in.File.MatchedPaths},
		}
	}
	if in.LLM != nil {
		conf := in.LLM.Confidence
		states[schema.SourceLLM] = &signalState{
			present:  true,
			positive: in.LLM.IsAssisted,
			score:    conf,
			tools:    in.LLM.Tools,
			report:   schema.Signal{Detected: in.LLM.IsAssisted, Tools: emptyIfNil(in.LLM.Tools), Confidence: &conf},
		}
	}
	return states
}

// orderedTools unions tools from positively-signaled sources, ordered by the
// originating signal's weight (heaviest first) and de-duplicated. A tool
// implied only by a negative signal never appears.
func orderedTools(w Weights, states map[schema.SignalSource]*signalState) []string {
	srcs := make([]schema.SignalSource, len(schema.Sources))
	copy(srcs, schema.Sources)
	sort.SliceStable(srcs, func(i, j int) bool {
		return w.of(srcs[i]) > w.of(srcs[j])
	})

	tools := []string{}
	seen := make(map[string]bool)
	for _, src := range srcs {
		st := states[src]
		if st == nil || !st.present || !st.positive {
			continue
		}
		for _, tool := range st.tools {
			if !seen[tool] {
				seen[tool] = true
				tools = append(tools, tool)
			}
		}
	}
	return tools
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
