// Package llmdetect implements the semantic detection signal: it builds a
// bounded textual context from a change record, obtains a structured judgment
// from an LLM backend, and validates the response. This is the only signal
// source with external I/O; every failure mode surfaces as a typed Failure so
// the aggregator treats the signal as absent, never as confidently negative.
package llmdetect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/aidetect/internal/schema"
)

// ErrInvalidModelOutput is returned when both the initial and repair
// responses fail validation.
var ErrInvalidModelOutput = errors.New("llmdetect: invalid model output after repair attempt")

// Failure wraps any semantic-detection error: timeout, backend error, or
// unrepairable output. Callers check for it with errors.As and treat the
// signal as absent.
type Failure struct {
	ChangeID string
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("llmdetect: %s: %s: %v", f.ChangeID, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Provider is the interface for LLM backends.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// NewProvider is the factory for creating LLM providers. It is a package-level
// variable so tests can replace it with a mock without modifying the call site.
// Tests must restore the original value; use t.Cleanup to do so safely.
var NewProvider func(providerName, model string) (Provider, error) = defaultNewProvider

// Options configures a Detect call.
type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultOptions returns conservative production settings.
func DefaultOptions() Options {
	return Options{MaxTokens: 1024, Temperature: 0.1, Timeout: 60 * time.Second}
}

// ValidationError records a single validation failure on an LLM response.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Detect obtains a semantic judgment for one change record's context. The
// call is bounded by opts.Timeout; on timeout, backend error, or output that
// survives one repair attempt invalid, it returns a *Failure.
func Detect(ctx context.Context, prov Provider, pc PRContext, opts Options) (*schema.LLMVerdict, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sysPrompt := buildSystemPrompt()
	userPrompt := buildUserPrompt(pc)

	raw, err := prov.Complete(ctx, sysPrompt, userPrompt, opts.MaxTokens, opts.Temperature)
	if err != nil {
		return nil, &Failure{ChangeID: pc.ChangeID, Reason: "complete", Err: err}
	}

	verdict, validationErrs := ValidateResponse(raw)
	if verdict != nil {
		return verdict, nil
	}

	// One repair attempt: include the original prompt and the invalid
	// response so the model has full context.
	repairPrompt := buildRepairPrompt(userPrompt, raw, validationErrs)
	raw2, err := prov.Complete(ctx, sysPrompt, repairPrompt, opts.MaxTokens, opts.Temperature)
	if err != nil {
		return nil, &Failure{ChangeID: pc.ChangeID, Reason: "repair complete", Err: err}
	}

	verdict2, _ := ValidateResponse(raw2)
	if verdict2 != nil {
		return verdict2, nil
	}
	return nil, &Failure{ChangeID: pc.ChangeID, Reason: "validate", Err: ErrInvalidModelOutput}
}

// llmResponse is the raw JSON shape produced by the model.
type llmResponse struct {
	IsAssisted *bool    `json:"is_assisted"`
	Confidence *float64 `json:"confidence"`
	Tools      []string `json:"tools"`
	Summary    string   `json:"summary"`
	RiskNotes  string   `json:"risk_notes"`
}

// fenceRe matches a markdown code fence block (``` or ~~~) with an optional
// language tag and captures the content between the fences.
var fenceRe = regexp.MustCompile("(?s)^(?:`{3}|~{3})[^\\n]*\\n(.*?)(?:`{3}|~{3})\\s*$")

// openFenceRe matches only an opening fence line, used to strip orphaned
// opening fences from truncated responses.
var openFenceRe = regexp.MustCompile("^(?:`{3}|~{3})[^\\n]*\\n")

// stripMarkdownFences removes leading/trailing markdown code fences that LLMs
// sometimes wrap around JSON output.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if loc := openFenceRe.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return s
}

// invalidJSONEscapeRe matches a backslash followed by any character that is
// not a valid JSON string escape character. Models sometimes emit regex
// patterns unescaped inside JSON strings; the sanitizer double-escapes them.
var invalidJSONEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

func fixInvalidJSONEscapes(s string) string {
	return invalidJSONEscapeRe.ReplaceAllString(s, `\\$1`)
}

// ValidateResponse parses and validates a raw model response. Leading and
// trailing markdown fences are stripped before parsing. A nil verdict means
// the response needs a repair attempt; the returned errors describe why.
// Non-fatal issues (out-of-range confidence, duplicate or uppercase tool
// names) are normalized in place.
func ValidateResponse(raw string) (*schema.LLMVerdict, []ValidationError) {
	var errs []ValidationError

	raw = stripMarkdownFences(raw)

	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		fixed := fixInvalidJSONEscapes(raw)
		if err2 := json.Unmarshal([]byte(fixed), &resp); err2 != nil {
			errs = append(errs, ValidationError{Field: "json_parse", Message: err.Error()})
			return nil, errs
		}
	}

	if resp.IsAssisted == nil {
		errs = append(errs, ValidationError{Field: "is_assisted", Message: "required field missing"})
	}
	if resp.Confidence == nil {
		errs = append(errs, ValidationError{Field: "confidence", Message: "required field missing"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	conf := *resp.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	verdict := &schema.LLMVerdict{
		IsAssisted: *resp.IsAssisted,
		Confidence: conf,
		Tools:      normalizeTools(resp.Tools),
		Summary:    strings.TrimSpace(resp.Summary),
		RiskNotes:  strings.TrimSpace(resp.RiskNotes),
	}
	return verdict, nil
}

// normalizeTools lowercases, trims, de-duplicates, and sorts tool names so
// that repeated runs over the same stored response diff cleanly.
func normalizeTools(tools []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, t := range tools {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ── Provider dispatch ─────────────────────────────────────────────────────────

// defaultNewProvider dispatches to the appropriate provider implementation.
func defaultNewProvider(providerName, model string) (Provider, error) {
	switch strings.ToLower(providerName) {
	case "anthropic", "":
		return newAnthropicProvider(model)
	case "openai":
		return newOpenAIProvider(model)
	case "google":
		return newGoogleProvider(model)
	default:
		return nil, fmt.Errorf("llmdetect: unknown provider %q", providerName)
	}
}

// ── Anthropic provider ───────────────────────────────────────────────────────

// anthropicProvider implements Provider using the Anthropic SDK.
// anthropic.Client is a value type; the SDK's NewClient returns it by value.
type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropicProvider(model string) (Provider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("llmdetect: ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &anthropicProvider{client: client, model: model}, nil
}

func (p *anthropicProvider) Complete(
	ctx context.Context,
	systemPrompt, userPrompt string,
	maxTokens int,
	temperature float64,
) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: messages.new: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		// "text" is the only content type that carries assistant text output.
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("anthropic: response contained no text content blocks")
	}
	return strings.Join(parts, ""), nil
}
