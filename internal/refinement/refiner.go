// Package refinement validates rule-detected issues with an LLM and falls
// back to the rule output whenever the model cannot be used.
package refinement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/telemetry"
	"speechcoach-backend/internal/transcription"
)

// Skip reasons.
const (
	SkipDisabled          = "disabled"
	SkipRequested         = "requested"
	SkipNoProvider        = "no_provider"
	SkipInsufficientWords = "insufficient_words"
)

// Fallback reasons not derived from a provider error kind.
const (
	FallbackMalformed = "malformed_response"
	FallbackInternal  = "internal_error"
	FallbackCanceled  = "canceled"
)

const maxTextItems = 3

type Options struct {
	MinConfidence      float64
	MinWords           int
	CacheTTL           time.Duration
	ContextWindowWords int
	Timeout            time.Duration
	Disabled           bool
}

// Input is one refinement request.
type Input struct {
	SessionID  string
	Transcript string
	Language   string
	Words      []transcription.Word
	Issues     []sessions.Issue
	// SkipRequested is set when the caller opted out of AI for this run.
	SkipRequested bool
}

// Result is always usable. When the model could not be used Issues is the
// rule list unchanged and Summary explains why.
type Result struct {
	Issues  []sessions.Issue
	Summary sessions.AIRefinement
	// Err is the provider failure behind a fallback, kept for logging.
	Err error
}

// Refiner runs AI refinement.
type Refiner struct {
	Client  llm.Client
	Cache   Cache
	Options Options
}

// Refine never returns an error; failures become a fallback Result.
func (r Refiner) Refine(ctx context.Context, in Input) (res Result) {
	if reason := r.skipReason(in); reason != "" {
		metrics.IncAISkipped()
		telemetry.Info("refinement.skipped", map[string]any{
			"session_id": in.SessionID,
			"reason":     reason,
		})
		return Result{
			Issues:  cloneIssues(in.Issues),
			Summary: sessions.AIRefinement{Skipped: true, SkipReason: reason},
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = r.fallback(in, FallbackInternal, fmt.Errorf("refinement panic: %v", rec))
		}
	}()

	key := CacheKey(in.Transcript, in.Language)
	if r.Cache != nil {
		if cached, ok := r.Cache.Get(ctx, key); ok {
			metrics.IncAICacheHit()
			out := r.apply(in, cached)
			out.Summary.Cached = true
			return out
		}
	}

	prompt, err := buildPrompt(in, r.Options.ContextWindowWords)
	if err != nil {
		return r.fallback(in, FallbackInternal, err)
	}

	callCtx := ctx
	if r.Options.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.Options.Timeout)
		defer cancel()
	}
	raw, err := r.Client.CompleteJSON(callCtx, prompt)
	if err != nil {
		return r.fallback(in, failureReason(err), err)
	}

	resp, err := parseResponse(raw)
	if err != nil {
		return r.fallback(in, FallbackMalformed, err)
	}
	if r.Cache != nil {
		r.Cache.Set(ctx, key, resp, r.Options.CacheTTL)
	}
	return r.apply(in, resp)
}

func (r Refiner) skipReason(in Input) string {
	switch {
	case r.Options.Disabled:
		return SkipDisabled
	case in.SkipRequested:
		return SkipRequested
	case r.Client == nil:
		return SkipNoProvider
	case len(strings.Fields(in.Transcript)) < r.Options.MinWords:
		return SkipInsufficientWords
	}
	return ""
}

func (r Refiner) fallback(in Input, reason string, err error) Result {
	metrics.IncAIFallback()
	fields := map[string]any{
		"session_id": in.SessionID,
		"reason":     reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	telemetry.Warn("refinement.fallback", fields)
	return Result{
		Issues: cloneIssues(in.Issues),
		Summary: sessions.AIRefinement{
			Attempted:      true,
			FallbackMode:   true,
			FallbackReason: reason,
		},
		Err: err,
	}
}

// apply merges a model response into the rule candidates. Candidates the
// model did not mention stay as rule issues; rejected ones and confirmations
// below MinConfidence are dropped.
func (r Refiner) apply(in Input, resp Response) Result {
	confirmed := make(map[int]Confirmation, len(resp.Confirmed))
	for _, c := range resp.Confirmed {
		if c.Index < 0 || c.Index >= len(in.Issues) {
			continue
		}
		confirmed[c.Index] = c
	}
	rejected := make(map[int]bool, len(resp.Rejected))
	for _, rj := range resp.Rejected {
		if rj.Index < 0 || rj.Index >= len(in.Issues) {
			continue
		}
		if _, ok := confirmed[rj.Index]; ok {
			continue
		}
		rejected[rj.Index] = true
	}

	summary := sessions.AIRefinement{
		Attempted: true,
		Insights:  trimItems(resp.Insights),
		MicroTips: trimItems(resp.MicroTips),
	}
	out := make([]sessions.Issue, 0, len(in.Issues)+len(resp.Discovered))
	for i, issue := range in.Issues {
		if rejected[i] {
			summary.Rejected++
			continue
		}
		c, ok := confirmed[i]
		if !ok {
			out = append(out, issue)
			continue
		}
		if c.Confidence < r.Options.MinConfidence || c.Confidence > 1 {
			summary.Rejected++
			continue
		}
		conf := sessions.Round4(c.Confidence)
		issue.Source = sessions.SourceAI
		issue.Confidence = &conf
		if s := strings.TrimSpace(c.Rationale); s != "" {
			issue.Rationale = s
		}
		if s := strings.TrimSpace(c.Tip); s != "" {
			issue.Tip = s
		}
		summary.Confirmed++
		out = append(out, issue)
	}

	for _, d := range resp.Discovered {
		issue, ok := r.discovered(d)
		if !ok {
			continue
		}
		summary.Discovered++
		out = append(out, issue)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartMs < out[j].StartMs
	})
	return Result{Issues: out, Summary: summary}
}

func (r Refiner) discovered(d Discovery) (sessions.Issue, bool) {
	kind := sessions.IssueKind(strings.TrimSpace(d.Kind))
	if !kind.Valid() || d.Confidence < r.Options.MinConfidence || d.Confidence > 1 {
		return sessions.Issue{}, false
	}
	severity := sessions.Severity(strings.ToLower(strings.TrimSpace(d.Severity)))
	switch severity {
	case sessions.SeverityLow, sessions.SeverityMedium, sessions.SeverityHigh:
	default:
		severity = sessions.SeverityMedium
	}
	conf := sessions.Round4(d.Confidence)
	issue := sessions.Issue{
		Kind:       kind,
		StartMs:    d.StartMs,
		EndMs:      d.EndMs,
		Text:       strings.TrimSpace(d.Text),
		Source:     sessions.SourceAI,
		Severity:   severity,
		Category:   kind.Category(),
		Rationale:  strings.TrimSpace(d.Rationale),
		Tip:        strings.TrimSpace(d.Tip),
		Confidence: &conf,
	}
	if issue.Validate() != nil {
		return sessions.Issue{}, false
	}
	return issue, true
}

func parseResponse(raw json.RawMessage) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode refinement response: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Response{}, fmt.Errorf("decode refinement response: %w", err)
	}
	if _, ok := probe["confirmed"]; !ok {
		return Response{}, errors.New("refinement response missing confirmed")
	}
	return resp, nil
}

func failureReason(err error) string {
	var pErr *llm.ProviderError
	if errors.As(err, &pErr) && pErr.Kind != "" {
		return pErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return llm.KindTimeout
	case errors.Is(err, context.Canceled):
		return FallbackCanceled
	case errors.Is(err, llm.ErrNotConfigured):
		return SkipNoProvider
	}
	return llm.KindServer
}

func trimItems(items []string) []string {
	var out []string
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
		if len(out) == maxTextItems {
			break
		}
	}
	return out
}

func cloneIssues(issues []sessions.Issue) []sessions.Issue {
	if issues == nil {
		return nil
	}
	return append([]sessions.Issue(nil), issues...)
}
