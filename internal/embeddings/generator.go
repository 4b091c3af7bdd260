// Package embeddings produces best-effort vectors for session highlights.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/telemetry"
)

// Skip reasons.
const (
	SkipNoProvider = "no_provider"
	SkipDisabled   = "disabled"
	SkipRequested  = "requested"
	SkipNoText     = "no_text"
	SkipFailed     = "provider_failed"
)

const (
	defaultMaxHighlights = 5
	maxInputChars        = 8000
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Result is either a set of vectors or a skip with its reason.
type Result struct {
	Skipped    bool
	Reason     string
	Model      string
	Embeddings []sessions.Embedding
	Err        error
}

// Summary is the form stored on the analysis result.
func (r Result) Summary() *sessions.EmbeddingsSummary {
	s := &sessions.EmbeddingsSummary{
		Skipped: r.Skipped,
		Reason:  r.Reason,
		Model:   r.Model,
		Count:   len(r.Embeddings),
	}
	if len(r.Embeddings) > 0 {
		s.Dimensions = len(r.Embeddings[0].Vector)
	}
	return s
}

type Generator struct {
	Embedder Embedder
	Timeout  time.Duration
	// MaxHighlights caps issue highlights; the transcript is always embedded too.
	MaxHighlights int
	Disabled      bool
}

// Generate never fails; every problem is reported as a skip.
func (g Generator) Generate(ctx context.Context, sessionID, transcript string, issues []sessions.Issue) Result {
	switch {
	case g.Disabled:
		return g.skip(sessionID, SkipDisabled, nil)
	case g.Embedder == nil:
		return g.skip(sessionID, SkipNoProvider, nil)
	}
	labels, texts := g.highlights(transcript, issues)
	if len(texts) == 0 {
		return g.skip(sessionID, SkipNoText, nil)
	}

	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	vectors, err := safeEmbed(callCtx, g.Embedder, texts)
	if err != nil {
		return g.skip(sessionID, SkipFailed, err)
	}
	if len(vectors) != len(texts) {
		return g.skip(sessionID, SkipFailed, fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}

	model := g.Embedder.Model()
	out := make([]sessions.Embedding, 0, len(texts))
	for i, v := range vectors {
		if len(v) == 0 {
			return g.skip(sessionID, SkipFailed, errors.New("empty vector"))
		}
		out = append(out, sessions.Embedding{
			Label:      labels[i],
			Model:      model,
			SourceText: texts[i],
			Vector:     v,
		})
	}
	return Result{Model: model, Embeddings: out}
}

func (g Generator) skip(sessionID, reason string, err error) Result {
	metrics.IncEmbeddingsSkipped()
	fields := map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	telemetry.Info("embeddings.skipped", fields)
	return Result{Skipped: true, Reason: reason, Err: err}
}

// highlights picks the transcript plus the first issues that carry coaching text.
func (g Generator) highlights(transcript string, issues []sessions.Issue) ([]string, []string) {
	var labels, texts []string
	if t := truncate(strings.TrimSpace(transcript), maxInputChars); t != "" {
		labels = append(labels, "transcript")
		texts = append(texts, t)
	}
	limit := g.MaxHighlights
	if limit <= 0 {
		limit = defaultMaxHighlights
	}
	picked := 0
	for i, issue := range issues {
		if picked >= limit {
			break
		}
		parts := []string{string(issue.Kind)}
		if s := strings.TrimSpace(issue.Text); s != "" {
			parts = append(parts, s)
		}
		if s := strings.TrimSpace(issue.Rationale); s != "" {
			parts = append(parts, s)
		}
		if s := strings.TrimSpace(issue.Tip); s != "" {
			parts = append(parts, s)
		}
		if len(parts) == 1 {
			continue
		}
		labels = append(labels, fmt.Sprintf("issue:%d:%s", i, issue.Kind))
		texts = append(texts, truncate(strings.Join(parts, ": "), maxInputChars))
		picked++
	}
	return labels, texts
}

func safeEmbed(ctx context.Context, e Embedder, texts []string) (vectors [][]float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("embedder panic: %v", rec)
		}
	}()
	return e.Embed(ctx, texts)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
