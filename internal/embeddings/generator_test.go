package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"speechcoach-backend/internal/sessions"
)

type fakeEmbedder struct {
	texts []string
	err   error
	panic bool
	short bool
	delay time.Duration
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.texts = texts
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func testIssues() []sessions.Issue {
	return []sessions.Issue{
		{Kind: sessions.IssueFillerWord, StartMs: 0, EndMs: 300, Text: "um", Tip: "pause instead"},
		{Kind: sessions.IssueLongPause, StartMs: 400, EndMs: 3000},
	}
}

func TestGenerateEmbedsTranscriptAndIssues(t *testing.T) {
	fake := &fakeEmbedder{}
	res := Generator{Embedder: fake}.Generate(context.Background(), "s1", "um hello world", testIssues())

	if res.Skipped {
		t.Fatalf("unexpected skip: %s", res.Reason)
	}
	if len(res.Embeddings) != 2 {
		t.Fatalf("expected transcript and one issue, got %d", len(res.Embeddings))
	}
	if res.Embeddings[0].Label != "transcript" || res.Embeddings[1].Label != "issue:0:filler_word" {
		t.Fatalf("unexpected labels: %s, %s", res.Embeddings[0].Label, res.Embeddings[1].Label)
	}
	if fake.texts[1] != "filler_word: um: pause instead" {
		t.Fatalf("unexpected issue text: %q", fake.texts[1])
	}
	summary := res.Summary()
	if summary.Count != 2 || summary.Dimensions != 3 || summary.Model != "fake-embed" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestGenerateCapsIssueHighlights(t *testing.T) {
	var issues []sessions.Issue
	for i := 0; i < 6; i++ {
		issues = append(issues, sessions.Issue{Kind: sessions.IssueFillerWord, StartMs: int64(i) * 1000, EndMs: int64(i)*1000 + 200, Text: "um"})
	}
	fake := &fakeEmbedder{}
	res := Generator{Embedder: fake, MaxHighlights: 2}.Generate(context.Background(), "s1", "um hello", issues)
	if res.Skipped {
		t.Fatalf("unexpected skip: %s", res.Reason)
	}
	if len(fake.texts) != 3 {
		t.Fatalf("expected transcript plus 2 issue highlights, got %d texts", len(fake.texts))
	}

	fake = &fakeEmbedder{}
	Generator{Embedder: fake, MaxHighlights: 2}.Generate(context.Background(), "s1", "", issues)
	if len(fake.texts) != 2 {
		t.Fatalf("expected 2 issue highlights without transcript, got %d", len(fake.texts))
	}
}

func TestGenerateSkips(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
		text string
		want string
	}{
		{name: "no provider", gen: Generator{}, text: "hi", want: SkipNoProvider},
		{name: "disabled", gen: Generator{Embedder: &fakeEmbedder{}, Disabled: true}, text: "hi", want: SkipDisabled},
		{name: "error", gen: Generator{Embedder: &fakeEmbedder{err: errors.New("quota")}}, text: "hi", want: SkipFailed},
		{name: "panic", gen: Generator{Embedder: &fakeEmbedder{panic: true}}, text: "hi", want: SkipFailed},
		{name: "count mismatch", gen: Generator{Embedder: &fakeEmbedder{short: true}}, text: "hi", want: SkipFailed},
		{name: "timeout", gen: Generator{Embedder: &fakeEmbedder{delay: time.Second}, Timeout: 10 * time.Millisecond}, text: "hi", want: SkipFailed},
		{name: "no text", gen: Generator{Embedder: &fakeEmbedder{}}, text: "  ", want: SkipNoText},
	}
	for _, tt := range tests {
		res := tt.gen.Generate(context.Background(), "s1", tt.text, nil)
		if !res.Skipped || res.Reason != tt.want {
			t.Fatalf("%s: expected skip %q, got %+v", tt.name, tt.want, res)
		}
		if len(res.Embeddings) != 0 {
			t.Fatalf("%s: skipped result must carry no vectors", tt.name)
		}
	}
}

func TestGenerateTruncatesLongTranscript(t *testing.T) {
	fake := &fakeEmbedder{}
	long := strings.Repeat("é", maxInputChars)
	Generator{Embedder: fake}.Generate(context.Background(), "s1", long, nil)
	if len(fake.texts[0]) > maxInputChars {
		t.Fatalf("expected truncation to %d bytes, got %d", maxInputChars, len(fake.texts[0]))
	}
}

type fakeModels struct {
	model string
	n     int
}

func (f *fakeModels) EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.model = model
	f.n = len(contents)
	resp := &genai.EmbedContentResponse{}
	for range contents {
		resp.Embeddings = append(resp.Embeddings, &genai.ContentEmbedding{Values: []float32{1, 2}})
	}
	return resp, nil
}

func TestGeminiEmbedder(t *testing.T) {
	fake := &fakeModels{}
	e := newGeminiEmbedder(fake, "")
	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.model != DefaultGeminiModel || fake.n != 2 || len(vectors) != 2 || len(vectors[1]) != 2 {
		t.Fatalf("unexpected embed call: model=%s n=%d vectors=%v", fake.model, fake.n, vectors)
	}
}
