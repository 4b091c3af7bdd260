package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"speechcoach-backend/internal/embeddings"
	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/refinement"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/config"
	"speechcoach-backend/internal/transcription"
)

func mustGet(t *testing.T, h *harness, id string) (sessions.Session, []sessions.Issue) {
	t.Helper()
	session, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	issues, err := h.repo.ListIssues(context.Background(), id)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	return session, issues
}

func TestCleanClipWithLLMOutageCompletesInFallback(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		words:    spokenWords(cleanTexts(75)...),
		llm:      &fakeLLM{err: llm.ErrorForStatus("fake", 503, "unavailable")},
	})
	seeded := h.seed(t, sessions.KindSession)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	session, issues := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateCompleted || !session.Completed {
		t.Fatalf("expected completed session, got %s completed=%v", session.State, session.Completed)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(issues))
	}
	ai := session.Result.AIRefinement
	if !ai.FallbackMode || ai.FallbackReason != llm.KindServer || ai.Message != MessageAIUnavailable {
		t.Fatalf("unexpected refinement summary: %+v", ai)
	}
	if session.Progress != sessions.ProgressComplete || session.ActualDurationMs != 30000 {
		t.Fatalf("unexpected progress/duration: %d %d", session.Progress, session.ActualDurationMs)
	}
	if got := h.repo.states(); !reflect.DeepEqual(got, []sessions.State{sessions.StateProcessing, sessions.StateCompleted}) {
		t.Fatalf("unexpected transitions: %v", got)
	}
	if session.LeaseOwner != "" {
		t.Fatalf("expected lease released")
	}
}

func TestShortClipFailsWithMinimumDurationReason(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 5,
		words:    spokenWords(cleanTexts(12)...),
		llm:      &fakeLLM{raw: `{"confirmed":[]}`},
	})
	seeded := h.seed(t, sessions.KindSession)

	err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected pipeline error, got %v", err)
	}
	if pe.Kind != KindMediaExtraction || pe.Code != CodeMediaTooShort || pe.Recoverable {
		t.Fatalf("unexpected error: %+v", pe)
	}

	session, issues := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateFailed || session.Completed {
		t.Fatalf("expected failed session, got %s", session.State)
	}
	if session.IncompleteReason == nil || !strings.Contains(*session.IncompleteReason, "minimum duration") {
		t.Fatalf("expected minimum duration reason, got %v", session.IncompleteReason)
	}
	if session.ErrorCode == nil || *session.ErrorCode != CodeMediaTooShort {
		t.Fatalf("unexpected error code: %v", session.ErrorCode)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(issues))
	}
	failures := 0
	for _, s := range h.repo.states() {
		if s == sessions.StateFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failed write, got %d", failures)
	}
	meta := session.Result.PipelineMetadata
	if meta.FailedStage != StageExtract || len(meta.Stages) != 1 || meta.Stages[0].Status != sessions.StageFailed {
		t.Fatalf("expected failed extract stage in metadata, got %+v", meta)
	}
	if h.llm.calls != 0 {
		t.Fatalf("expected no AI call after fatal failure")
	}
	if len(h.reporter.reports) != 0 {
		t.Fatalf("media errors are not unexpected errors")
	}
}

func fillerTexts() []string {
	texts := cleanTexts(75)
	texts[0] = "um"
	texts[10] = "like"
	texts[20] = "um"
	return texts
}

func TestConfirmedFillersBecomeAIIssues(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		words:    spokenWords(fillerTexts()...),
		llm:      &fakeLLM{raw: confirmAllJSON},
	})
	seeded := h.seed(t, sessions.KindSession)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	session, issues := mustGet(t, h, seeded.ID)
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(issues))
	}
	wantText := []string{"um", "like", "um"}
	for i, issue := range issues {
		if issue.Source != sessions.SourceAI || issue.Kind != sessions.IssueFillerWord || issue.Text != wantText[i] {
			t.Fatalf("issue %d unexpected: %+v", i, issue)
		}
		if i > 0 && issues[i-1].StartMs > issue.StartMs {
			t.Fatalf("issues not sorted by start")
		}
	}
	ai := session.Result.AIRefinement
	if ai.FallbackMode || ai.Confirmed != 3 || len(ai.MicroTips) != 1 {
		t.Fatalf("unexpected refinement summary: %+v", ai)
	}
	if session.Result.ClarityMetrics.FillerCount != 3 {
		t.Fatalf("expected metrics over refined issues, got %d fillers", session.Result.ClarityMetrics.FillerCount)
	}
}

func TestTrialKeepsPreviewMetricsWhenAITimesOut(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		words:    spokenWords(fillerTexts()...),
		llm:      &fakeLLM{err: &llm.ProviderError{Provider: "fake", Kind: llm.KindTimeout, Retryable: true, Err: context.DeadlineExceeded}},
	})
	seeded := h.seed(t, sessions.KindTrial)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []sessions.State{sessions.StateProcessing, sessions.StatePreviewReady, sessions.StateAIAnalyzing, sessions.StateCompleted}
	if got := h.repo.states(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected transitions: %v", got)
	}
	preview, ok := h.repo.patchFor(sessions.StatePreviewReady)
	if !ok || preview.Result == nil || preview.Result.Phase != sessions.PhasePreview {
		t.Fatalf("expected preview result")
	}

	session, issues := mustGet(t, h, seeded.ID)
	if !session.Completed || session.Result.Phase != sessions.PhaseAIFailed {
		t.Fatalf("expected completed ai_failed, got %s phase=%s", session.State, session.Result.Phase)
	}
	if session.Result.OverallScores != preview.Result.OverallScores ||
		session.Result.FluencyMetrics != preview.Result.FluencyMetrics ||
		session.Result.ClarityMetrics.ClarityScore != preview.Result.ClarityMetrics.ClarityScore {
		t.Fatalf("phase one metrics changed: %+v vs %+v", session.Result.OverallScores, preview.Result.OverallScores)
	}
	if len(issues) != len(preview.Issues) || len(issues) != 3 {
		t.Fatalf("expected the 3 rule issues to survive, got %d", len(issues))
	}
	for _, issue := range issues {
		if issue.Source != sessions.SourceRule {
			t.Fatalf("expected rule issues, got %+v", issue)
		}
	}
	if session.Result.AIRefinement.FallbackReason != llm.KindTimeout {
		t.Fatalf("unexpected fallback reason %q", session.Result.AIRefinement.FallbackReason)
	}
}

func TestTrialWithAIEnhancement(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		words:    spokenWords(fillerTexts()...),
		llm:      &fakeLLM{raw: confirmAllJSON},
	})
	seeded := h.seed(t, sessions.KindTrial)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}
	session, issues := mustGet(t, h, seeded.ID)
	if session.Result.Phase != sessions.PhaseAIEnhanced || len(issues) != 3 || issues[0].Source != sessions.SourceAI {
		t.Fatalf("unexpected enhanced result: phase=%s issues=%d", session.Result.Phase, len(issues))
	}
	var names []string
	for _, s := range session.Result.PipelineMetadata.Stages {
		names = append(names, s.Name)
	}
	want := []string{StageExtract, StageTranscribe, StageRules, StageMetrics, StageRefine, StageMetricsRecompute, StageEmbeddings}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected stages: %v", names)
	}
}

func TestTrialSkipAIRequested(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		words:    spokenWords(fillerTexts()...),
		llm:      &fakeLLM{raw: confirmAllJSON},
	})
	seeded := h.seed(t, sessions.KindTrial)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{SkipAI: true}); err != nil {
		t.Fatalf("process: %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.Result.Phase != sessions.PhaseAISkipped || session.Result.AIRefinement.SkipReason != refinement.SkipRequested {
		t.Fatalf("unexpected skip result: %+v", session.Result.AIRefinement)
	}
	if h.llm.calls != 0 {
		t.Fatalf("expected no LLM call")
	}
}

func TestSameStartIssuesKeepInsertionOrder(t *testing.T) {
	words := spokenWords(cleanTexts(75)...)
	words[2] = transcription.Word{Text: "um", StartMs: 1000, EndMs: 1190, Confidence: 0.3}
	h := newHarness(t, harnessConfig{duration: 30, words: words})
	seeded := h.seed(t, sessions.KindSession)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}
	_, issues := mustGet(t, h, seeded.ID)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].StartMs != 1000 || issues[1].StartMs != 1000 {
		t.Fatalf("expected both issues at 1000ms: %+v", issues)
	}
	if issues[0].Kind != sessions.IssueFillerWord || issues[1].Kind != sessions.IssueUnclearSpeech {
		t.Fatalf("expected insertion order filler then unclear, got %s then %s", issues[0].Kind, issues[1].Kind)
	}
}

func TestTranscriptionFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		sttErr:   &transcription.Error{Code: transcription.CodeRateLimited, Message: "slow down", StatusCode: 429, Retryable: true},
	})
	seeded := h.seed(t, sessions.KindSession)

	err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindTranscription || !pe.Recoverable || pe.Code != CodeSTTRateLimited {
		t.Fatalf("expected recoverable transcription error, got %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateFailed {
		t.Fatalf("expected failed, got %s", session.State)
	}
	if strings.Contains(*session.IncompleteReason, "slow down") {
		t.Fatalf("raw provider text leaked into reason: %s", *session.IncompleteReason)
	}
}

func TestRetryAfterFailureStartsFreshRun(t *testing.T) {
	h := newHarness(t, harnessConfig{
		duration: 30,
		sttErr:   &transcription.Error{Code: transcription.CodeProvider, Message: "boom", Retryable: true},
	})
	seeded := h.seed(t, sessions.KindSession)
	_ = h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})

	h.orch.Transcriber = &transcription.Adapter{Provider: fakeSTT{words: spokenWords(cleanTexts(75)...)}}
	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateCompleted || session.RunCount != 2 || session.IncompleteReason != nil {
		t.Fatalf("unexpected session after retry: state=%s runs=%d", session.State, session.RunCount)
	}
	if session.Result.PipelineMetadata.Run != 2 {
		t.Fatalf("expected run 2 in metadata, got %d", session.Result.PipelineMetadata.Run)
	}
}

func TestDuplicateRunsAreDiscarded(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(cleanTexts(75)...)})
	seeded := h.seed(t, sessions.KindSession)
	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})
	if !errors.Is(err, sessions.ErrAlreadyCompleted) || !Discardable(err) {
		t.Fatalf("expected discardable duplicate, got %v", err)
	}

	other := h.seed(t, sessions.KindSession)
	if err := h.repo.AcquireLease(context.Background(), other.ID, "someone-else", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = h.orch.Process(context.Background(), other.ID, queue.ProcessOptions{})
	if !errors.Is(err, sessions.ErrLeaseHeld) || !Discardable(err) {
		t.Fatalf("expected lease held, got %v", err)
	}

	err = h.orch.Process(context.Background(), "missing", queue.ProcessOptions{})
	if !errors.Is(err, sessions.ErrNotFound) || !Discardable(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpiredTrialIsNotProcessed(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(cleanTexts(75)...)})
	seeded := h.seed(t, sessions.KindTrial)
	h.orch.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})
	if !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.State != sessions.StatePending {
		t.Fatalf("expired trial must stay inert, got %s", session.State)
	}
}

func TestPanicIsReportedAsUnexpected(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(cleanTexts(75)...)})
	h.orch.Detector = panicDetector{}
	seeded := h.seed(t, sessions.KindSession)

	err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindUnexpected || !pe.Recoverable || pe.Stage != StageRules {
		t.Fatalf("expected unexpected error at rules, got %v", err)
	}
	if len(h.reporter.reports) != 1 || h.reporter.reports[0].SessionID != seeded.ID {
		t.Fatalf("expected one report, got %+v", h.reporter.reports)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateFailed || *session.IncompleteReason != UserMessage(pe) {
		t.Fatalf("unexpected failed session: %s %v", session.State, session.IncompleteReason)
	}
}

type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake-embed" }

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestEmbeddingsAndMediaDeletion(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(cleanTexts(75)...)})
	h.orch.Embeddings = embeddings.Generator{Embedder: fakeEmbedder{}}
	h.orch.Options.DeleteMediaAfterProcessing = true
	seeded := h.seed(t, sessions.KindSession)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{}); err != nil {
		t.Fatalf("process: %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if session.Result.Embeddings == nil || session.Result.Embeddings.Skipped || session.Result.Embeddings.Count != 1 {
		t.Fatalf("unexpected embeddings summary: %+v", session.Result.Embeddings)
	}
	if got := h.repo.Embeddings(seeded.ID); len(got) != 1 || got[0].Label != "transcript" {
		t.Fatalf("expected stored transcript embedding, got %+v", got)
	}
	if len(session.MediaKeys) != 0 {
		t.Fatalf("expected media keys cleared")
	}
	if _, err := h.store.Open(context.Background(), seeded.MediaKeys[0]); err == nil {
		t.Fatalf("expected media blob deleted")
	}
}

func TestSkipEmbeddingsRequested(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(cleanTexts(75)...)})
	h.orch.Embeddings = embeddings.Generator{Embedder: fakeEmbedder{}}
	seeded := h.seed(t, sessions.KindSession)

	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{SkipEmbeddings: true}); err != nil {
		t.Fatalf("process: %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if !session.Result.Embeddings.Skipped || session.Result.Embeddings.Reason != embeddings.SkipRequested {
		t.Fatalf("unexpected embeddings summary: %+v", session.Result.Embeddings)
	}
	if len(h.repo.Embeddings(seeded.ID)) != 0 {
		t.Fatalf("expected no stored vectors")
	}
}

func TestFailedRerunDropsPreviousIssues(t *testing.T) {
	texts := cleanTexts(75)
	texts[0] = "um"
	texts[30] = "um"
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(texts...)})
	seeded := h.seed(t, sessions.KindSession)
	ctx := context.Background()
	if err := h.orch.Process(ctx, seeded.ID, queue.ProcessOptions{SkipAI: true}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, issues := mustGet(t, h, seeded.ID); len(issues) < 2 {
		t.Fatalf("expected filler issues from first run, got %d", len(issues))
	}

	if err := h.repo.Reset(ctx, seeded.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	h.orch.Transcriber = &transcription.Adapter{Provider: fakeSTT{}}
	_ = h.orch.Process(ctx, seeded.ID, queue.ProcessOptions{SkipAI: true})

	session, issues := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateFailed {
		t.Fatalf("expected failed second run, got %s", session.State)
	}
	if len(issues) != 0 {
		t.Fatalf("failed run exposes %d issues from an earlier run", len(issues))
	}
}

func TestFailWriteClearsStoredIssues(t *testing.T) {
	texts := cleanTexts(75)
	texts[5] = "um"
	h := newHarness(t, harnessConfig{duration: 30, words: spokenWords(texts...)})
	ctx := context.Background()
	done := h.seed(t, sessions.KindSession)
	if err := h.orch.Process(ctx, done.ID, queue.ProcessOptions{SkipAI: true}); err != nil {
		t.Fatalf("process: %v", err)
	}
	_, stale := mustGet(t, h, done.ID)
	if len(stale) == 0 {
		t.Fatalf("expected issues to copy")
	}

	target := h.seed(t, sessions.KindSession)
	if err := h.repo.ReplaceIssues(ctx, target.ID, stale); err != nil {
		t.Fatalf("replace issues: %v", err)
	}
	h.orch.Transcriber = &transcription.Adapter{Provider: fakeSTT{
		err: &transcription.Error{Code: transcription.CodeProvider, Message: "down", Retryable: true},
	}}
	_ = h.orch.Process(ctx, target.ID, queue.ProcessOptions{})

	session, issues := mustGet(t, h, target.ID)
	if session.State != sessions.StateFailed || len(issues) != 0 {
		t.Fatalf("expected failed session without issues, got state=%s issues=%d", session.State, len(issues))
	}
	patch, ok := h.repo.patchFor(sessions.StateFailed)
	if !ok || !patch.ReplaceIssues || len(patch.Issues) != 0 {
		t.Fatalf("expected fail patch to replace issues with none, got %+v", patch)
	}
}

func TestUtteranceCountRecordedInMetadata(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30})
	h.orch.Transcriber = &transcription.Adapter{Provider: fakeSTT{
		words: spokenWords(cleanTexts(75)...),
		utterances: []transcription.Utterance{
			{Text: "first half", StartMs: 0, EndMs: 14000},
			{Text: "second half", StartMs: 15000, EndMs: 29990},
		},
	}}
	seeded := h.seed(t, sessions.KindSession)
	if err := h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{SkipAI: true}); err != nil {
		t.Fatalf("process: %v", err)
	}
	session, _ := mustGet(t, h, seeded.ID)
	if got := session.Result.PipelineMetadata.UtteranceCount; got != 2 {
		t.Fatalf("expected 2 utterances recorded, got %d", got)
	}
}

type silentAnalyzer struct{}

func (silentAnalyzer) MaxVolumeDB(context.Context, string) (float64, error) { return -91, nil }

func TestSilentTrackFailsAsNoAudio(t *testing.T) {
	h := newHarness(t, harnessConfig{duration: 30})
	extractor := h.orch.Extractor.(*media.Extractor)
	extractor.Analyzer = silentAnalyzer{}
	extractor.SilenceThresholdDB = config.DefaultThresholds().SilenceMaxVolumeDB

	seeded := h.seed(t, sessions.KindSession)
	_ = h.orch.Process(context.Background(), seeded.ID, queue.ProcessOptions{})

	session, issues := mustGet(t, h, seeded.ID)
	if session.State != sessions.StateFailed || len(issues) != 0 {
		t.Fatalf("expected failed session without issues, got state=%s issues=%d", session.State, len(issues))
	}
	if session.ErrorCode == nil || *session.ErrorCode != CodeMediaNoAudio {
		t.Fatalf("expected %s, got %v", CodeMediaNoAudio, session.ErrorCode)
	}
	if session.Result.PipelineMetadata.FailedStage != StageExtract {
		t.Fatalf("expected failure at extract, got %q", session.Result.PipelineMetadata.FailedStage)
	}
}
