package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"speechcoach-backend/internal/detection"
	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/refinement"
	"speechcoach-backend/internal/scoring"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/config"
	"speechcoach-backend/internal/shared/storage/object"
	local "speechcoach-backend/internal/shared/storage/object/local"
	"speechcoach-backend/internal/transcription"
)

type fakeProber struct {
	duration float64
}

func (p fakeProber) Probe(context.Context, string) (media.ProbeInfo, error) {
	return media.ProbeInfo{
		DurationSeconds: p.duration,
		FormatName:      media.TargetFormat,
		HasAudio:        true,
		AudioCodec:      "pcm_s16le",
		SampleRate:      media.TargetSampleRate,
		Channels:        1,
	}, nil
}

type fakeSTT struct {
	words      []transcription.Word
	utterances []transcription.Utterance
	err        error
}

func (f fakeSTT) Transcribe(ctx context.Context, req transcription.ProviderRequest) (transcription.ProviderResult, error) {
	if f.err != nil {
		return transcription.ProviderResult{}, f.err
	}
	texts := make([]string, len(f.words))
	for i, w := range f.words {
		texts[i] = w.Text
	}
	var duration float64
	if len(f.words) > 0 {
		duration = float64(f.words[len(f.words)-1].EndMs) / 1000
	}
	return transcription.ProviderResult{
		Transcript:      strings.Join(texts, " "),
		Words:           f.words,
		Utterances:      f.utterances,
		Confidence:      0.95,
		DurationSeconds: duration,
	}, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	raw   string
	err   error
	calls int
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, prompt llm.Prompt) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.raw), nil
}

type panicDetector struct{}

func (panicDetector) Detect(string, []transcription.Word, string) ([]sessions.Issue, error) {
	panic("detector exploded")
}

type recordingReporter struct {
	reports []Report
}

func (r *recordingReporter) Report(ctx context.Context, rep Report) {
	r.reports = append(r.reports, rep)
}

type transitionCall struct {
	from, to sessions.State
	patch    sessions.Patch
}

// recordingRepo captures every transition the orchestrator writes.
type recordingRepo struct {
	*sessions.MemoryRepo
	mu          sync.Mutex
	transitions []transitionCall
}

func (r *recordingRepo) Transition(ctx context.Context, id string, from, to sessions.State, patch sessions.Patch) error {
	err := r.MemoryRepo.Transition(ctx, id, from, to, patch)
	if err == nil {
		r.mu.Lock()
		r.transitions = append(r.transitions, transitionCall{from: from, to: to, patch: patch})
		r.mu.Unlock()
	}
	return err
}

func (r *recordingRepo) states() []sessions.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sessions.State, len(r.transitions))
	for i, tc := range r.transitions {
		out[i] = tc.to
	}
	return out
}

func (r *recordingRepo) patchFor(to sessions.State) (sessions.Patch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tc := range r.transitions {
		if tc.to == to {
			return tc.patch, true
		}
	}
	return sessions.Patch{}, false
}

type harness struct {
	orch     *Orchestrator
	repo     *recordingRepo
	store    object.ObjectStore
	llm      *fakeLLM
	reporter *recordingReporter
}

type harnessConfig struct {
	duration float64
	words    []transcription.Word
	sttErr   error
	llm      *fakeLLM
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	th := config.DefaultThresholds()
	store := local.New(t.TempDir())
	repo := &recordingRepo{MemoryRepo: sessions.NewMemoryRepo()}
	reporter := &recordingReporter{}

	var client llm.Client
	if cfg.llm != nil {
		client = cfg.llm
	}
	orch := &Orchestrator{
		Repo: repo,
		Extractor: &media.Extractor{
			Store:              store,
			Prober:             fakeProber{duration: cfg.duration},
			TempDir:            t.TempDir(),
			MinDurationSeconds: th.MinDurationSeconds,
		},
		Transcriber: &transcription.Adapter{
			Provider: fakeSTT{words: cfg.words, err: cfg.sttErr},
			Options: transcription.Options{
				MinWords:          th.MinWords,
				TrialMinWords:     th.TrialMinWords,
				TimingCoverageMin: th.TimingCoverageMin,
				Timeout:           time.Second,
			},
		},
		Detector: detection.Detector{Options: detection.Options{
			PaceFastWPM:       th.PaceFastWPM,
			PaceSlowWPM:       th.PaceSlowWPM,
			PaceWindowSeconds: th.PaceWindowSeconds,
			LongPauseMs:       th.LongPauseMs,
			LowConfidence:     th.LowConfidence,
			RepetitionMaxGap:  th.RepetitionMaxGap,
		}},
		Refiner: refinement.Refiner{
			Client: client,
			Cache:  refinement.NewMemoryCache(),
			Options: refinement.Options{
				MinConfidence:      th.AIMinConfidence,
				MinWords:           th.AIMinWords,
				CacheTTL:           th.AICacheTTL,
				ContextWindowWords: th.AIContextWindowWords,
				Timeout:            time.Second,
			},
		},
		Scorer:   scoring.NewEngine(th),
		Media:    store,
		Reporter: reporter,
	}
	return &harness{orch: orch, repo: repo, store: store, llm: cfg.llm, reporter: reporter}
}

// seed stores a fake upload and a pending session.
func (h *harness) seed(t *testing.T, kind sessions.Kind) sessions.Session {
	t.Helper()
	ctx := context.Background()
	key, _, _, err := h.store.Save(ctx, "user:u1", "take.wav", bytes.NewReader([]byte("RIFF....WAVE")))
	if err != nil {
		t.Fatalf("save media: %v", err)
	}
	session := sessions.Session{
		ID:        fmt.Sprintf("s-%d", time.Now().UnixNano()),
		Kind:      kind,
		OwnerID:   "user:u1",
		Language:  "en",
		MediaKind: sessions.MediaAudio,
		State:     sessions.StatePending,
		MediaKeys: []string{key},
	}
	if kind == sessions.KindTrial {
		expires := time.Now().Add(time.Hour)
		session.ExpiresAt = &expires
	}
	if err := h.repo.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

// spokenWords spreads texts evenly, 400ms per word, starting at 0.
func spokenWords(texts ...string) []transcription.Word {
	words := make([]transcription.Word, len(texts))
	for i, text := range texts {
		start := int64(i) * 400
		words[i] = transcription.Word{Text: text, StartMs: start, EndMs: start + 390, Confidence: 0.95}
	}
	return words
}

// cleanTexts returns n distinct non-filler words.
func cleanTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("word%d", i)
	}
	return out
}

const confirmAllJSON = `{"confirmed":[{"index":0,"confidence":0.9,"rationale":"hesitation"},{"index":1,"confidence":0.85},{"index":2,"confidence":0.95}],"rejected":[],"discovered":[],"insights":["clear voice"],"micro_tips":["pause instead of um"]}`
