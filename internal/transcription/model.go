package transcription

import "context"

// Word is one recognised token with its timing in milliseconds.
type Word struct {
	Text       string  `json:"text"`
	Punctuated string  `json:"punctuated,omitempty"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Timed reports whether the word carries usable timing.
func (w Word) Timed() bool {
	return w.StartMs >= 0 && w.EndMs > w.StartMs
}

// Utterance is a provider-segmented stretch of continuous speech.
type Utterance struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Request asks for a transcript of a local audio file. Format is the
// container name reported by the media probe.
type Request struct {
	AudioPath string
	Format    string
	Language  string
	ModelHint string
	Trial     bool
}

// Result is a validated transcript.
type Result struct {
	Transcript      string
	Words           []Word
	Utterances      []Utterance
	Language        string
	Model           string
	Confidence      float64
	DurationSeconds float64
	TimingCoverage  float64
	Warnings        []string
}

// ProviderRequest is what a speech-to-text backend receives.
type ProviderRequest struct {
	AudioPath string
	Format    string
	Language  string
	Model     string
}

// ProviderResult is the raw provider output before validation.
type ProviderResult struct {
	Transcript       string
	Words            []Word
	Utterances       []Utterance
	Confidence       float64
	DurationSeconds  float64
	DetectedLanguage string
}

// Provider is a speech-to-text backend.
type Provider interface {
	Transcribe(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}
