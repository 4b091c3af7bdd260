package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"speechcoach-backend/internal/shared/telemetry"
)

// Options are the adapter's quality thresholds.
type Options struct {
	MinWords          int
	TrialMinWords     int
	TimingCoverageMin float64
	Timeout           time.Duration
}

// Adapter wraps a Provider with model routing and transcript validation.
type Adapter struct {
	Provider Provider
	Options  Options
}

// Transcribe runs the provider under a timeout and validates its output.
func (a *Adapter) Transcribe(ctx context.Context, req Request) (Result, error) {
	if a.Provider == nil {
		return Result{}, &Error{Code: CodeProvider, Message: "speech-to-text provider is not configured"}
	}
	model := ModelFor(req.Language, req.ModelHint)
	if a.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Options.Timeout)
		defer cancel()
	}

	raw, err := a.Provider.Transcribe(ctx, ProviderRequest{
		AudioPath: req.AudioPath,
		Format:    req.Format,
		Language:  req.Language,
		Model:     model,
	})
	if err != nil {
		var tErr *Error
		if errors.As(err, &tErr) {
			return Result{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &Error{Code: CodeTimeout, Message: "speech-to-text timed out", Retryable: true, Err: err}
		}
		return Result{}, &Error{Code: CodeProvider, Message: "speech-to-text failed", Retryable: true, Err: err}
	}

	result := Result{
		Transcript:      strings.TrimSpace(raw.Transcript),
		Words:           raw.Words,
		Utterances:      raw.Utterances,
		Language:        req.Language,
		Model:           model,
		Confidence:      raw.Confidence,
		DurationSeconds: raw.DurationSeconds,
	}
	if raw.DetectedLanguage != "" && result.Language == "" {
		result.Language = raw.DetectedLanguage
	}
	if result.Transcript == "" || len(result.Words) == 0 {
		return Result{}, &Error{Code: CodeEmptyTranscript, Message: "no speech detected in recording"}
	}
	if req.Trial && len(result.Words) < a.Options.TrialMinWords {
		return Result{}, &Error{
			Code:    CodeInsufficientWords,
			Message: fmt.Sprintf("only %d words detected, at least %d needed", len(result.Words), a.Options.TrialMinWords),
		}
	}
	if len(result.Words) < a.Options.MinWords {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("low word count: %d words (recommended minimum %d)", len(result.Words), a.Options.MinWords))
	}
	result.TimingCoverage = TimingCoverage(result.Words)
	if result.TimingCoverage < a.Options.TimingCoverageMin {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("timing coverage %.2f below %.2f", result.TimingCoverage, a.Options.TimingCoverageMin))
	}

	telemetry.Debug("transcription.completed", map[string]any{
		"model":           model,
		"language":        result.Language,
		"word_count":      len(result.Words),
		"utterances":      len(result.Utterances),
		"timing_coverage": result.TimingCoverage,
		"warnings":        len(result.Warnings),
	})
	return result, nil
}

// TimingCoverage is the share of words with usable timestamps.
func TimingCoverage(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	timed := 0
	for _, w := range words {
		if w.Timed() {
			timed++
		}
	}
	return float64(timed) / float64(len(words))
}
