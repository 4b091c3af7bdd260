package pipeline

import (
	"context"
	"errors"
	"fmt"

	"speechcoach-backend/internal/detection"
	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/transcription"
)

// ErrorKind is the closed set of pipeline failure kinds.
type ErrorKind string

const (
	KindMediaExtraction ErrorKind = "media_extraction"
	KindTranscription   ErrorKind = "transcription"
	KindAnalysis        ErrorKind = "analysis"
	KindAIProvider      ErrorKind = "ai_provider"
	KindUnexpected      ErrorKind = "unexpected"
)

// Error codes stored on failed sessions.
const (
	CodeMediaTooShort     = "MEDIA_TOO_SHORT"
	CodeMediaEmpty        = "MEDIA_EMPTY"
	CodeMediaCorrupted    = "MEDIA_CORRUPTED"
	CodeMediaNoAudio      = "MEDIA_NO_AUDIO"
	CodeMediaUnavailable  = "MEDIA_UNAVAILABLE"
	CodeSTTRateLimited    = "STT_RATE_LIMITED"
	CodeSTTAuth           = "STT_AUTH_FAILURE"
	CodeSTTNoSpeech       = "STT_NO_SPEECH"
	CodeSTTTooFewWords    = "STT_INSUFFICIENT_WORDS"
	CodeSTTTimeout        = "STT_TIMEOUT"
	CodeSTTProvider       = "STT_PROVIDER_ERROR"
	CodeAnalysisMalformed = "ANALYSIS_MALFORMED_INPUT"
	CodeAIUnavailable     = "AI_UNAVAILABLE"
	CodeProcessingTimeout = "PROCESSING_TIMEOUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is a classified pipeline failure. Recoverable marks failures a job
// retry may get past.
type Error struct {
	Kind        ErrorKind
	Code        string
	Stage       string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline %s at %s (%s)", e.Kind, e.Stage, e.Code)
	}
	return fmt.Sprintf("pipeline %s at %s (%s): %v", e.Kind, e.Stage, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a stage failure onto a pipeline Error.
func Classify(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var me *media.Error
	if errors.As(err, &me) {
		out := &Error{Kind: KindMediaExtraction, Stage: stage, Err: err}
		switch me.Code {
		case media.CodeTooShort:
			out.Code = CodeMediaTooShort
		case media.CodeEmptyFile:
			out.Code = CodeMediaEmpty
		case media.CodeNoAudio:
			out.Code = CodeMediaNoAudio
		case media.CodeUnavailable:
			out.Code, out.Recoverable = CodeMediaUnavailable, true
		default:
			out.Code = CodeMediaCorrupted
		}
		return out
	}

	var te *transcription.Error
	if errors.As(err, &te) {
		out := &Error{Kind: KindTranscription, Stage: stage, Recoverable: te.Retryable, Err: err}
		switch te.Code {
		case transcription.CodeRateLimited:
			out.Code = CodeSTTRateLimited
		case transcription.CodeAuthFailure:
			out.Code = CodeSTTAuth
		case transcription.CodeEmptyTranscript:
			out.Code = CodeSTTNoSpeech
		case transcription.CodeInsufficientWords:
			out.Code = CodeSTTTooFewWords
		case transcription.CodeTimeout:
			out.Code = CodeSTTTimeout
		default:
			out.Code = CodeSTTProvider
		}
		return out
	}

	if errors.Is(err, detection.ErrMalformedInput) {
		return &Error{Kind: KindAnalysis, Code: CodeAnalysisMalformed, Stage: stage, Err: err}
	}

	var pErr *llm.ProviderError
	if errors.As(err, &pErr) {
		return &Error{Kind: KindAIProvider, Code: CodeAIUnavailable, Stage: stage, Recoverable: pErr.Retryable, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnexpected, Code: CodeProcessingTimeout, Stage: stage, Recoverable: true, Err: err}
	}
	return &Error{Kind: KindUnexpected, Code: CodeInternal, Stage: stage, Recoverable: true, Err: err}
}

// MessageAIUnavailable is shown when the AI stage fell back to rule output.
const MessageAIUnavailable = "Basic analysis complete. AI enhancement is temporarily unavailable."

// UserMessage returns the copy shown to users for a failure. It never
// exposes raw error text.
func UserMessage(err error) string {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = Classify("", err)
	}
	if pe == nil {
		return ""
	}
	switch pe.Kind {
	case KindMediaExtraction:
		switch pe.Code {
		case CodeMediaTooShort:
			return "Recording is shorter than the minimum duration. Please record a longer sample."
		case CodeMediaEmpty:
			return "The uploaded file is empty. Please record again."
		case CodeMediaNoAudio:
			return "We couldn't find any audio in this recording."
		case CodeMediaUnavailable:
			return "We couldn't load your recording. Please try again."
		default:
			return "We couldn't read this recording. Please try a different file."
		}
	case KindTranscription:
		switch pe.Code {
		case CodeSTTNoSpeech:
			return "We couldn't detect any speech in this recording."
		case CodeSTTTooFewWords:
			return "Not enough speech to analyze. Please speak for a little longer."
		case CodeSTTRateLimited, CodeSTTTimeout:
			return "Transcription is busy right now. Please try again in a few minutes."
		default:
			return "We couldn't transcribe this recording. Please try again later."
		}
	case KindAnalysis:
		return "We couldn't analyze this recording. Please try again."
	case KindAIProvider:
		return MessageAIUnavailable
	default:
		if pe.Code == CodeProcessingTimeout {
			return "Processing took too long. Please try again."
		}
		return "Something went wrong while analyzing your recording. Please try again."
	}
}
