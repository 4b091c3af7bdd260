package transcription

import "fmt"

// Error codes for transcription failures.
const (
	CodeRateLimited       = "rate_limited"
	CodeAuthFailure       = "auth_failure"
	CodeEmptyTranscript   = "empty_transcript"
	CodeInsufficientWords = "insufficient_words"
	CodeTimeout           = "timeout"
	CodeProvider          = "provider"
)

// Error is a classified transcription failure. Retryable marks failures a
// later job attempt may get past.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transcription %s: %s", e.Code, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
