package media

import "fmt"

// Error codes returned by the extractor.
const (
	CodeTooShort    = "too_short"
	CodeEmptyFile   = "empty_file"
	CodeCorrupted   = "corrupted"
	CodeNoAudio     = "no_audio"
	CodeUnavailable = "unavailable"
)

// Error is a classified extraction failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("media %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
