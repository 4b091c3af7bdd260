package sessions

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrExpired               = errors.New("session expired")
	ErrLeaseHeld             = errors.New("session lease held by another run")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrAlreadyProcessing     = errors.New("session already processing")
	ErrAlreadyCompleted      = errors.New("session already completed")
	ErrInvalidIssue          = errors.New("invalid issue")
	ErrInvalidResult         = errors.New("invalid analysis result")
	ErrNoMedia               = errors.New("session has no media")
	ErrJobQueueNotConfigured = errors.New("job queue not configured")
)

const (
	ErrorCodeValidation = "VALIDATION_ERROR"
	ErrorCodeStorage    = "STORAGE_ERROR"
	ErrorCodeQueue      = "QUEUE_ERROR"
	ErrorCodeTimeout    = "PROCESSING_TIMEOUT"
	ErrorCodeInternal   = "INTERNAL_ERROR"
)
