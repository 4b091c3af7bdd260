package pipeline

import (
	"context"
	"time"

	"speechcoach-backend/internal/shared/telemetry"
)

// Report describes an unexpected failure.
type Report struct {
	SessionID string
	RequestID string
	Stage     string
	Elapsed   time.Duration
	Err       *Error
}

// ErrorReporter receives unexpected pipeline failures, for example to
// forward them to an error tracker.
type ErrorReporter interface {
	Report(ctx context.Context, r Report)
}

// LogReporter writes reports to the structured log.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, r Report) {
	fields := map[string]any{
		"session_id": r.SessionID,
		"request_id": r.RequestID,
		"stage":      r.Stage,
		"elapsed_ms": r.Elapsed.Milliseconds(),
	}
	if r.Err != nil {
		fields["error_kind"] = string(r.Err.Kind)
		fields["error_code"] = r.Err.Code
		fields["recoverable"] = r.Err.Recoverable
		fields["error"] = sanitizeError(r.Err)
	}
	telemetry.Error("pipeline.unexpected_error", fields)
}
