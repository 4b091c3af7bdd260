package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"speechcoach-backend/internal/shared/telemetry"
)

const retryBaseDelay = 300 * time.Millisecond

// Retrying retries a provider call once on transient failures.
type Retrying struct {
	Base  Client
	Delay time.Duration
}

// NewRetrying wraps base; it returns nil when base is nil.
func NewRetrying(base Client) Client {
	if base == nil {
		return nil
	}
	return Retrying{Base: base, Delay: retryBaseDelay}
}

func (r Retrying) CompleteJSON(ctx context.Context, prompt Prompt) (json.RawMessage, error) {
	resp, err := r.Base.CompleteJSON(ctx, prompt)
	if err == nil || !ShouldRetry(err) || ctx.Err() != nil {
		return resp, err
	}

	telemetry.Warn("llm.retry", map[string]any{
		"attempt":        1,
		"prompt_version": prompt.Version,
		"error":          err.Error(),
	})
	select {
	case <-time.After(r.Delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.Base.CompleteJSON(ctx, prompt)
}

// ShouldRetry reports whether err looks transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "unexpected eof")
}
