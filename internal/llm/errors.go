package llm

import (
	"fmt"
	"net/http"
)

// Provider error kinds.
const (
	KindTimeout     = "timeout"
	KindRateLimited = "rate_limited"
	KindServer      = "server_error"
	KindAuth        = "auth"
	KindBadRequest  = "bad_request"
	KindBadResponse = "bad_response"
)

// ProviderError describes a failed provider call.
type ProviderError struct {
	Provider   string
	Kind       string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorForStatus classifies an HTTP status returned by a provider.
func ErrorForStatus(provider string, status int, message string) *ProviderError {
	e := &ProviderError{Provider: provider, StatusCode: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind, e.Retryable = KindRateLimited, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind, e.Retryable = KindTimeout, true
	case status >= 500:
		e.Kind, e.Retryable = KindServer, true
	default:
		e.Kind = KindBadRequest
	}
	return e
}
