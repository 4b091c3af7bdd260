package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"speechcoach-backend/internal/pipeline"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/sessions"
)

// Processor runs the analysis pipeline for one session.
type Processor interface {
	Process(ctx context.Context, sessionID string, opts queue.ProcessOptions) error
}

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingSessionID indicates a message missing the session id.
type ErrMissingSessionID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingSessionID) Error() string { return "missing session id" }

// ErrProcess indicates processing failed after successful parsing.
// Retryable is false when another delivery cannot change the outcome.
type ErrProcess struct {
	SessionID string
	RequestID string
	Retryable bool
	Discarded bool
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process session"
	}
	return "process session: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Outcome is what the queue consumer should do with a message.
type Outcome int

const (
	// OutcomeDone deletes the message after a successful run.
	OutcomeDone Outcome = iota
	// OutcomeDiscard deletes the message without a successful run.
	OutcomeDiscard
	// OutcomeRetry leaves the message for redelivery.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeDiscard:
		return "discard"
	default:
		return "retry"
	}
}

// Decide maps a HandleMessage error to a queue outcome.
func Decide(err error) Outcome {
	if err == nil {
		return OutcomeDone
	}
	var procErr ErrProcess
	if errors.As(err, &procErr) {
		if procErr.Retryable {
			return OutcomeRetry
		}
		return OutcomeDiscard
	}
	// Payload errors never get better on redelivery.
	return OutcomeDiscard
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return msg, meta, ErrMissingSessionID{Meta: meta, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, processor Processor, body string) error {
	if processor == nil {
		return errors.New("session processor not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if strings.TrimSpace(msg.SessionID) == "" {
		return ErrMissingSessionID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	ctxWithRequest := sessions.WithRequestID(ctx, msg.RequestID)
	if err := processor.Process(ctxWithRequest, msg.SessionID, msg.Options); err != nil {
		discarded := pipeline.Discardable(err)
		return ErrProcess{
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
			Retryable: !discarded && retryable(err),
			Discarded: discarded,
			Err:       err,
		}
	}
	return nil
}

// retryable trusts the pipeline's classification. Errors that never reached
// the pipeline's failure path, such as a lost database connection, are
// retried.
func retryable(err error) bool {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return !errors.Is(err, context.Canceled)
}
