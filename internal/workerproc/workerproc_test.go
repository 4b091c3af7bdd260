package workerproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speechcoach-backend/internal/pipeline"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/sessions"
)

type fakeProcessor struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	ids       []string
	requestID string
	opts      queue.ProcessOptions
}

func (f *fakeProcessor) Process(ctx context.Context, sessionID string, opts queue.ProcessOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ids = append(f.ids, sessionID)
	f.requestID = sessions.RequestIDFromContext(ctx)
	f.opts = opts
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestParseMessage(t *testing.T) {
	if _, _, err := ParseMessage("  "); !errors.As(err, &ErrEmptyBody{}) {
		t.Fatalf("expected empty body error, got %v", err)
	}
	_, meta, err := ParseMessage("{not json")
	var decodeErr ErrDecode
	if !errors.As(err, &decodeErr) || meta.BodySHA == "" || meta.BodyLen != 9 {
		t.Fatalf("expected decode error with meta, got %v %+v", err, meta)
	}
	_, _, err = ParseMessage(`{"requestId":"r1"}`)
	var missing ErrMissingSessionID
	if !errors.As(err, &missing) || missing.RequestID != "r1" {
		t.Fatalf("expected missing id error, got %v", err)
	}
	msg, _, err := ParseMessage(`{"sessionId":"s1","requestId":"r1","options":{"skipAi":true}}`)
	if err != nil || msg.SessionID != "s1" || !msg.Options.SkipAI {
		t.Fatalf("unexpected parse result: %+v %v", msg, err)
	}
}

func TestHandleMessagePassesRequestAndOptions(t *testing.T) {
	p := &fakeProcessor{}
	if err := HandleMessage(context.Background(), p, `{"sessionId":"s1","requestId":"req-9","options":{"skipEmbeddings":true}}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p.requestID != "req-9" || !p.opts.SkipEmbeddings || p.ids[0] != "s1" {
		t.Fatalf("unexpected call: %+v", p)
	}
}

func TestHandleMessageUsesParsedMessageFromContext(t *testing.T) {
	p := &fakeProcessor{}
	ctx := WithParsedMessage(context.Background(), queue.Message{SessionID: "from-ctx"})
	if err := HandleMessage(ctx, p, "ignored"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p.ids[0] != "from-ctx" {
		t.Fatalf("expected parsed message to be reused, got %v", p.ids)
	}
}

func TestDecide(t *testing.T) {
	body := `{"sessionId":"s1"}`
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"success", nil, OutcomeDone},
		{"duplicate", sessions.ErrAlreadyCompleted, OutcomeDiscard},
		{"lease held", sessions.ErrLeaseHeld, OutcomeDiscard},
		{"expired", sessions.ErrExpired, OutcomeDiscard},
		{"recoverable", &pipeline.Error{Kind: pipeline.KindTranscription, Recoverable: true}, OutcomeRetry},
		{"fatal", &pipeline.Error{Kind: pipeline.KindMediaExtraction, Code: pipeline.CodeMediaTooShort}, OutcomeDiscard},
		{"infrastructure", errors.New("connection reset"), OutcomeRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProcessor{}
			if tc.err != nil {
				p.errs = []error{tc.err}
			}
			got := Decide(HandleMessage(context.Background(), p, body))
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
	if Decide(ErrDecode{}) != OutcomeDiscard {
		t.Fatalf("payload errors must be discarded")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, w := range want {
		got, ok := p.Next(i + 1)
		if !ok || got != w {
			t.Fatalf("attempt %d: got %s %v, want %s", i+1, got, ok, w)
		}
	}
	if _, ok := p.Next(4); ok {
		t.Fatalf("expected attempt budget to be spent")
	}
	if _, ok := (RetryPolicy{}).Next(1); ok {
		t.Fatalf("zero policy must not retry")
	}
}

func TestLocalRunnerRetriesRecoverableFailures(t *testing.T) {
	p := &fakeProcessor{errs: []error{
		&pipeline.Error{Kind: pipeline.KindTranscription, Recoverable: true},
	}}
	r := NewLocalRunner(context.Background(), p, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, 1)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	if err := r.Send(context.Background(), queue.Message{SessionID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	r.Wait()
	if p.callCount() != 2 || len(slept) != 1 {
		t.Fatalf("expected one retry, got calls=%d sleeps=%d", p.callCount(), len(slept))
	}
}

func TestLocalRunnerStopsAfterBudget(t *testing.T) {
	recoverable := &pipeline.Error{Kind: pipeline.KindUnexpected, Recoverable: true}
	p := &fakeProcessor{errs: []error{recoverable, recoverable, recoverable, recoverable}}
	r := NewLocalRunner(context.Background(), p, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, 2)
	r.sleep = func(context.Context, time.Duration) bool { return true }
	_ = r.Send(context.Background(), queue.Message{SessionID: "s1"})
	r.Wait()
	if p.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", p.callCount())
	}
}

func TestLocalRunnerRejectsAfterClose(t *testing.T) {
	r := NewLocalRunner(context.Background(), &fakeProcessor{}, DefaultRetryPolicy(), 1)
	r.Close(time.Second)
	if err := r.Send(context.Background(), queue.Message{SessionID: "s1"}); err == nil {
		t.Fatalf("expected send to fail after close")
	}
}
