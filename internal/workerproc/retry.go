package workerproc

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how quickly a failed job is redelivered.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows three attempts with 15s, 30s spacing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 15 * time.Second, MaxDelay: 5 * time.Minute}
}

// Next returns the delay before the next attempt, given how many attempts
// have already run. ok is false when the attempt budget is spent.
func (p RetryPolicy) Next(attempts int) (delay time.Duration, ok bool) {
	if attempts < 1 {
		attempts = 1
	}
	if p.MaxAttempts <= 0 || attempts >= p.MaxAttempts {
		return 0, false
	}
	b := p.backoff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
