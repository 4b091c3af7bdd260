package workerproc

import (
	"context"
	"errors"
	"sync"
	"time"

	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/telemetry"
)

// LocalRunner is an in-process queue.Client for deployments without SQS.
// Jobs run on a bounded pool and follow the same retry policy as the worker.
type LocalRunner struct {
	processor Processor
	policy    RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewLocalRunner starts a runner bound to ctx. Cancelling ctx or calling
// Close stops retries; in-flight runs see a cancelled context.
func NewLocalRunner(ctx context.Context, processor Processor, policy RetryPolicy, concurrency int) *LocalRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &LocalRunner{
		processor: processor,
		policy:    policy,
		ctx:       runCtx,
		cancel:    cancel,
		sem:       make(chan struct{}, concurrency),
		sleep:     sleepCtx,
	}
}

// Send encodes msg and runs it asynchronously.
func (r *LocalRunner) Send(ctx context.Context, msg queue.Message) error {
	if err := r.ctx.Err(); err != nil {
		return errors.New("local runner stopped")
	}
	payload, err := queue.EncodeMessage(msg)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(string(payload), msg)
	}()
	return nil
}

func (r *LocalRunner) run(body string, msg queue.Message) {
	attempt := msg.Attempt
	if attempt < 1 {
		attempt = 1
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case r.sem <- struct{}{}:
		}
		metrics.IncJobsReceived()
		err := HandleMessage(r.ctx, r.processor, body)
		<-r.sem

		fields := map[string]any{
			"session_id": msg.SessionID,
			"request_id": msg.RequestID,
			"attempt":    attempt,
		}
		switch Decide(err) {
		case OutcomeDone:
			metrics.IncJobsCompleted()
			telemetry.Info("worker.session.completed", fields)
			return
		case OutcomeDiscard:
			metrics.IncJobsDiscarded()
			fields["error"] = err.Error()
			telemetry.Warn("worker.session.discarded", fields)
			return
		}

		metrics.IncJobsFailed()
		fields["error"] = err.Error()
		delay, ok := r.policy.Next(attempt)
		if !ok {
			telemetry.Error("worker.session.retries_exhausted", fields)
			return
		}
		metrics.IncJobRetry()
		fields["retry_in_ms"] = delay.Milliseconds()
		telemetry.Warn("worker.session.retry_scheduled", fields)
		if !r.sleep(r.ctx, delay) {
			return
		}
		attempt++
	}
}

// Wait blocks until every submitted job has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// Close stops pending retries and waits up to timeout for running jobs.
func (r *LocalRunner) Close(timeout time.Duration) {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		telemetry.Warn("worker.local.shutdown_timeout", nil)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ queue.Client = (*LocalRunner)(nil)
