package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/telemetry"
)

const (
	defaultStuckAfter    = 20 * time.Minute
	defaultSweepLimit    = 50
	defaultSweepSchedule = "0 */2 * * * *"
	watchdogStopTimeout  = 10 * time.Second
)

// Watchdog fails sessions that have sat in an in-flight state longer than
// StuckAfter without a live lease. Workers that crash mid-run leave such
// sessions behind; nothing else would ever finish them.
type Watchdog struct {
	Repo       sessions.Repo
	StuckAfter time.Duration
	Limit      int
	// Schedule is a six-field cron expression (seconds first).
	Schedule string
	Now      func() time.Time
	Reporter ErrorReporter

	cron *cron.Cron
}

// Run implements cron.Job.
func (w *Watchdog) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := w.Sweep(ctx); err != nil {
		telemetry.Error("watchdog.sweep_failed", map[string]any{"error": err.Error()})
	}
}

// Sweep fails every stuck session it finds and returns how many it reaped.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	cutoff := now.Add(-w.stuckAfter())
	stuck, err := w.Repo.ListStuck(ctx, cutoff, w.limit())
	if err != nil {
		return 0, fmt.Errorf("list stuck sessions: %w", err)
	}

	reaped := 0
	for _, s := range stuck {
		if s.LeaseActive(now) {
			continue
		}
		pe := &Error{
			Kind:        KindUnexpected,
			Code:        CodeProcessingTimeout,
			Stage:       "watchdog",
			Recoverable: true,
			Err:         context.DeadlineExceeded,
		}
		reason := UserMessage(pe)
		code := pe.Code
		patch := sessions.Patch{IncompleteReason: &reason, ErrorCode: &code}
		if err := w.Repo.Transition(ctx, s.ID, s.State, sessions.StateFailed, patch); err != nil {
			// The run moved on between the listing and the write.
			telemetry.Warn("watchdog.transition_skipped", map[string]any{
				"session_id": s.ID,
				"state":      s.State,
				"error":      err.Error(),
			})
			continue
		}
		reaped++
		stuckFor := now.Sub(s.StateChangedAt)
		telemetry.Warn("pipeline.status", map[string]any{
			"session_id":        s.ID,
			"status":            sessions.StateFailed,
			"status_transition": string(s.State) + "->" + string(sessions.StateFailed),
			"error_code":        code,
			"stuck_ms":          stuckFor.Milliseconds(),
		})
		w.reporter().Report(ctx, Report{SessionID: s.ID, Stage: pe.Stage, Elapsed: stuckFor, Err: pe})
	}
	if reaped > 0 {
		metrics.IncWatchdogReaped(reaped)
	}
	return reaped, nil
}

// Start schedules Sweep on the watchdog's cron schedule.
func (w *Watchdog) Start() error {
	schedule := w.Schedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddJob(schedule, w); err != nil {
		return fmt.Errorf("schedule watchdog %q: %w", schedule, err)
	}
	w.cron = c
	c.Start()
	telemetry.Info("watchdog.started", map[string]any{
		"schedule":    schedule,
		"stuck_after": w.stuckAfter().String(),
	})
	return nil
}

// Stop waits for a running sweep to finish, up to a short timeout.
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	ctx := w.cron.Stop()
	select {
	case <-ctx.Done():
		telemetry.Info("watchdog.stopped", nil)
	case <-time.After(watchdogStopTimeout):
		telemetry.Warn("watchdog.stop_timeout", nil)
	}
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Watchdog) stuckAfter() time.Duration {
	if w.StuckAfter > 0 {
		return w.StuckAfter
	}
	return defaultStuckAfter
}

func (w *Watchdog) limit() int {
	if w.Limit > 0 {
		return w.Limit
	}
	return defaultSweepLimit
}

func (w *Watchdog) reporter() ErrorReporter {
	if w.Reporter != nil {
		return w.Reporter
	}
	return LogReporter{}
}
