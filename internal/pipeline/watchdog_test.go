package pipeline

import (
	"context"
	"testing"
	"time"

	"speechcoach-backend/internal/sessions"
)

func TestWatchdogSweepFailsStuckSessions(t *testing.T) {
	ctx := context.Background()
	repo := sessions.NewMemoryRepo()
	create := func(id string, state sessions.State) {
		t.Helper()
		if err := repo.Create(ctx, sessions.Session{ID: id, Kind: sessions.KindSession, OwnerID: "u1", State: state}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	create("stuck-processing", sessions.StateProcessing)
	create("stuck-ai", sessions.StateAIAnalyzing)
	create("leased", sessions.StateProcessing)
	create("done", sessions.StateCompleted)
	create("queued", sessions.StatePending)
	if err := repo.AcquireLease(ctx, "leased", "worker-1", 3*time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	reporter := &recordingReporter{}
	w := &Watchdog{
		Repo:       repo,
		StuckAfter: 20 * time.Minute,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
		Reporter:   reporter,
	}
	reaped, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 2 {
		t.Fatalf("expected 2 reaped, got %d", reaped)
	}
	for _, id := range []string{"stuck-processing", "stuck-ai"} {
		s, _ := repo.GetByID(ctx, id)
		if s.State != sessions.StateFailed || s.ErrorCode == nil || *s.ErrorCode != CodeProcessingTimeout {
			t.Fatalf("%s not failed: %s", id, s.State)
		}
		if s.IncompleteReason == nil || *s.IncompleteReason == "" {
			t.Fatalf("%s missing reason", id)
		}
	}
	for id, want := range map[string]sessions.State{
		"leased": sessions.StateProcessing,
		"done":   sessions.StateCompleted,
		"queued": sessions.StatePending,
	} {
		s, _ := repo.GetByID(ctx, id)
		if s.State != want {
			t.Fatalf("%s changed to %s", id, s.State)
		}
	}
	if len(reporter.reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reporter.reports))
	}
}

func TestWatchdogIgnoresRecentSessions(t *testing.T) {
	ctx := context.Background()
	repo := sessions.NewMemoryRepo()
	if err := repo.Create(ctx, sessions.Session{ID: "fresh", OwnerID: "u1", State: sessions.StateProcessing}); err != nil {
		t.Fatalf("create: %v", err)
	}
	w := &Watchdog{Repo: repo, Reporter: &recordingReporter{}}
	reaped, err := w.Sweep(ctx)
	if err != nil || reaped != 0 {
		t.Fatalf("expected nothing reaped, got %d %v", reaped, err)
	}
}

func TestWatchdogStartRejectsBadSchedule(t *testing.T) {
	w := &Watchdog{Repo: sessions.NewMemoryRepo(), Schedule: "not a cron schedule"}
	if err := w.Start(); err == nil {
		t.Fatalf("expected schedule error")
	}
	w.Stop()

	ok := &Watchdog{Repo: sessions.NewMemoryRepo(), Schedule: "@every 1h"}
	if err := ok.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ok.Stop()
}
