package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreate(t *testing.T) {
	repo, mock := newMockRepo(t)
	expires := time.Now().UTC().Add(24 * time.Hour)
	session := Session{
		ID:        "s-1",
		Kind:      KindTrial,
		OwnerID:   "guest:abc",
		Title:     "Pitch",
		Language:  "en",
		MediaKind: MediaAudio,
		ExpiresAt: &expires,
		MediaKeys: []string{"media/abc/take.m4a"},
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			"s-1",
			"trial",
			"guest:abc",
			"Pitch",
			"en",
			"audio",
			int64(0),
			"pending",
			expires,
			`["media/abc/take.m4a"]`,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoTransitionReplacesIssuesInSameTx(t *testing.T) {
	repo, mock := newMockRepo(t)
	result := &AnalysisResult{Transcript: "um hello"}
	issues := []Issue{{Kind: IssueFillerWord, StartMs: 100, EndMs: 300, Text: "um", Source: SourceAI, Severity: SeverityLow, Category: CategoryFluency}}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT processing_state FROM sessions").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"processing_state"}).AddRow("ai_analyzing"))
	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("s-1", "completed", true, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, true, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM session_issues").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO session_issues").
		WithArgs(sqlmock.AnyArg(), "s-1", int64(0), "filler_word", int64(100), int64(300), "um", "ai", "low", "fluency", nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	progress := ProgressComplete
	err := repo.Transition(context.Background(), "s-1", StateAIAnalyzing, StateCompleted, Patch{
		Result:        result,
		Progress:      &progress,
		ReplaceIssues: true,
		Issues:        issues,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoTransitionRejectsRegression(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT processing_state FROM sessions").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"processing_state"}).AddRow("failed"))
	mock.ExpectRollback()

	reason := "boom"
	err := repo.Transition(context.Background(), "s-1", StateProcessing, StateFailed, Patch{IncompleteReason: &reason})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoReplaceIssuesRejectsInvalidBeforeSQL(t *testing.T) {
	repo, mock := newMockRepo(t)
	err := repo.ReplaceIssues(context.Background(), "s-1", []Issue{{Kind: IssueLongPause, StartMs: 500, EndMs: 500}})
	if !errors.Is(err, ErrInvalidIssue) {
		t.Fatalf("expected ErrInvalidIssue, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no SQL expected: %v", err)
	}
}

func TestPGRepoAcquireLeaseHeld(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE sessions SET lease_owner").
		WithArgs("s-1", "worker-b", float64(60)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := repo.AcquireLease(context.Background(), "s-1", "worker-b", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT id, kind").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoGetByIDDecodesResult(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	cols := []string{
		"id", "kind", "owner_id", "title", "language", "media_kind", "target_duration_sec", "actual_duration_ms",
		"processing_state", "completed", "incomplete_reason", "error_code", "processed_at", "expires_at", "media_keys",
		"analysis_result", "progress", "run_count", "lease_owner", "lease_expires_at", "state_changed_at", "created_at", "updated_at",
	}
	mock.ExpectQuery("SELECT id, kind").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"s-1", "session", "user:1", "Pitch", "en", "audio", 60, 31000,
			"completed", true, nil, nil, now, nil, `["k1"]`,
			`{"transcript":"hello","overall_scores":{"overall_score":0.81}}`, 100, 1, nil, nil, now, now, now,
		))

	s, err := repo.GetByID(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if s.State != StateCompleted || !s.Completed {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.Result == nil || s.Result.OverallScores.OverallScore != 0.81 {
		t.Fatalf("expected decoded result, got %+v", s.Result)
	}
	if len(s.MediaKeys) != 1 || s.MediaKeys[0] != "k1" {
		t.Fatalf("unexpected media keys %v", s.MediaKeys)
	}
}

func TestPGRepoResetDropsPreviousRunRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM session_issues").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM session_embeddings").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.Reset(context.Background(), "s-1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoResetMissingSessionRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions SET").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := repo.Reset(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
