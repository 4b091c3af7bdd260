package sessions

import (
	"context"
	"time"
)

// Patch carries the fields written together with a state transition.
// Nil fields are left unchanged.
type Patch struct {
	Result           *AnalysisResult
	IncompleteReason *string
	ErrorCode        *string
	Progress         *int
	ActualDurationMs *int64
	// When ReplaceIssues is set the session's issues are swapped for Issues
	// in the same transaction as the state change.
	ReplaceIssues bool
	Issues        []Issue
}

// Repo defines persistence operations for sessions and their issues.
type Repo interface {
	Create(ctx context.Context, session Session) error
	GetByID(ctx context.Context, sessionID string) (Session, error)
	// Transition moves the session forward in its state machine and applies
	// the patch atomically. It returns ErrInvalidTransition when the current
	// state does not allow the move.
	Transition(ctx context.Context, sessionID string, from, to State, patch Patch) error
	// Reset starts a fresh run: state pending, completion flags cleared,
	// previous issues and embeddings removed.
	Reset(ctx context.Context, sessionID string) error
	SaveProgress(ctx context.Context, sessionID string, progress int) error
	ReplaceIssues(ctx context.Context, sessionID string, issues []Issue) error
	ListIssues(ctx context.Context, sessionID string) ([]Issue, error)
	ListStuck(ctx context.Context, changedBefore time.Time, limit int) ([]Session, error)
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, sessionID, owner string) error
	ClearMedia(ctx context.Context, sessionID string) error
	SaveEmbeddings(ctx context.Context, sessionID string, embeddings []Embedding) error
}

// validatePatch applies the persistence invariants shared by every Repo.
func validatePatch(to State, patch Patch) error {
	if patch.ReplaceIssues {
		if err := ValidateIssues(patch.Issues); err != nil {
			return err
		}
	}
	if err := patch.Result.Validate(); err != nil {
		return err
	}
	switch to {
	case StateCompleted:
		if patch.Result == nil {
			return ErrInvalidResult
		}
	case StateFailed:
		if patch.IncompleteReason == nil || *patch.IncompleteReason == "" {
			return ErrInvalidTransition
		}
	}
	return nil
}
