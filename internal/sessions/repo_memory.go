package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo stores sessions in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu         sync.RWMutex
	byID       map[string]Session
	issues     map[string][]Issue
	embeddings map[string][]Embedding
	now        func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:       make(map[string]Session),
		issues:     make(map[string][]Issue),
		embeddings: make(map[string][]Embedding),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the session.
func (r *MemoryRepo) Create(ctx context.Context, session Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.StateChangedAt.IsZero() {
		session.StateChangedAt = now
	}
	session.UpdatedAt = now
	if session.State == "" {
		session.State = StatePending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[session.ID] = cloneSession(session)
	return nil
}

// GetByID returns a session by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(session), nil
}

// Transition applies a forward state change plus patch atomically.
func (r *MemoryRepo) Transition(ctx context.Context, sessionID string, from, to State, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if err := validatePatch(to, patch); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.State != from {
		return ErrInvalidTransition
	}

	now := r.now()
	session.State = to
	session.StateChangedAt = now
	session.UpdatedAt = now
	switch to {
	case StateProcessing:
		session.RunCount++
	case StateCompleted:
		session.Completed = true
		session.IncompleteReason = nil
		session.ErrorCode = nil
		session.ProcessedAt = &now
	case StateFailed:
		session.Completed = false
		session.ProcessedAt = &now
	}
	if patch.Result != nil {
		res := *patch.Result
		session.Result = &res
	}
	if patch.IncompleteReason != nil {
		reason := *patch.IncompleteReason
		session.IncompleteReason = &reason
	}
	if patch.ErrorCode != nil {
		code := *patch.ErrorCode
		session.ErrorCode = &code
	}
	if patch.Progress != nil {
		session.Progress = *patch.Progress
	}
	if patch.ActualDurationMs != nil {
		session.ActualDurationMs = *patch.ActualDurationMs
	}
	if patch.ReplaceIssues {
		r.issues[sessionID] = withIssueIDs(patch.Issues)
	}
	r.byID[sessionID] = session
	return nil
}

// Reset moves a session back to pending for a fresh run and forgets the
// previous run's issues and embeddings.
func (r *MemoryRepo) Reset(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := r.now()
	session.State = StatePending
	session.Completed = false
	session.IncompleteReason = nil
	session.ErrorCode = nil
	session.Progress = ProgressQueued
	session.Result = nil
	session.StateChangedAt = now
	session.UpdatedAt = now
	r.byID[sessionID] = session
	delete(r.issues, sessionID)
	delete(r.embeddings, sessionID)
	return nil
}

// SaveProgress records the coarse progress percentage.
func (r *MemoryRepo) SaveProgress(ctx context.Context, sessionID string, progress int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Progress = progress
	session.UpdatedAt = r.now()
	r.byID[sessionID] = session
	return nil
}

// ReplaceIssues swaps the full issue list for a session.
func (r *MemoryRepo) ReplaceIssues(ctx context.Context, sessionID string, issues []Issue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateIssues(issues); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sessionID]; !ok {
		return ErrNotFound
	}
	r.issues[sessionID] = withIssueIDs(issues)
	return nil
}

// ListIssues returns the session's issues in stored order.
func (r *MemoryRepo) ListIssues(ctx context.Context, sessionID string) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byID[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Issue{}, r.issues[sessionID]...), nil
}

// ListStuck returns in-flight sessions whose state has not changed since changedBefore.
func (r *MemoryRepo) ListStuck(ctx context.Context, changedBefore time.Time, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Session
	for _, s := range r.byID {
		if s.State.IsActive() && s.StateChangedAt.Before(changedBefore) {
			out = append(out, cloneSession(s))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StateChangedAt.Before(out[j].StateChangedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcquireLease takes the per-session run lease if it is free, expired, or already ours.
func (r *MemoryRepo) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := r.now()
	if session.LeaseActive(now) && session.LeaseOwner != owner {
		return ErrLeaseHeld
	}
	expires := now.Add(ttl)
	session.LeaseOwner = owner
	session.LeaseExpiresAt = &expires
	r.byID[sessionID] = session
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (r *MemoryRepo) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.LeaseOwner != owner {
		return nil
	}
	session.LeaseOwner = ""
	session.LeaseExpiresAt = nil
	r.byID[sessionID] = session
	return nil
}

// ClearMedia forgets the session's media keys after the blobs are deleted.
func (r *MemoryRepo) ClearMedia(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.MediaKeys = nil
	session.UpdatedAt = r.now()
	r.byID[sessionID] = session
	return nil
}

// SaveEmbeddings replaces the session's embedding vectors.
func (r *MemoryRepo) SaveEmbeddings(ctx context.Context, sessionID string, embeddings []Embedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sessionID]; !ok {
		return ErrNotFound
	}
	r.embeddings[sessionID] = append([]Embedding{}, embeddings...)
	return nil
}

// Embeddings returns stored vectors; used by tests and local tooling.
func (r *MemoryRepo) Embeddings(sessionID string) []Embedding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Embedding{}, r.embeddings[sessionID]...)
}

func withIssueIDs(issues []Issue) []Issue {
	out := make([]Issue, len(issues))
	for i, issue := range issues {
		if issue.ID == "" {
			issue.ID = uuid.NewString()
		}
		out[i] = issue
	}
	return out
}

func cloneSession(s Session) Session {
	if s.MediaKeys != nil {
		s.MediaKeys = append([]string(nil), s.MediaKeys...)
	}
	if s.Result != nil {
		res := *s.Result
		s.Result = &res
	}
	return s
}

var _ Repo = (*MemoryRepo)(nil)
