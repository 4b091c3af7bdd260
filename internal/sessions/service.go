package sessions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/shared/storage/object"
	"speechcoach-backend/internal/shared/telemetry"
)

// StateExpired is reported to pollers for trial sessions past expires_at.
// It is never persisted.
const StateExpired = "expired"

// Service contains business logic for sessions outside of the pipeline run.
type Service struct {
	Repo            Repo
	Store           object.ObjectStore
	Queue           queue.Client
	TrialTTL        time.Duration
	DefaultLanguage string
	Now             func() time.Time
}

// CreateInput describes an uploaded recording.
type CreateInput struct {
	OwnerID           string
	Title             string
	Language          string
	MediaKind         string
	TargetDurationSec int
	Trial             bool
	FileName          string
	Body              io.Reader
}

// JobHandle identifies an enqueued processing run.
type JobHandle struct {
	SessionID  string    `json:"sessionId"`
	RequestID  string    `json:"requestId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// StatusView is what pollers see.
type StatusView struct {
	SessionID        string  `json:"sessionId"`
	ProcessingState  string  `json:"processing_state"`
	Completed        bool    `json:"completed"`
	IncompleteReason *string `json:"incomplete_reason,omitempty"`
	Progress         int     `json:"progress"`
	Stage            string  `json:"stage"`
	Phase            string  `json:"phase,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create stores the uploaded media and records a pending session.
func (s *Service) Create(ctx context.Context, in CreateInput) (Session, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return Session{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if in.Body == nil || strings.TrimSpace(in.FileName) == "" {
		return Session{}, fmt.Errorf("%w: media file is required", ErrInvalidInput)
	}
	mediaKind, err := ParseMediaKind(in.MediaKind)
	if err != nil {
		return Session{}, err
	}
	language := normalizeLanguage(in.Language, s.DefaultLanguage)

	key, size, mimeType, err := s.Store.Save(ctx, in.OwnerID, in.FileName, in.Body)
	if err != nil {
		return Session{}, fmt.Errorf("store media: %w", err)
	}

	now := s.now()
	session := Session{
		ID:                uuid.NewString(),
		Kind:              KindSession,
		OwnerID:           in.OwnerID,
		Title:             strings.TrimSpace(in.Title),
		Language:          language,
		MediaKind:         mediaKind,
		TargetDurationSec: in.TargetDurationSec,
		State:             StatePending,
		MediaKeys:         []string{key},
		StateChangedAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.Trial {
		ttl := s.TrialTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		expires := now.Add(ttl)
		session.Kind = KindTrial
		session.ExpiresAt = &expires
	}

	if err := s.Repo.Create(ctx, session); err != nil {
		return Session{}, err
	}

	telemetry.Info("session.created", map[string]any{
		"session_id": session.ID,
		"request_id": RequestIDFromContext(ctx),
		"kind":       session.Kind,
		"media_kind": session.MediaKind,
		"mime_type":  mimeType,
		"size_bytes": size,
	})
	return session, nil
}

// Enqueue schedules a processing run. Finished sessions are reset so the
// new run starts from pending; sessions with a run in flight are rejected.
func (s *Service) Enqueue(ctx context.Context, sessionID string, opts queue.ProcessOptions) (JobHandle, error) {
	if s.Queue == nil {
		return JobHandle{}, ErrJobQueueNotConfigured
	}
	session, err := s.Repo.GetByID(ctx, sessionID)
	if err != nil {
		return JobHandle{}, err
	}
	now := s.now()
	if session.Expired(now) {
		return JobHandle{}, ErrExpired
	}
	if len(session.MediaKeys) == 0 {
		return JobHandle{}, ErrNoMedia
	}
	if session.State.IsActive() {
		return JobHandle{}, ErrAlreadyProcessing
	}
	if session.State.IsTerminal() {
		if err := s.Repo.Reset(ctx, sessionID); err != nil {
			return JobHandle{}, err
		}
	}
	if opts.Language != "" {
		opts.Language = normalizeLanguage(opts.Language, session.Language)
	}

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	msg := queue.Message{
		SessionID:  sessionID,
		RequestID:  requestID,
		EnqueuedAt: now.Format(time.RFC3339Nano),
		Version:    queue.MessageVersion,
		Options:    opts,
	}
	if err := s.Queue.Send(ctx, msg); err != nil {
		telemetry.Error("session.enqueue_failed", map[string]any{
			"session_id": sessionID,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return JobHandle{}, fmt.Errorf("enqueue session: %w", err)
	}

	telemetry.Info("session.enqueued", map[string]any{
		"session_id":        sessionID,
		"request_id":        requestID,
		"status_transition": string(session.State) + "->" + string(StatePending),
		"skip_ai":           opts.SkipAI,
		"skip_embeddings":   opts.SkipEmbeddings,
	})
	return JobHandle{SessionID: sessionID, RequestID: requestID, EnqueuedAt: now}, nil
}

// Status reports the polling view of a session.
func (s *Service) Status(ctx context.Context, sessionID string) (StatusView, error) {
	session, err := s.Repo.GetByID(ctx, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		SessionID:        session.ID,
		ProcessingState:  string(session.State),
		Completed:        session.Completed,
		IncompleteReason: session.IncompleteReason,
		Progress:         session.Progress,
		Stage:            StageForProgress(session.Progress),
	}
	if session.Result != nil {
		view.Phase = session.Result.Phase
	}
	if session.Expired(s.now()) {
		view.ProcessingState = StateExpired
	}
	return view, nil
}

// Get returns a session with its issues.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, []Issue, error) {
	if sessionID == "" {
		return Session{}, nil, fmt.Errorf("%w: sessionID is required", ErrInvalidInput)
	}
	session, err := s.Repo.GetByID(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if session.Expired(s.now()) {
		return Session{}, nil, ErrExpired
	}
	issues, err := s.Repo.ListIssues(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	return session, issues, nil
}

func normalizeLanguage(raw, fallback string) string {
	lang := strings.ToLower(strings.TrimSpace(raw))
	if lang == "" {
		lang = strings.ToLower(strings.TrimSpace(fallback))
	}
	if lang == "" {
		return "en"
	}
	// Keep region subtags (pt-br) but normalise separators.
	return strings.ReplaceAll(lang, "_", "-")
}
