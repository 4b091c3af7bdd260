package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const sessionColumns = `id, kind, owner_id, title, language, media_kind, target_duration_sec, actual_duration_ms,
       processing_state, completed, incomplete_reason, error_code, processed_at, expires_at, media_keys,
       analysis_result, progress, run_count, lease_owner, lease_expires_at, state_changed_at, created_at, updated_at`

// Create inserts a new session.
func (r *PGRepo) Create(ctx context.Context, session Session) error {
	const query = `
INSERT INTO sessions (
	id, kind, owner_id, title, language, media_kind, target_duration_sec, processing_state,
	expires_at, media_keys, created_at, updated_at, state_changed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $11)`
	keys, err := json.Marshal(nonNilKeys(session.MediaKeys))
	if err != nil {
		return err
	}
	state := session.State
	if state == "" {
		state = StatePending
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.DB.ExecContext(ctx, query,
		session.ID,
		string(session.Kind),
		session.OwnerID,
		session.Title,
		session.Language,
		string(session.MediaKind),
		session.TargetDurationSec,
		string(state),
		nullTime(session.ExpiresAt),
		string(keys),
		createdAt,
	)
	return err
}

// GetByID returns a session by ID.
func (r *PGRepo) GetByID(ctx context.Context, sessionID string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 LIMIT 1`
	s, err := scanSession(r.DB.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// Transition applies a forward state change plus patch in one transaction.
func (r *PGRepo) Transition(ctx context.Context, sessionID string, from, to State, patch Patch) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if err := validatePatch(to, patch); err != nil {
		return err
	}

	var resultPayload any
	if patch.Result != nil {
		data, err := json.Marshal(patch.Result)
		if err != nil {
			return fmt.Errorf("marshal analysis result: %w", err)
		}
		resultPayload = string(data)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT processing_state FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if State(current) != from {
		return ErrInvalidTransition
	}

	const update = `
UPDATE sessions SET
	processing_state = $2,
	completed = $3,
	incomplete_reason = CASE WHEN $3 THEN NULL ELSE COALESCE($4, incomplete_reason) END,
	error_code = CASE WHEN $3 THEN NULL ELSE COALESCE($5, error_code) END,
	analysis_result = COALESCE($6::jsonb, analysis_result),
	progress = COALESCE($7, progress),
	actual_duration_ms = COALESCE($8, actual_duration_ms),
	processed_at = CASE WHEN $9 THEN NOW() ELSE processed_at END,
	run_count = run_count + $10,
	state_changed_at = NOW(),
	updated_at = NOW()
WHERE id = $1`
	runIncrement := 0
	if to == StateProcessing {
		runIncrement = 1
	}
	if _, err := tx.ExecContext(ctx, update,
		sessionID,
		string(to),
		to == StateCompleted,
		nullString(patch.IncompleteReason),
		nullString(patch.ErrorCode),
		resultPayload,
		nullInt(patch.Progress),
		nullInt64(patch.ActualDurationMs),
		to.IsTerminal(),
		runIncrement,
	); err != nil {
		return err
	}

	if patch.ReplaceIssues {
		if err := replaceIssuesTx(ctx, tx, sessionID, patch.Issues); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reset moves a session back to pending for a fresh run and drops the
// previous run's issues and embeddings in the same transaction.
func (r *PGRepo) Reset(ctx context.Context, sessionID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
UPDATE sessions SET
	processing_state = 'pending',
	completed = FALSE,
	incomplete_reason = NULL,
	error_code = NULL,
	analysis_result = NULL,
	progress = 0,
	state_changed_at = NOW(),
	updated_at = NOW()
WHERE id = $1`
	if err := expectOneRow(tx.ExecContext(ctx, query, sessionID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_issues WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_embeddings WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveProgress records the coarse progress percentage.
func (r *PGRepo) SaveProgress(ctx context.Context, sessionID string, progress int) error {
	return expectOneRow(r.DB.ExecContext(ctx, `UPDATE sessions SET progress = $2, updated_at = NOW() WHERE id = $1`, sessionID, progress))
}

// ReplaceIssues swaps the full issue list for a session atomically.
func (r *PGRepo) ReplaceIssues(ctx context.Context, sessionID string, issues []Issue) error {
	if err := ValidateIssues(issues); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := replaceIssuesTx(ctx, tx, sessionID, issues); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceIssuesTx(ctx context.Context, tx *sql.Tx, sessionID string, issues []Issue) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_issues WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	const insert = `
INSERT INTO session_issues (
	id, session_id, position, kind, start_ms, end_ms, text, source, severity, category, rationale, tip, confidence
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	for pos, issue := range issues {
		id := issue.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, insert,
			id,
			sessionID,
			pos,
			string(issue.Kind),
			issue.StartMs,
			issue.EndMs,
			issue.Text,
			string(issue.Source),
			string(issue.Severity),
			string(issue.Category),
			emptyToNull(issue.Rationale),
			emptyToNull(issue.Tip),
			nullFloat(issue.Confidence),
		); err != nil {
			return err
		}
	}
	return nil
}

// ListIssues returns the session's issues in stored order.
func (r *PGRepo) ListIssues(ctx context.Context, sessionID string) ([]Issue, error) {
	const query = `
SELECT id, kind, start_ms, end_ms, text, source, severity, category, rationale, tip, confidence
FROM session_issues
WHERE session_id = $1
ORDER BY position ASC`
	rows, err := r.DB.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Issue{}
	for rows.Next() {
		var issue Issue
		var kind, source, severity, category string
		var rationale, tip sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&issue.ID, &kind, &issue.StartMs, &issue.EndMs, &issue.Text, &source, &severity, &category, &rationale, &tip, &confidence); err != nil {
			return nil, err
		}
		issue.Kind = IssueKind(kind)
		issue.Source = Source(source)
		issue.Severity = Severity(severity)
		issue.Category = Category(category)
		issue.Rationale = rationale.String
		issue.Tip = tip.String
		if confidence.Valid {
			v := confidence.Float64
			issue.Confidence = &v
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// ListStuck returns in-flight sessions whose state has not changed since changedBefore.
func (r *PGRepo) ListStuck(ctx context.Context, changedBefore time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + `
FROM sessions
WHERE processing_state IN ('processing', 'preview_ready', 'ai_analyzing') AND state_changed_at < $1
ORDER BY state_changed_at ASC
LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, changedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AcquireLease takes the per-session run lease if it is free, expired, or already ours.
func (r *PGRepo) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	const query = `
UPDATE sessions SET lease_owner = $2, lease_expires_at = NOW() + make_interval(secs => $3)
WHERE id = $1 AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at IS NULL OR lease_expires_at < NOW())`
	res, err := r.DB.ExecContext(ctx, query, sessionID, owner, ttl.Seconds())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseHeld
}

// ReleaseLease drops the lease if owner still holds it.
func (r *PGRepo) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_owner = $2`, sessionID, owner)
	return err
}

// ClearMedia forgets the session's media keys after the blobs are deleted.
func (r *PGRepo) ClearMedia(ctx context.Context, sessionID string) error {
	return expectOneRow(r.DB.ExecContext(ctx, `UPDATE sessions SET media_keys = '[]'::jsonb, updated_at = NOW() WHERE id = $1`, sessionID))
}

// SaveEmbeddings replaces the session's embedding vectors.
func (r *PGRepo) SaveEmbeddings(ctx context.Context, sessionID string, embeddings []Embedding) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_embeddings WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	const insert = `
INSERT INTO session_embeddings (session_id, label, model, source_text, vector)
VALUES ($1, $2, $3, $4, $5)`
	for _, e := range embeddings {
		vec, err := json.Marshal(e.Vector)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, sessionID, e.Label, e.Model, e.SourceText, string(vec)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var kind, mediaKind, state string
	var incompleteReason, errorCode, leaseOwner sql.NullString
	var processedAt, expiresAt, leaseExpiresAt sql.NullTime
	var mediaKeys, analysisResult sql.NullString
	err := row.Scan(
		&s.ID,
		&kind,
		&s.OwnerID,
		&s.Title,
		&s.Language,
		&mediaKind,
		&s.TargetDurationSec,
		&s.ActualDurationMs,
		&state,
		&s.Completed,
		&incompleteReason,
		&errorCode,
		&processedAt,
		&expiresAt,
		&mediaKeys,
		&analysisResult,
		&s.Progress,
		&s.RunCount,
		&leaseOwner,
		&leaseExpiresAt,
		&s.StateChangedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	s.Kind = Kind(kind)
	s.MediaKind = MediaKind(mediaKind)
	parsed, err := ParseState(state)
	if err != nil {
		return Session{}, err
	}
	s.State = parsed
	s.IncompleteReason = stringPtr(incompleteReason)
	s.ErrorCode = stringPtr(errorCode)
	s.ProcessedAt = timePtr(processedAt)
	s.ExpiresAt = timePtr(expiresAt)
	s.LeaseOwner = leaseOwner.String
	s.LeaseExpiresAt = timePtr(leaseExpiresAt)
	if mediaKeys.Valid && strings.TrimSpace(mediaKeys.String) != "" {
		if err := json.Unmarshal([]byte(mediaKeys.String), &s.MediaKeys); err != nil {
			return Session{}, fmt.Errorf("decode media_keys: %w", err)
		}
	}
	if analysisResult.Valid && strings.TrimSpace(analysisResult.String) != "" {
		var res AnalysisResult
		if err := json.Unmarshal([]byte(analysisResult.String), &res); err != nil {
			return Session{}, fmt.Errorf("decode analysis_result: %w", err)
		}
		s.Result = &res
	}
	return s, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

var _ Repo = (*PGRepo)(nil)
