// Package pipeline sequences the analysis stages for one session run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"speechcoach-backend/internal/embeddings"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/refinement"
	"speechcoach-backend/internal/scoring"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/storage/object"
	"speechcoach-backend/internal/shared/telemetry"
	"speechcoach-backend/internal/shared/util"
	"speechcoach-backend/internal/transcription"
)

// Version is recorded in pipeline metadata.
const Version = "speech-pipeline/3"

const (
	defaultLeaseTTL  = 15 * time.Minute
	failWriteTimeout = 10 * time.Second
)

type Extractor interface {
	Extract(ctx context.Context, blobKey string) (*media.Extraction, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, req transcription.Request) (transcription.Result, error)
}

type RuleDetector interface {
	Detect(transcript string, words []transcription.Word, language string) ([]sessions.Issue, error)
}

type Refiner interface {
	Refine(ctx context.Context, in refinement.Input) refinement.Result
}

type Scorer interface {
	Compute(in scoring.Input) scoring.Output
}

type EmbeddingGenerator interface {
	Generate(ctx context.Context, sessionID, transcript string, issues []sessions.Issue) embeddings.Result
}

// MediaDeleter removes uploaded blobs.
type MediaDeleter = object.Deleter

type Options struct {
	Version                    string
	LeaseTTL                   time.Duration
	DeleteMediaAfterProcessing bool
}

// Orchestrator owns sequencing, persistence checkpoints and error
// translation. Extractor, Transcriber, Detector and Scorer are mandatory;
// Refiner and Embeddings may be nil.
type Orchestrator struct {
	Repo        sessions.Repo
	Extractor   Extractor
	Transcriber Transcriber
	Detector    RuleDetector
	Refiner     Refiner
	Scorer      Scorer
	Embeddings  EmbeddingGenerator
	Media       MediaDeleter
	Reporter    ErrorReporter
	Options     Options
	Now         func() time.Time
}

// Discardable reports whether a job error means the message should be
// dropped instead of retried.
func Discardable(err error) bool {
	return errors.Is(err, sessions.ErrNotFound) ||
		errors.Is(err, sessions.ErrExpired) ||
		errors.Is(err, sessions.ErrLeaseHeld) ||
		errors.Is(err, sessions.ErrAlreadyCompleted)
}

// Process runs the pipeline for one session. Fatal stage failures are
// persisted as a failed state and returned as *Error.
func (o *Orchestrator) Process(ctx context.Context, sessionID string, opts queue.ProcessOptions) (err error) {
	requestID := sessions.RequestIDFromContext(ctx)
	owner := uuid.NewString()
	if err := o.Repo.AcquireLease(ctx, sessionID, owner, o.leaseTTL()); err != nil {
		telemetry.Info("pipeline.lease_unavailable", map[string]any{
			"session_id": sessionID,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return err
	}
	defer o.releaseLease(sessionID, owner)

	session, err := o.Repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	startedAt := o.now()
	if session.Expired(startedAt) {
		telemetry.Info("pipeline.session_expired", map[string]any{
			"session_id": sessionID,
			"request_id": requestID,
		})
		return sessions.ErrExpired
	}
	switch {
	case session.State == sessions.StateCompleted:
		telemetry.Info("pipeline.duplicate_run", map[string]any{
			"session_id": sessionID,
			"request_id": requestID,
		})
		return sessions.ErrAlreadyCompleted
	case session.State == sessions.StateFailed || session.State.IsActive():
		// Retries and abandoned runs start over from pending.
		if err := o.Repo.Reset(ctx, sessionID); err != nil {
			return err
		}
		telemetry.Info("pipeline.status", map[string]any{
			"session_id":        sessionID,
			"request_id":        requestID,
			"status":            sessions.StatePending,
			"status_transition": string(session.State) + "->" + string(sessions.StatePending),
		})
		session.State = sessions.StatePending
	}

	rc := newRunContext(session, opts, requestID, owner, o.version(), startedAt)
	progress := sessions.ProgressExtraction
	if err := o.transition(ctx, rc, sessions.StateProcessing, sessions.Patch{Progress: &progress}); err != nil {
		return err
	}
	metrics.IncSessionStarted()

	defer func() {
		if rc.Extraction != nil {
			if cerr := rc.Extraction.Close(); cerr != nil {
				telemetry.Warn("pipeline.cleanup_failed", map[string]any{
					"session_id": sessionID,
					"error":      cerr.Error(),
				})
			}
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			err = o.fail(ctx, rc, rc.stage, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := o.phaseOne(ctx, rc); err != nil {
		return err
	}
	if rc.Mode == TwoPhase {
		return o.runTwoPhase(ctx, rc)
	}
	return o.runSinglePass(ctx, rc)
}

// phaseOne runs the mandatory extract, transcribe and rules stages.
func (o *Orchestrator) phaseOne(ctx context.Context, rc *RunContext) error {
	rc.stage = StageExtract
	start := o.now()
	ext, err := o.extract(ctx, rc)
	if err != nil {
		rc.record(StageExtract, sessions.StageFailed, start, o.now(), errorCode(StageExtract, err))
		return o.fail(ctx, rc, StageExtract, err)
	}
	rc.Extraction = ext
	rc.record(StageExtract, sessions.StageOK, start, o.now(), "")

	o.progress(ctx, rc, sessions.ProgressTranscription)
	rc.stage = StageTranscribe
	start = o.now()
	tr, err := o.Transcriber.Transcribe(ctx, transcription.Request{
		AudioPath: ext.AudioPath,
		Format:    ext.Format,
		Language:  rc.Language,
		Trial:     rc.Session.Kind == sessions.KindTrial,
	})
	if err != nil {
		rc.record(StageTranscribe, sessions.StageFailed, start, o.now(), errorCode(StageTranscribe, err))
		return o.fail(ctx, rc, StageTranscribe, err)
	}
	rc.Transcript = tr
	rc.Meta.STTModel = tr.Model
	rc.Meta.UtteranceCount = len(tr.Utterances)
	rc.Meta.Warnings = append(rc.Meta.Warnings, tr.Warnings...)
	rc.record(StageTranscribe, sessions.StageOK, start, o.now(), "")

	o.progress(ctx, rc, sessions.ProgressRules)
	rc.stage = StageRules
	start = o.now()
	issues, err := o.Detector.Detect(tr.Transcript, tr.Words, rc.Language)
	if err != nil {
		rc.record(StageRules, sessions.StageFailed, start, o.now(), errorCode(StageRules, err))
		return o.fail(ctx, rc, StageRules, err)
	}
	rc.RuleIssues = issues
	rc.record(StageRules, sessions.StageOK, start, o.now(), "")
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, rc *RunContext) (*media.Extraction, error) {
	if len(rc.Session.MediaKeys) == 0 {
		return nil, &media.Error{Code: media.CodeEmptyFile, Message: "session has no media"}
	}
	return o.Extractor.Extract(ctx, rc.Session.MediaKeys[0])
}

func (o *Orchestrator) runSinglePass(ctx context.Context, rc *RunContext) error {
	o.progress(ctx, rc, sessions.ProgressAI)
	o.refine(ctx, rc)

	o.progress(ctx, rc, sessions.ProgressMetrics)
	o.computeMetrics(rc, StageMetrics, rc.issues())
	o.embed(ctx, rc)
	return o.complete(ctx, rc, "")
}

func (o *Orchestrator) runTwoPhase(ctx context.Context, rc *RunContext) error {
	o.computeMetrics(rc, StageMetrics, rc.RuleIssues)

	rc.stage = StagePersist
	preview := rc.result(sessions.PhasePreview, o.now())
	progress := sessions.ProgressPreview
	durationMs := rc.actualDurationMs()
	patch := sessions.Patch{
		Result:           preview,
		Progress:         &progress,
		ActualDurationMs: &durationMs,
		ReplaceIssues:    true,
		Issues:           rc.RuleIssues,
	}
	if err := o.transition(ctx, rc, sessions.StatePreviewReady, patch); err != nil {
		return o.fail(ctx, rc, StagePersist, err)
	}

	phase := o.phaseTwo(ctx, rc)
	o.embed(ctx, rc)
	return o.complete(ctx, rc, phase)
}

// phaseTwo runs AI refinement and the metrics recompute. It never fails the
// run: any problem keeps the preview metrics and tags the result ai_failed.
func (o *Orchestrator) phaseTwo(ctx context.Context, rc *RunContext) (phase string) {
	preview := rc.Metrics
	progress := sessions.ProgressAI
	if err := o.transition(ctx, rc, sessions.StateAIAnalyzing, sessions.Patch{Progress: &progress}); err != nil {
		telemetry.Warn("pipeline.phase_two_unavailable", map[string]any{
			"session_id": rc.Session.ID,
			"request_id": rc.RequestID,
			"error":      err.Error(),
		})
		rc.Refinement = aiFailure(rc.RuleIssues, refinement.FallbackInternal)
		return sessions.PhaseAIFailed
	}

	defer func() {
		if rec := recover(); rec != nil {
			telemetry.Error("pipeline.phase_two_panic", map[string]any{
				"session_id": rc.Session.ID,
				"request_id": rc.RequestID,
				"stage":      rc.stage,
				"panic":      fmt.Sprint(rec),
			})
			rc.Refinement = aiFailure(rc.RuleIssues, refinement.FallbackInternal)
			rc.Metrics = preview
			phase = sessions.PhaseAIFailed
		}
	}()

	o.refine(ctx, rc)
	switch {
	case rc.Refinement.Summary.Skipped:
		return sessions.PhaseAISkipped
	case rc.Refinement.Summary.FallbackMode:
		return sessions.PhaseAIFailed
	}
	o.progress(ctx, rc, sessions.ProgressMetrics)
	o.computeMetrics(rc, StageMetricsRecompute, rc.Refinement.Issues)
	return sessions.PhaseAIEnhanced
}

func aiFailure(ruleIssues []sessions.Issue, reason string) *refinement.Result {
	return &refinement.Result{
		Issues: ruleIssues,
		Summary: sessions.AIRefinement{
			Attempted:      true,
			FallbackMode:   true,
			FallbackReason: reason,
			Message:        MessageAIUnavailable,
		},
	}
}

func (o *Orchestrator) refine(ctx context.Context, rc *RunContext) {
	rc.stage = StageRefine
	start := o.now()
	var res refinement.Result
	if o.Refiner == nil {
		metrics.IncAISkipped()
		res = refinement.Result{
			Issues:  rc.RuleIssues,
			Summary: sessions.AIRefinement{Skipped: true, SkipReason: refinement.SkipNoProvider},
		}
	} else {
		res = o.Refiner.Refine(ctx, refinement.Input{
			SessionID:     rc.Session.ID,
			Transcript:    rc.Transcript.Transcript,
			Language:      rc.Language,
			Words:         rc.Transcript.Words,
			Issues:        rc.RuleIssues,
			SkipRequested: rc.Options.SkipAI,
		})
	}
	rc.Refinement = &res

	switch {
	case res.Summary.Skipped:
		rc.record(StageRefine, sessions.StageSkipped, start, o.now(), res.Summary.SkipReason)
	case res.Summary.FallbackMode:
		pe := &Error{Kind: KindAIProvider, Code: CodeAIUnavailable, Stage: StageRefine, Err: res.Err}
		res.Summary.Message = UserMessage(pe)
		rc.record(StageRefine, sessions.StageFallback, start, o.now(), res.Summary.FallbackReason)
		telemetry.Warn("pipeline.stage.fallback", map[string]any{
			"session_id": rc.Session.ID,
			"request_id": rc.RequestID,
			"stage":      StageRefine,
			"reason":     res.Summary.FallbackReason,
			"error_kind": string(pe.Kind),
		})
	default:
		rc.record(StageRefine, sessions.StageOK, start, o.now(), "")
	}
}

func (o *Orchestrator) computeMetrics(rc *RunContext, stage string, issues []sessions.Issue) {
	rc.stage = stage
	start := o.now()
	out := o.Scorer.Compute(scoring.Input{
		SessionID:       rc.Session.ID,
		Transcript:      rc.Transcript.Transcript,
		Words:           rc.Transcript.Words,
		Issues:          issues,
		DurationSeconds: rc.durationSeconds(),
	})
	rc.Metrics = out
	if out.Degraded {
		rc.Meta.Degraded = true
		rc.Meta.DegradedReason = out.DegradedReason
		rc.record(stage, sessions.StageFallback, start, o.now(), "degraded")
		return
	}
	rc.record(stage, sessions.StageOK, start, o.now(), "")
}

func (o *Orchestrator) embed(ctx context.Context, rc *RunContext) {
	rc.stage = StageEmbeddings
	start := o.now()
	var res embeddings.Result
	switch {
	case rc.Options.SkipEmbeddings:
		metrics.IncEmbeddingsSkipped()
		res = embeddings.Result{Skipped: true, Reason: embeddings.SkipRequested}
	case o.Embeddings == nil:
		metrics.IncEmbeddingsSkipped()
		res = embeddings.Result{Skipped: true, Reason: embeddings.SkipNoProvider}
	default:
		res = o.Embeddings.Generate(ctx, rc.Session.ID, rc.Transcript.Transcript, rc.issues())
	}
	if !res.Skipped {
		if err := o.Repo.SaveEmbeddings(ctx, rc.Session.ID, res.Embeddings); err != nil {
			telemetry.Warn("pipeline.embeddings_store_failed", map[string]any{
				"session_id": rc.Session.ID,
				"request_id": rc.RequestID,
				"error":      err.Error(),
			})
			metrics.IncEmbeddingsSkipped()
			res = embeddings.Result{Skipped: true, Reason: embeddings.SkipFailed, Err: err}
		}
	}
	rc.Embeddings = &res
	if res.Skipped {
		rc.record(StageEmbeddings, sessions.StageSkipped, start, o.now(), res.Reason)
		return
	}
	rc.record(StageEmbeddings, sessions.StageOK, start, o.now(), "")
}

func (o *Orchestrator) complete(ctx context.Context, rc *RunContext, phase string) error {
	rc.stage = StagePersist
	finished := o.now()
	res := rc.result(phase, finished)
	progress := sessions.ProgressComplete
	durationMs := rc.actualDurationMs()
	patch := sessions.Patch{
		Result:           res,
		Progress:         &progress,
		ActualDurationMs: &durationMs,
		ReplaceIssues:    true,
		Issues:           rc.issues(),
	}
	if err := o.transition(ctx, rc, sessions.StateCompleted, patch); err != nil {
		return o.fail(ctx, rc, StagePersist, err)
	}
	metrics.IncSessionCompleted()
	metrics.ObserveSessionDurationMs(float64(finished.Sub(rc.StartedAt).Milliseconds()))
	telemetry.Info("pipeline.completed", map[string]any{
		"session_id":  rc.Session.ID,
		"request_id":  rc.RequestID,
		"mode":        rc.Mode.String(),
		"phase":       phase,
		"issues":      len(patch.Issues),
		"skipped":     strings.Join(res.PipelineMetadata.SkippedStages(), ","),
		"duration_ms": res.PipelineMetadata.TotalMs,
	})
	o.deleteMedia(ctx, rc)
	return nil
}

// fail performs the single failed-state write for a fatal error.
func (o *Orchestrator) fail(ctx context.Context, rc *RunContext, stage string, cause error) error {
	pe := Classify(stage, cause)
	if pe.Stage == "" {
		pe.Stage = stage
	}
	finished := o.now()
	rc.Meta.FailedStage = pe.Stage
	rc.Meta.ErrorKind = string(pe.Kind)
	reason := UserMessage(pe)
	code := pe.Code
	patch := sessions.Patch{
		Result:           rc.result("", finished),
		IncompleteReason: &reason,
		ErrorCode:        &code,
		// A failed run never exposes issues, including a trial's preview.
		ReplaceIssues: true,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	from := rc.State
	if err := o.Repo.Transition(writeCtx, rc.Session.ID, from, sessions.StateFailed, patch); err != nil {
		telemetry.Error("pipeline.fail_write_failed", map[string]any{
			"session_id": rc.Session.ID,
			"request_id": rc.RequestID,
			"stage":      pe.Stage,
			"error":      err.Error(),
		})
	} else {
		rc.State = sessions.StateFailed
	}

	elapsed := finished.Sub(rc.StartedAt)
	metrics.IncSessionFailed()
	metrics.ObserveSessionDurationMs(float64(elapsed.Milliseconds()))
	telemetry.Warn("pipeline.status", map[string]any{
		"session_id":        rc.Session.ID,
		"request_id":        rc.RequestID,
		"status":            sessions.StateFailed,
		"status_transition": string(from) + "->" + string(sessions.StateFailed),
		"stage":             pe.Stage,
		"error_kind":        string(pe.Kind),
		"error_code":        pe.Code,
		"recoverable":       pe.Recoverable,
		"elapsed_ms":        elapsed.Milliseconds(),
	})
	if pe.Kind == KindUnexpected {
		o.reporter().Report(ctx, Report{
			SessionID: rc.Session.ID,
			RequestID: rc.RequestID,
			Stage:     pe.Stage,
			Elapsed:   elapsed,
			Err:       pe,
		})
	}
	return pe
}

func (o *Orchestrator) transition(ctx context.Context, rc *RunContext, to sessions.State, patch sessions.Patch) error {
	from := rc.State
	if err := o.Repo.Transition(ctx, rc.Session.ID, from, to, patch); err != nil {
		return err
	}
	rc.State = to
	telemetry.Info("pipeline.status", map[string]any{
		"session_id":        rc.Session.ID,
		"request_id":        rc.RequestID,
		"status":            to,
		"status_transition": string(from) + "->" + string(to),
		"mode":              rc.Mode.String(),
	})
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, rc *RunContext, pct int) {
	if err := o.Repo.SaveProgress(ctx, rc.Session.ID, pct); err != nil {
		telemetry.Warn("pipeline.progress_write_failed", map[string]any{
			"session_id": rc.Session.ID,
			"progress":   pct,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) deleteMedia(ctx context.Context, rc *RunContext) {
	if !o.Options.DeleteMediaAfterProcessing || o.Media == nil || len(rc.Session.MediaKeys) == 0 {
		return
	}
	if err := object.DeleteAll(ctx, o.Media, rc.Session.MediaKeys); err != nil {
		telemetry.Warn("pipeline.media_delete_failed", map[string]any{
			"session_id": rc.Session.ID,
			"error":      err.Error(),
		})
		return
	}
	if err := o.Repo.ClearMedia(ctx, rc.Session.ID); err != nil {
		telemetry.Warn("pipeline.media_clear_failed", map[string]any{
			"session_id": rc.Session.ID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) releaseLease(sessionID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), failWriteTimeout)
	defer cancel()
	if err := o.Repo.ReleaseLease(ctx, sessionID, owner); err != nil {
		telemetry.Warn("pipeline.lease_release_failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) leaseTTL() time.Duration {
	if o.Options.LeaseTTL > 0 {
		return o.Options.LeaseTTL
	}
	return defaultLeaseTTL
}

func (o *Orchestrator) version() string {
	if o.Options.Version != "" {
		return o.Options.Version
	}
	return Version
}

func (o *Orchestrator) reporter() ErrorReporter {
	if o.Reporter != nil {
		return o.Reporter
	}
	return LogReporter{}
}

func (rc *RunContext) durationSeconds() float64 {
	if rc.Extraction != nil && rc.Extraction.DurationSeconds > 0 {
		return rc.Extraction.DurationSeconds
	}
	return rc.Transcript.DurationSeconds
}

func (rc *RunContext) actualDurationMs() int64 {
	return int64(math.Round(rc.durationSeconds() * 1000))
}

func errorCode(stage string, err error) string {
	return Classify(stage, err).Code
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return util.OneLine(err.Error(), 500)
}
