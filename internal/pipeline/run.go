package pipeline

import (
	"strings"
	"time"

	"speechcoach-backend/internal/embeddings"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/refinement"
	"speechcoach-backend/internal/scoring"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/transcription"
)

// Mode selects how a run is sequenced.
type Mode int

const (
	// SinglePass runs every stage before writing the final result.
	SinglePass Mode = iota
	// TwoPhase publishes a rule-based preview before the AI stage.
	TwoPhase
)

func (m Mode) String() string {
	if m == TwoPhase {
		return "two_phase"
	}
	return "single_pass"
}

// ModeFor picks the processing mode for a session kind.
func ModeFor(kind sessions.Kind) Mode {
	if kind == sessions.KindTrial {
		return TwoPhase
	}
	return SinglePass
}

// Stage names recorded in pipeline metadata.
const (
	StageExtract          = "extract"
	StageTranscribe       = "transcribe"
	StageRules            = "rules"
	StageRefine           = "refine"
	StageMetrics          = "metrics"
	StageMetricsRecompute = "metrics_recompute"
	StageEmbeddings       = "embeddings"
	StagePersist          = "persist"
)

// RunContext is the in-memory state of one run. It is never persisted.
type RunContext struct {
	Session    sessions.Session
	Options    queue.ProcessOptions
	Mode       Mode
	RequestID  string
	LeaseOwner string
	Language   string
	StartedAt  time.Time

	State      sessions.State
	stage      string
	Extraction *media.Extraction
	Transcript transcription.Result
	RuleIssues []sessions.Issue
	Refinement *refinement.Result
	Metrics    scoring.Output
	Embeddings *embeddings.Result
	Meta       sessions.PipelineMetadata
}

func newRunContext(session sessions.Session, opts queue.ProcessOptions, requestID, leaseOwner, version string, startedAt time.Time) *RunContext {
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = session.Language
	}
	mode := ModeFor(session.Kind)
	return &RunContext{
		Session:    session,
		Options:    opts,
		Mode:       mode,
		RequestID:  requestID,
		LeaseOwner: leaseOwner,
		Language:   language,
		StartedAt:  startedAt,
		State:      session.State,
		Meta: sessions.PipelineMetadata{
			Version:       version,
			Mode:          mode.String(),
			PromptVersion: refinement.PromptVersion,
			Run:           session.RunCount + 1,
			StartedAt:     startedAt,
		},
	}
}

// record appends a stage outcome to the metadata trail.
func (rc *RunContext) record(name, status string, started, finished time.Time, reason string) {
	ms := finished.Sub(started).Milliseconds()
	rc.Meta.Stages = append(rc.Meta.Stages, sessions.StageRecord{
		Name:       name,
		Status:     status,
		DurationMs: ms,
		Reason:     reason,
	})
	metrics.ObserveStageDurationMs(name, float64(ms))
}

// issues returns the current best issue list.
func (rc *RunContext) issues() []sessions.Issue {
	if rc.Refinement != nil && !rc.Refinement.Summary.Skipped && !rc.Refinement.Summary.FallbackMode {
		return rc.Refinement.Issues
	}
	return rc.RuleIssues
}

// result assembles the analysis result from what the run has so far.
func (rc *RunContext) result(phase string, finished time.Time) *sessions.AnalysisResult {
	meta := rc.Meta
	meta.Stages = append([]sessions.StageRecord(nil), rc.Meta.Stages...)
	meta.Warnings = append([]string(nil), rc.Meta.Warnings...)
	meta.FinishedAt = &finished
	meta.TotalMs = finished.Sub(rc.StartedAt).Milliseconds()

	res := &sessions.AnalysisResult{
		Transcript:       rc.Transcript.Transcript,
		Phase:            phase,
		PipelineMetadata: meta,
	}
	rc.Metrics.Apply(res)
	if rc.Refinement != nil {
		res.AIRefinement = rc.Refinement.Summary
	}
	if rc.Embeddings != nil {
		res.Embeddings = rc.Embeddings.Summary()
	}
	return res
}
