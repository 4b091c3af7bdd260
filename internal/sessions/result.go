package sessions

import (
	"fmt"
	"time"
)

// Result phases for two-phase runs.
const (
	PhasePreview    = "preview"
	PhaseAIEnhanced = "ai_enhanced"
	PhaseAIFailed   = "ai_failed"
	PhaseAISkipped  = "ai_skipped"
)

// Stage record statuses.
const (
	StageOK       = "ok"
	StageSkipped  = "skipped"
	StageFallback = "fallback"
	StageFailed   = "failed"
)

// AnalysisResult is the structured report attached to a session.
type AnalysisResult struct {
	Transcript        string             `json:"transcript"`
	SpeakingMetrics   SpeakingMetrics    `json:"speaking_metrics"`
	ClarityMetrics    ClarityMetrics     `json:"clarity_metrics"`
	FluencyMetrics    FluencyMetrics     `json:"fluency_metrics"`
	EngagementMetrics EngagementMetrics  `json:"engagement_metrics"`
	OverallScores     OverallScores      `json:"overall_scores"`
	AIRefinement      AIRefinement       `json:"ai_refinement"`
	Embeddings        *EmbeddingsSummary `json:"embeddings,omitempty"`
	Phase             string             `json:"phase,omitempty"`
	PipelineMetadata  PipelineMetadata   `json:"pipeline_metadata"`
}

type SpeakingMetrics struct {
	WPM             float64 `json:"wpm"`
	DurationSeconds float64 `json:"duration_seconds"`
	WordCount       int     `json:"word_count"`
	TimingCoverage  float64 `json:"timing_coverage"`
}

type ClarityMetrics struct {
	ClarityScore        Score          `json:"clarity_score"`
	FillerCount         int            `json:"filler_count"`
	FillerRatePerMinute float64        `json:"filler_rate_per_minute"`
	FillerWords         map[string]int `json:"filler_words,omitempty"`
	IssueDurationMs     int64          `json:"issue_duration_ms"`
}

type FluencyMetrics struct {
	FluencyScore Score `json:"fluency_score"`
	PaceScore    Score `json:"pace_score"`
	FillerScore  Score `json:"filler_score"`
}

type EngagementMetrics struct {
	EngagementScore  Score `json:"engagement_score"`
	PaceBandFactor   Score `json:"pace_band_factor"`
	LengthFactor     Score `json:"length_factor"`
	ComplexityFactor Score `json:"complexity_factor"`
}

type OverallScores struct {
	OverallScore    Score `json:"overall_score"`
	Clarity         Score `json:"clarity"`
	Fluency         Score `json:"fluency"`
	Engagement      Score `json:"engagement"`
	PaceConsistency Score `json:"pace_consistency"`
}

// AIRefinement summarizes what the refinement stage did.
type AIRefinement struct {
	Attempted      bool     `json:"attempted"`
	Skipped        bool     `json:"skipped"`
	SkipReason     string   `json:"skip_reason,omitempty"`
	FallbackMode   bool     `json:"fallback_mode"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	Message        string   `json:"message,omitempty"`
	Cached         bool     `json:"cached,omitempty"`
	Confirmed      int      `json:"confirmed"`
	Rejected       int      `json:"rejected"`
	Discovered     int      `json:"discovered"`
	Insights       []string `json:"insights,omitempty"`
	MicroTips      []string `json:"micro_tips,omitempty"`
}

type EmbeddingsSummary struct {
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
	Model      string `json:"model,omitempty"`
	Count      int    `json:"count"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// PipelineMetadata is the diagnostic trail of a run. Failed runs keep it too.
type PipelineMetadata struct {
	Version        string        `json:"version"`
	Mode           string        `json:"mode"`
	PromptVersion  string        `json:"prompt_version,omitempty"`
	STTModel       string        `json:"stt_model,omitempty"`
	UtteranceCount int           `json:"utterance_count,omitempty"`
	Run            int           `json:"run"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	TotalMs        int64         `json:"total_ms"`
	Stages         []StageRecord `json:"stages"`
	Warnings       []string      `json:"warnings,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
}

// StageRecord is the timing and outcome of one stage.
type StageRecord struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

// SkippedStages lists stages that were skipped or fell back.
func (m PipelineMetadata) SkippedStages() []string {
	var out []string
	for _, s := range m.Stages {
		if s.Status == StageSkipped || s.Status == StageFallback {
			out = append(out, s.Name)
		}
	}
	return out
}

// Validate rejects any score outside [0,1].
func (r *AnalysisResult) Validate() error {
	if r == nil {
		return nil
	}
	scores := map[string]Score{
		"clarity_metrics.clarity_score":        r.ClarityMetrics.ClarityScore,
		"fluency_metrics.fluency_score":        r.FluencyMetrics.FluencyScore,
		"fluency_metrics.pace_score":           r.FluencyMetrics.PaceScore,
		"fluency_metrics.filler_score":         r.FluencyMetrics.FillerScore,
		"engagement_metrics.engagement_score":  r.EngagementMetrics.EngagementScore,
		"engagement_metrics.pace_band_factor":  r.EngagementMetrics.PaceBandFactor,
		"engagement_metrics.length_factor":     r.EngagementMetrics.LengthFactor,
		"engagement_metrics.complexity_factor": r.EngagementMetrics.ComplexityFactor,
		"overall_scores.overall_score":         r.OverallScores.OverallScore,
		"overall_scores.clarity":               r.OverallScores.Clarity,
		"overall_scores.fluency":               r.OverallScores.Fluency,
		"overall_scores.engagement":            r.OverallScores.Engagement,
		"overall_scores.pace_consistency":      r.OverallScores.PaceConsistency,
	}
	for name, s := range scores {
		if !s.Valid() {
			return fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidResult, name, float64(s))
		}
	}
	if r.SpeakingMetrics.WordCount < 0 || r.SpeakingMetrics.DurationSeconds < 0 || r.SpeakingMetrics.WPM < 0 {
		return fmt.Errorf("%w: negative speaking metrics", ErrInvalidResult)
	}
	return nil
}
