package config

import "time"

// ScoreWeights are the overall-score blend weights. They should sum to 1.
type ScoreWeights struct {
	Clarity         float64
	Fluency         float64
	Engagement      float64
	PaceConsistency float64
}

// Thresholds collects every tunable number used by the analysis pipeline.
type Thresholds struct {
	// Media
	MinDurationSeconds float64
	SilenceMaxVolumeDB float64

	// Transcription
	MinWords          int
	TrialMinWords     int
	TimingCoverageMin float64

	// Rule detection
	IdealWPM          float64
	PaceFastWPM       float64
	PaceSlowWPM       float64
	PaceWindowSeconds float64
	LongPauseMs       int64
	LowConfidence     float64
	RepetitionMaxGap  int

	// AI refinement
	AIMinConfidence      float64
	AIMinWords           int
	AICacheTTL           time.Duration
	AIContextWindowWords int

	// Per-call timeouts
	STTTimeout        time.Duration
	AITimeout         time.Duration
	EmbeddingsTimeout time.Duration

	// Scoring
	FillerRateCeilingPerMin  float64
	PaceBandLow              float64
	PaceBandHigh             float64
	PacePartialLow           float64
	PacePartialHigh          float64
	PacePartialCredit        float64
	PaceMinimumCredit        float64
	FullLengthSeconds        float64
	ComplexityWordsPerSecond float64
	EngagementMultiplier     float64
	FluencyPaceWeight        float64
	FluencyFillerWeight      float64
	Weights                  ScoreWeights
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinDurationSeconds: 10,
		SilenceMaxVolumeDB: -60,

		MinWords:          10,
		TrialMinWords:     5,
		TimingCoverageMin: 0.8,

		IdealWPM:          150,
		PaceFastWPM:       190,
		PaceSlowWPM:       100,
		PaceWindowSeconds: 15,
		LongPauseMs:       2000,
		LowConfidence:     0.55,
		RepetitionMaxGap:  1,

		AIMinConfidence:      0.7,
		AIMinWords:           20,
		AICacheTTL:           6 * time.Hour,
		AIContextWindowWords: 8,

		STTTimeout:        120 * time.Second,
		AITimeout:         45 * time.Second,
		EmbeddingsTimeout: 20 * time.Second,

		FillerRateCeilingPerMin:  12,
		PaceBandLow:              130,
		PaceBandHigh:             180,
		PacePartialLow:           100,
		PacePartialHigh:          210,
		PacePartialCredit:        0.7,
		PaceMinimumCredit:        0.4,
		FullLengthSeconds:        25,
		ComplexityWordsPerSecond: 2.0,
		EngagementMultiplier:     1.1,
		FluencyPaceWeight:        0.7,
		FluencyFillerWeight:      0.3,
		Weights: ScoreWeights{
			Clarity:         0.3,
			Fluency:         0.25,
			Engagement:      0.25,
			PaceConsistency: 0.2,
		},
	}
}

func loadThresholds() Thresholds {
	t := DefaultThresholds()
	t.MinDurationSeconds = getEnvFloat("PIPELINE_MIN_DURATION_SECONDS", t.MinDurationSeconds)
	t.SilenceMaxVolumeDB = getEnvFloat("PIPELINE_SILENCE_MAX_VOLUME_DB", t.SilenceMaxVolumeDB)
	t.MinWords = getEnvInt("PIPELINE_MIN_WORDS", t.MinWords)
	t.TrialMinWords = getEnvInt("PIPELINE_TRIAL_MIN_WORDS", t.TrialMinWords)
	t.IdealWPM = getEnvFloat("PIPELINE_IDEAL_WPM", t.IdealWPM)
	t.LongPauseMs = int64(getEnvInt("PIPELINE_LONG_PAUSE_MS", int(t.LongPauseMs)))
	t.AIMinConfidence = getEnvFloat("PIPELINE_AI_MIN_CONFIDENCE", t.AIMinConfidence)
	t.AIMinWords = getEnvInt("PIPELINE_AI_MIN_WORDS", t.AIMinWords)
	t.AICacheTTL = getEnvDuration("PIPELINE_AI_CACHE_TTL", t.AICacheTTL)
	t.STTTimeout = getEnvDuration("PIPELINE_STT_TIMEOUT", t.STTTimeout)
	t.AITimeout = getEnvDuration("PIPELINE_AI_TIMEOUT", t.AITimeout)
	t.EmbeddingsTimeout = getEnvDuration("PIPELINE_EMBEDDINGS_TIMEOUT", t.EmbeddingsTimeout)
	return t
}
