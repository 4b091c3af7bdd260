package sessions

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes permanent sessions from expiring trial sessions.
type Kind string

const (
	KindSession Kind = "session"
	KindTrial   Kind = "trial"
)

// MediaKind is the type of the uploaded recording.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind normalizes a media kind, defaulting to audio.
func ParseMediaKind(raw string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "audio":
		return MediaAudio, nil
	case "video":
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("%w: media kind %q is invalid", ErrInvalidInput, raw)
	}
}

// Session is a recording plus its analysis record.
type Session struct {
	ID                string          `json:"id"`
	Kind              Kind            `json:"kind"`
	OwnerID           string          `json:"ownerId"`
	Title             string          `json:"title"`
	Language          string          `json:"language"`
	MediaKind         MediaKind       `json:"mediaKind"`
	TargetDurationSec int             `json:"targetDurationSec"`
	ActualDurationMs  int64           `json:"actualDurationMs"`
	State             State           `json:"processingState"`
	Completed         bool            `json:"completed"`
	IncompleteReason  *string         `json:"incompleteReason,omitempty"`
	ErrorCode         *string         `json:"errorCode,omitempty"`
	ProcessedAt       *time.Time      `json:"processedAt,omitempty"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	MediaKeys         []string        `json:"-"`
	Result            *AnalysisResult `json:"analysisResult,omitempty"`
	Progress          int             `json:"progress"`
	RunCount          int             `json:"runCount"`
	LeaseOwner        string          `json:"-"`
	LeaseExpiresAt    *time.Time      `json:"-"`
	StateChangedAt    time.Time       `json:"stateChangedAt"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Expired reports whether a trial session is past its hard expiry.
func (s Session) Expired(now time.Time) bool {
	return s.Kind == KindTrial && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// LeaseActive reports whether another run currently holds the session.
func (s Session) LeaseActive(now time.Time) bool {
	return s.LeaseOwner != "" && s.LeaseExpiresAt != nil && now.Before(*s.LeaseExpiresAt)
}

// IssueKind is the detected speech problem type.
type IssueKind string

const (
	IssueFillerWord    IssueKind = "filler_word"
	IssuePaceTooFast   IssueKind = "pace_too_fast"
	IssuePaceTooSlow   IssueKind = "pace_too_slow"
	IssueLongPause     IssueKind = "long_pause"
	IssueUnclearSpeech IssueKind = "unclear_speech"
	IssueRepetition    IssueKind = "repetition"
)

// Valid reports whether k is a known issue kind.
func (k IssueKind) Valid() bool {
	switch k {
	case IssueFillerWord, IssuePaceTooFast, IssuePaceTooSlow, IssueLongPause, IssueUnclearSpeech, IssueRepetition:
		return true
	}
	return false
}

// Category returns the report section an issue kind belongs to.
func (k IssueKind) Category() Category {
	switch k {
	case IssuePaceTooFast, IssuePaceTooSlow:
		return CategoryPace
	case IssueUnclearSpeech:
		return CategoryClarity
	default:
		return CategoryFluency
	}
}

// Source records which layer produced an issue.
type Source string

const (
	SourceRule Source = "rule"
	SourceAI   Source = "ai"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Category string

const (
	CategoryFluency Category = "fluency"
	CategoryPace    Category = "pace"
	CategoryClarity Category = "clarity"
)

// Issue is one detected speech problem with a time range.
type Issue struct {
	ID         string    `json:"id,omitempty"`
	Kind       IssueKind `json:"kind"`
	StartMs    int64     `json:"start_ms"`
	EndMs      int64     `json:"end_ms"`
	Text       string    `json:"text"`
	Source     Source    `json:"source"`
	Severity   Severity  `json:"severity"`
	Category   Category  `json:"category"`
	Rationale  string    `json:"rationale,omitempty"`
	Tip        string    `json:"tip,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// DurationMs is end minus start.
func (i Issue) DurationMs() int64 {
	return i.EndMs - i.StartMs
}

// Validate enforces end_ms > start_ms >= 0.
func (i Issue) Validate() error {
	if i.StartMs < 0 {
		return fmt.Errorf("%w: start_ms %d is negative", ErrInvalidIssue, i.StartMs)
	}
	if i.EndMs <= i.StartMs {
		return fmt.Errorf("%w: end_ms %d must be greater than start_ms %d", ErrInvalidIssue, i.EndMs, i.StartMs)
	}
	if i.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidIssue)
	}
	if i.Confidence != nil && (*i.Confidence < 0 || *i.Confidence > 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidIssue, *i.Confidence)
	}
	return nil
}

// ValidateIssues checks every issue and reports the first violation with its index.
func ValidateIssues(issues []Issue) error {
	for idx, issue := range issues {
		if err := issue.Validate(); err != nil {
			return fmt.Errorf("issue %d: %w", idx, err)
		}
	}
	return nil
}

// Embedding is one persisted highlight vector.
type Embedding struct {
	Label      string    `json:"label"`
	Model      string    `json:"model"`
	SourceText string    `json:"sourceText"`
	Vector     []float32 `json:"vector"`
}
