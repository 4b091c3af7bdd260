package sessions

import "fmt"

// State is the session processing state.
type State string

const (
	StatePending      State = "pending"
	StateProcessing   State = "processing"
	StatePreviewReady State = "preview_ready"
	StateAIAnalyzing  State = "ai_analyzing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StatePending:      {StateProcessing},
	StateProcessing:   {StatePreviewReady, StateCompleted, StateFailed},
	StatePreviewReady: {StateAIAnalyzing, StateCompleted, StateFailed},
	StateAIAnalyzing:  {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a forward move within one run.
// Terminal states have no outgoing transitions; a new run goes through Reset.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends a run.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsActive reports whether a run is in flight.
func (s State) IsActive() bool {
	return s == StateProcessing || s == StatePreviewReady || s == StateAIAnalyzing
}

// ActiveStates lists every in-flight state.
func ActiveStates() []State {
	return []State{StateProcessing, StatePreviewReady, StateAIAnalyzing}
}

// ParseState validates a stored state string.
func ParseState(raw string) (State, error) {
	switch s := State(raw); s {
	case StatePending, StateProcessing, StatePreviewReady, StateAIAnalyzing, StateCompleted, StateFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown processing state %q", raw)
	}
}

// Progress checkpoints written by the orchestrator as stages start.
const (
	ProgressQueued        = 0
	ProgressExtraction    = 5
	ProgressTranscription = 20
	ProgressRules         = 45
	ProgressPreview       = 60
	ProgressAI            = 70
	ProgressMetrics       = 90
	ProgressComplete      = 100
)

// StageForProgress maps a progress percentage to the stage name shown to
// pollers. It depends only on the percentage.
func StageForProgress(pct int) string {
	switch {
	case pct <= 15:
		return "Media Extraction"
	case pct <= 35:
		return "Transcription"
	case pct <= 60:
		return "Rule Analysis"
	case pct <= 80:
		return "AI Refinement"
	case pct < 100:
		return "Metrics"
	default:
		return "Complete"
	}
}
