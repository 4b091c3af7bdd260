package refinement

import (
	"encoding/json"
	"fmt"
	"strings"

	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/transcription"
)

// PromptVersion is recorded in pipeline metadata and folded into cache keys.
const PromptVersion = "refine_v1"

const systemPrompt = `You are a speech coach reviewing automatically detected delivery issues in a short speech recording.
For each candidate decide whether it is a real problem a listener would notice.
Confirm real issues with a confidence between 0 and 1, a one sentence rationale and a short tip.
Reject false positives, for example "like" used as a verb or a deliberate pause for emphasis.
You may add issues the rules missed, using the word timings provided.
Also return up to three short insights about the delivery and up to three micro tips.
Return only JSON.`

// Response is the model's structured answer.
type Response struct {
	Confirmed  []Confirmation `json:"confirmed"`
	Rejected   []Rejection    `json:"rejected"`
	Discovered []Discovery    `json:"discovered"`
	Insights   []string       `json:"insights"`
	MicroTips  []string       `json:"micro_tips"`
}

type Confirmation struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Tip        string  `json:"tip"`
}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type Discovery struct {
	Kind       string  `json:"kind"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Tip        string  `json:"tip"`
}

func responseSchema() map[string]any {
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	integer := map[string]any{"type": "integer"}
	kinds := []string{
		string(sessions.IssueFillerWord),
		string(sessions.IssuePaceTooFast),
		string(sessions.IssuePaceTooSlow),
		string(sessions.IssueLongPause),
		string(sessions.IssueUnclearSpeech),
		string(sessions.IssueRepetition),
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"confirmed", "rejected", "discovered", "insights", "micro_tips"},
		"properties": map[string]any{
			"confirmed": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"required":   []string{"index", "confidence"},
					"properties": map[string]any{"index": integer, "confidence": num, "rationale": str, "tip": str},
				},
			},
			"rejected": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"required":   []string{"index"},
					"properties": map[string]any{"index": integer, "reason": str},
				},
			},
			"discovered": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"kind", "start_ms", "end_ms", "confidence"},
					"properties": map[string]any{
						"kind":       map[string]any{"type": "string", "enum": kinds},
						"start_ms":   integer,
						"end_ms":     integer,
						"text":       str,
						"severity":   map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
						"confidence": num,
						"rationale":  str,
						"tip":        str,
					},
				},
			},
			"insights":   map[string]any{"type": "array", "items": str},
			"micro_tips": map[string]any{"type": "array", "items": str},
		},
	}
}

type promptCandidate struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

func buildPrompt(in Input, contextWords int) (llm.Prompt, error) {
	candidates := make([]promptCandidate, len(in.Issues))
	for i, issue := range in.Issues {
		candidates[i] = promptCandidate{
			Index:   i,
			Kind:    string(issue.Kind),
			StartMs: issue.StartMs,
			EndMs:   issue.EndMs,
			Text:    issue.Text,
			Context: contextWindow(in.Words, issue, contextWords),
		}
	}
	payload, err := json.Marshal(candidates)
	if err != nil {
		return llm.Prompt{}, fmt.Errorf("marshal candidates: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", in.Language)
	fmt.Fprintf(&b, "Transcript:\n%s\n\n", in.Transcript)
	fmt.Fprintf(&b, "Candidates:\n%s\n", payload)
	return llm.Prompt{
		System:  systemPrompt,
		User:    b.String(),
		Schema:  responseSchema(),
		Version: PromptVersion,
	}, nil
}

// contextWindow returns up to n words on each side of the issue span.
func contextWindow(words []transcription.Word, issue sessions.Issue, n int) string {
	if n <= 0 || len(words) == 0 {
		return ""
	}
	first, last := -1, -1
	for i, w := range words {
		if w.EndMs > issue.StartMs && w.StartMs < issue.EndMs {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		// Gaps such as pauses overlap no word; anchor on the neighbours.
		for i, w := range words {
			if w.StartMs >= issue.EndMs {
				first, last = i, i
				break
			}
		}
		if first == -1 {
			first, last = len(words)-1, len(words)-1
		}
	}
	from := max(first-n, 0)
	to := min(last+n+1, len(words))
	parts := make([]string, 0, to-from)
	for _, w := range words[from:to] {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}
