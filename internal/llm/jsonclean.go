package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON strips markdown fences and surrounding prose from a model reply
// and returns the outermost JSON object. ok is false when none parses.
func ExtractJSON(raw string) (json.RawMessage, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "\ufeff")
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	if json.Valid([]byte(cleaned)) {
		return json.RawMessage(cleaned), true
	}
	first := strings.Index(cleaned, "{")
	last := strings.LastIndex(cleaned, "}")
	if first == -1 || last <= first {
		return nil, false
	}
	candidate := cleaned[first : last+1]
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}
