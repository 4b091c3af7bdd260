package transcription

import "strings"

const DefaultModel = "nova-2"

var modelsByLanguage = map[string]string{
	"en": "nova-3",
	"es": "nova-2",
	"fr": "nova-2",
	"de": "nova-2",
	"pt": "nova-2",
	"it": "nova-2",
	"nl": "nova-2",
	"ja": "nova-2",
	"hi": "nova-2",
}

// ModelFor picks the provider model for a language. An explicit hint wins.
// Region subtags fall back to the base language (pt-br -> pt).
func ModelFor(language, hint string) string {
	if h := strings.TrimSpace(hint); h != "" {
		return h
	}
	lang := strings.ToLower(strings.TrimSpace(language))
	if m, ok := modelsByLanguage[lang]; ok {
		return m
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		if m, ok := modelsByLanguage[lang[:i]]; ok {
			return m
		}
	}
	return DefaultModel
}
