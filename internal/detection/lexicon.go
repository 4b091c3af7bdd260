package detection

import (
	"strings"
	"unicode"
)

// fillerLexicon lists filler words per base language. Multi-word entries are
// matched against consecutive words.
var fillerLexicon = map[string][]string{
	"en": {"um", "umm", "uh", "uhh", "er", "erm", "ah", "hmm", "like", "you know", "i mean", "basically", "literally", "sort of", "kind of"},
	"es": {"eh", "em", "este", "pues", "o sea", "bueno", "como que", "digamos"},
	"fr": {"euh", "heu", "ben", "bah", "genre", "du coup", "en fait", "tu vois"},
	"de": {"äh", "ähm", "öh", "halt", "sozusagen", "also", "quasi", "irgendwie"},
	"pt": {"hum", "ahn", "tipo", "né", "então", "tipo assim", "sabe"},
}

type fillerSet struct {
	single map[string]struct{}
	pairs  map[[2]string]struct{}
}

func newFillerSet(language string) fillerSet {
	set := fillerSet{
		single: make(map[string]struct{}),
		pairs:  make(map[[2]string]struct{}),
	}
	entries, ok := fillerLexicon[baseLanguage(language)]
	if !ok {
		entries = fillerLexicon["en"]
	}
	for _, entry := range entries {
		parts := strings.Fields(entry)
		switch len(parts) {
		case 1:
			set.single[parts[0]] = struct{}{}
		case 2:
			set.pairs[[2]string{parts[0], parts[1]}] = struct{}{}
		}
	}
	return set
}

func (s fillerSet) isSingle(word string) bool {
	_, ok := s.single[word]
	return ok
}

func (s fillerSet) isPair(a, b string) bool {
	_, ok := s.pairs[[2]string{a, b}]
	return ok
}

func baseLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return "en"
	}
	return lang
}

// normalize lowercases a token and strips surrounding punctuation.
func normalize(token string) string {
	return strings.TrimFunc(strings.ToLower(token), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
