package detection

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/transcription"
)

// ErrMalformedInput is returned when words carry impossible timings.
var ErrMalformedInput = errors.New("malformed transcript input")

// Options tune the rule thresholds.
type Options struct {
	PaceFastWPM       float64
	PaceSlowWPM       float64
	PaceWindowSeconds float64
	LongPauseMs       int64
	LowConfidence     float64
	RepetitionMaxGap  int
}

// Detector scans a timed transcript for candidate issues. It is pure and
// deterministic: the same input always yields the same ordered issues.
type Detector struct {
	Options Options
}

type token struct {
	word transcription.Word
	norm string
}

// Detect returns candidate issues sorted by start time. Issues that start at
// the same instant keep the order the rules produced them in.
func (d Detector) Detect(transcript string, words []transcription.Word, language string) ([]sessions.Issue, error) {
	if strings.TrimSpace(transcript) != "" && len(words) == 0 {
		return nil, fmt.Errorf("%w: transcript has text but no words", ErrMalformedInput)
	}
	tokens := make([]token, 0, len(words))
	for i, w := range words {
		if w.StartMs < 0 || w.EndMs < w.StartMs {
			return nil, fmt.Errorf("%w: word %d has timing %d-%d", ErrMalformedInput, i, w.StartMs, w.EndMs)
		}
		tokens = append(tokens, token{word: w, norm: normalize(w.Text)})
	}

	fillers := newFillerSet(language)
	var issues []sessions.Issue
	issues = append(issues, d.fillers(tokens, fillers)...)
	issues = append(issues, d.repetitions(tokens, fillers)...)
	issues = append(issues, d.pauses(tokens)...)
	issues = append(issues, d.unclear(tokens)...)
	issues = append(issues, d.pace(tokens)...)

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].StartMs < issues[j].StartMs
	})
	return issues, nil
}

func (d Detector) fillers(tokens []token, set fillerSet) []sessions.Issue {
	var out []sessions.Issue
	for i := 0; i < len(tokens); i++ {
		cur := tokens[i]
		if i+1 < len(tokens) && set.isPair(cur.norm, tokens[i+1].norm) {
			next := tokens[i+1]
			if issue, ok := ruleIssue(sessions.IssueFillerWord, cur.word.StartMs, next.word.EndMs, cur.norm+" "+next.norm,
				sessions.SeverityLow, sessions.CategoryFluency); ok {
				out = append(out, issue)
			}
			i++
			continue
		}
		if set.isSingle(cur.norm) {
			if issue, ok := ruleIssue(sessions.IssueFillerWord, cur.word.StartMs, cur.word.EndMs, cur.norm,
				sessions.SeverityLow, sessions.CategoryFluency); ok {
				out = append(out, issue)
			}
		}
	}
	return out
}

// repetitions flags a word repeated within RepetitionMaxGap positions.
// Fillers are left to the filler rule.
func (d Detector) repetitions(tokens []token, set fillerSet) []sessions.Issue {
	maxGap := d.Options.RepetitionMaxGap
	if maxGap < 1 {
		maxGap = 1
	}
	var out []sessions.Issue
	for i := 0; i < len(tokens); i++ {
		cur := tokens[i]
		if cur.norm == "" || set.isSingle(cur.norm) {
			continue
		}
		last := i
		for j := i + 1; j < len(tokens) && j-last <= maxGap; j++ {
			if tokens[j].norm == cur.norm {
				last = j
			}
		}
		if last == i {
			continue
		}
		count := 0
		for k := i; k <= last; k++ {
			if tokens[k].norm == cur.norm {
				count++
			}
		}
		text := strings.TrimSpace(strings.Repeat(cur.norm+" ", count))
		severity := sessions.SeverityLow
		if count > 2 {
			severity = sessions.SeverityMedium
		}
		if issue, ok := ruleIssue(sessions.IssueRepetition, cur.word.StartMs, tokens[last].word.EndMs, text,
			severity, sessions.CategoryFluency); ok {
			out = append(out, issue)
		}
		i = last
	}
	return out
}

func (d Detector) pauses(tokens []token) []sessions.Issue {
	if d.Options.LongPauseMs <= 0 {
		return nil
	}
	var out []sessions.Issue
	var prev *transcription.Word
	for i := range tokens {
		w := tokens[i].word
		if !w.Timed() {
			continue
		}
		if prev != nil {
			gap := w.StartMs - prev.EndMs
			if gap >= d.Options.LongPauseMs {
				severity := sessions.SeverityMedium
				if gap >= 2*d.Options.LongPauseMs {
					severity = sessions.SeverityHigh
				}
				text := fmt.Sprintf("%.1fs pause", float64(gap)/1000)
				if issue, ok := ruleIssue(sessions.IssueLongPause, prev.EndMs, w.StartMs, text, severity, sessions.CategoryFluency); ok {
					out = append(out, issue)
				}
			}
		}
		prev = &tokens[i].word
	}
	return out
}

func (d Detector) unclear(tokens []token) []sessions.Issue {
	if d.Options.LowConfidence <= 0 {
		return nil
	}
	var out []sessions.Issue
	for _, t := range tokens {
		c := t.word.Confidence
		// Zero means the provider did not report confidence.
		if c <= 0 || c >= d.Options.LowConfidence {
			continue
		}
		severity := sessions.SeverityLow
		if c < d.Options.LowConfidence/2 {
			severity = sessions.SeverityMedium
		}
		issue, ok := ruleIssue(sessions.IssueUnclearSpeech, t.word.StartMs, t.word.EndMs, t.word.Text, severity, sessions.CategoryClarity)
		if !ok {
			continue
		}
		conf := sessions.Round4(c)
		issue.Confidence = &conf
		out = append(out, issue)
	}
	return out
}

// pace evaluates fixed windows of timed words. A trailing window shorter than
// half the window length is ignored.
func (d Detector) pace(tokens []token) []sessions.Issue {
	windowMs := int64(d.Options.PaceWindowSeconds * 1000)
	if windowMs <= 0 {
		return nil
	}
	var timed []transcription.Word
	for _, t := range tokens {
		if t.word.Timed() {
			timed = append(timed, t.word)
		}
	}
	if len(timed) == 0 {
		return nil
	}

	var out []sessions.Issue
	origin := timed[0].StartMs
	end := timed[len(timed)-1].EndMs
	for start := origin; start < end; start += windowMs {
		stop := start + windowMs
		span := windowMs
		if stop > end {
			span = end - start
			if span < windowMs/2 {
				break
			}
		}
		var inWindow []transcription.Word
		for _, w := range timed {
			if w.StartMs >= start && w.StartMs < stop {
				inWindow = append(inWindow, w)
			}
		}
		if len(inWindow) < 2 {
			continue
		}
		wpm := float64(len(inWindow)) * 60000 / float64(span)
		first, last := inWindow[0].StartMs, inWindow[len(inWindow)-1].EndMs
		switch {
		case d.Options.PaceFastWPM > 0 && wpm > d.Options.PaceFastWPM:
			severity := sessions.SeverityMedium
			if wpm > d.Options.PaceFastWPM*1.2 {
				severity = sessions.SeverityHigh
			}
			if issue, ok := ruleIssue(sessions.IssuePaceTooFast, first, last, fmt.Sprintf("%.0f wpm", math.Round(wpm)), severity, sessions.CategoryPace); ok {
				out = append(out, issue)
			}
		case d.Options.PaceSlowWPM > 0 && wpm < d.Options.PaceSlowWPM:
			severity := sessions.SeverityMedium
			if wpm < d.Options.PaceSlowWPM*0.7 {
				severity = sessions.SeverityHigh
			}
			if issue, ok := ruleIssue(sessions.IssuePaceTooSlow, first, last, fmt.Sprintf("%.0f wpm", math.Round(wpm)), severity, sessions.CategoryPace); ok {
				out = append(out, issue)
			}
		}
	}
	return out
}

// ruleIssue builds a rule issue, dropping spans that cannot be persisted.
func ruleIssue(kind sessions.IssueKind, startMs, endMs int64, text string, severity sessions.Severity, category sessions.Category) (sessions.Issue, bool) {
	if startMs < 0 || endMs <= startMs {
		return sessions.Issue{}, false
	}
	return sessions.Issue{
		Kind:     kind,
		StartMs:  startMs,
		EndMs:    endMs,
		Text:     text,
		Source:   sessions.SourceRule,
		Severity: severity,
		Category: category,
	}, true
}
