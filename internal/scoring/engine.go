// Package scoring turns a transcript and its issues into normalized scores.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/config"
	"speechcoach-backend/internal/shared/telemetry"
	"speechcoach-backend/internal/transcription"
)

// Input is everything the metrics stage reads.
type Input struct {
	SessionID       string
	Transcript      string
	Words           []transcription.Word
	Issues          []sessions.Issue
	DurationSeconds float64
}

// Output holds the computed metric groups.
type Output struct {
	Speaking       sessions.SpeakingMetrics
	Clarity        sessions.ClarityMetrics
	Fluency        sessions.FluencyMetrics
	Engagement     sessions.EngagementMetrics
	Overall        sessions.OverallScores
	Degraded       bool
	DegradedReason string
}

// Apply copies the metric groups onto a result.
func (o Output) Apply(r *sessions.AnalysisResult) {
	r.SpeakingMetrics = o.Speaking
	r.ClarityMetrics = o.Clarity
	r.FluencyMetrics = o.Fluency
	r.EngagementMetrics = o.Engagement
	r.OverallScores = o.Overall
}

// Engine computes metrics with fixed formulas.
type Engine struct {
	Thresholds config.Thresholds
}

func NewEngine(t config.Thresholds) Engine {
	return Engine{Thresholds: t}
}

// Compute never fails; any internal error yields a degraded minimal output.
func (e Engine) Compute(in Input) (out Output) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.Error("scoring.panic", map[string]any{
				"session_id": in.SessionID,
				"panic":      fmt.Sprint(rec),
			})
			out = minimal(in, fmt.Sprintf("metrics computation failed: %v", rec))
		}
	}()
	return e.compute(in)
}

func (e Engine) compute(in Input) Output {
	t := e.Thresholds
	wordCount := countWords(in)
	duration := durationSeconds(in)
	minutes := duration / 60

	wpm := 0.0
	if minutes > 0 {
		wpm = float64(wordCount) / minutes
	}

	fillers, fillerWords := fillerStats(in.Issues)
	fillerRate := 0.0
	if minutes > 0 {
		fillerRate = float64(fillers) / minutes
	}

	issueMs := mergedIssueMs(in.Issues)
	totalMs := int64(math.Round(duration * 1000))
	clarity := 0.0
	switch {
	case totalMs > 0:
		clarity = 1 - float64(issueMs)/float64(totalMs)
	case len(in.Issues) == 0:
		clarity = 1
	}

	paceScore := 0.0
	if t.IdealWPM > 0 && wordCount > 0 {
		paceScore = 1 - math.Abs(wpm-t.IdealWPM)/t.IdealWPM
	}
	fillerScore := 1.0
	if t.FillerRateCeilingPerMin > 0 {
		fillerScore = 1 - fillerRate/t.FillerRateCeilingPerMin
	}
	fluency := t.FluencyPaceWeight*sessions.Clamp01(paceScore) + t.FluencyFillerWeight*sessions.Clamp01(fillerScore)

	band := e.paceBand(wpm)
	length := 0.0
	if t.FullLengthSeconds > 0 {
		length = duration / t.FullLengthSeconds
	}
	complexity := 0.0
	if duration > 0 && t.ComplexityWordsPerSecond > 0 {
		complexity = (float64(wordCount) / duration) / t.ComplexityWordsPerSecond
	}
	engagement := band * sessions.Clamp01(length) * sessions.Clamp01(complexity) * t.EngagementMultiplier

	consistency := e.paceConsistency(in.Words, wordCount, duration)

	w := t.Weights
	overall := w.Clarity*sessions.Clamp01(clarity) +
		w.Fluency*sessions.Clamp01(fluency) +
		w.Engagement*sessions.Clamp01(engagement) +
		w.PaceConsistency*sessions.Clamp01(consistency)

	clarityScore := sessions.NewScore(clarity)
	fluencyScore := sessions.NewScore(fluency)
	engagementScore := sessions.NewScore(engagement)
	consistencyScore := sessions.NewScore(consistency)

	return Output{
		Speaking: sessions.SpeakingMetrics{
			WPM:             round2(wpm),
			DurationSeconds: round2(duration),
			WordCount:       wordCount,
			TimingCoverage:  sessions.Round4(transcription.TimingCoverage(in.Words)),
		},
		Clarity: sessions.ClarityMetrics{
			ClarityScore:        clarityScore,
			FillerCount:         fillers,
			FillerRatePerMinute: round2(fillerRate),
			FillerWords:         fillerWords,
			IssueDurationMs:     issueMs,
		},
		Fluency: sessions.FluencyMetrics{
			FluencyScore: fluencyScore,
			PaceScore:    sessions.NewScore(paceScore),
			FillerScore:  sessions.NewScore(fillerScore),
		},
		Engagement: sessions.EngagementMetrics{
			EngagementScore:  engagementScore,
			PaceBandFactor:   sessions.NewScore(band),
			LengthFactor:     sessions.NewScore(length),
			ComplexityFactor: sessions.NewScore(complexity),
		},
		Overall: sessions.OverallScores{
			OverallScore:    sessions.NewScore(overall),
			Clarity:         clarityScore,
			Fluency:         fluencyScore,
			Engagement:      engagementScore,
			PaceConsistency: consistencyScore,
		},
	}
}

func (e Engine) paceBand(wpm float64) float64 {
	t := e.Thresholds
	switch {
	case wpm >= t.PaceBandLow && wpm <= t.PaceBandHigh:
		return 1
	case wpm >= t.PacePartialLow && wpm <= t.PacePartialHigh:
		return t.PacePartialCredit
	default:
		return t.PaceMinimumCredit
	}
}

// paceConsistency is one minus the coefficient of variation of per-window wpm.
func (e Engine) paceConsistency(words []transcription.Word, wordCount int, duration float64) float64 {
	if wordCount == 0 {
		return 0
	}
	windowMs := int64(e.Thresholds.PaceWindowSeconds * 1000)
	if windowMs <= 0 {
		return 1
	}
	counts := map[int64]int{}
	spanMs := int64(math.Round(duration * 1000))
	for _, w := range words {
		if !w.Timed() {
			continue
		}
		counts[w.StartMs/windowMs]++
		if w.EndMs > spanMs {
			spanMs = w.EndMs
		}
	}
	type window struct {
		words int
		ms    int64
	}
	var windows []window
	for i := int64(0); i*windowMs < spanMs; i++ {
		ms := min(windowMs, spanMs-i*windowMs)
		// A short tail would read as a slowdown.
		if ms < windowMs/2 {
			break
		}
		windows = append(windows, window{words: counts[i], ms: ms})
	}
	if len(windows) < 2 {
		return 1
	}
	rates := make([]float64, len(windows))
	for i, w := range windows {
		rates[i] = float64(w.words) / (float64(w.ms) / 60000)
	}
	mean, stddev := meanStddev(rates)
	if mean == 0 {
		return 0
	}
	return 1 - stddev/mean
}

func minimal(in Input, reason string) Output {
	out := Output{Degraded: true, DegradedReason: reason}
	out.Speaking.WordCount = len(strings.Fields(in.Transcript))
	if in.DurationSeconds > 0 && !math.IsInf(in.DurationSeconds, 0) {
		out.Speaking.DurationSeconds = round2(in.DurationSeconds)
	}
	return out
}

func countWords(in Input) int {
	if len(in.Words) > 0 {
		return len(in.Words)
	}
	return len(strings.Fields(in.Transcript))
}

func durationSeconds(in Input) float64 {
	if in.DurationSeconds > 0 && !math.IsInf(in.DurationSeconds, 0) {
		return in.DurationSeconds
	}
	var lastEnd int64
	for _, w := range in.Words {
		if w.Timed() && w.EndMs > lastEnd {
			lastEnd = w.EndMs
		}
	}
	return float64(lastEnd) / 1000
}

func fillerStats(issues []sessions.Issue) (int, map[string]int) {
	count := 0
	var words map[string]int
	for _, issue := range issues {
		if issue.Kind != sessions.IssueFillerWord {
			continue
		}
		count++
		key := strings.ToLower(strings.TrimSpace(issue.Text))
		if key == "" {
			continue
		}
		if words == nil {
			words = map[string]int{}
		}
		words[key]++
	}
	return count, words
}

// mergedIssueMs sums issue time with overlapping spans merged.
func mergedIssueMs(issues []sessions.Issue) int64 {
	spans := make([][2]int64, 0, len(issues))
	for _, issue := range issues {
		if issue.EndMs > issue.StartMs && issue.StartMs >= 0 {
			spans = append(spans, [2]int64{issue.StartMs, issue.EndMs})
		}
	}
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	var total int64
	cur := spans[0]
	for _, s := range spans[1:] {
		if s[0] <= cur[1] {
			if s[1] > cur[1] {
				cur[1] = s[1]
			}
			continue
		}
		total += cur[1] - cur[0]
		cur = s
	}
	return total + cur[1] - cur[0]
}

func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
