package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	sessionsStartedTotal   atomic.Uint64
	sessionsCompletedTotal atomic.Uint64
	sessionsFailedTotal    atomic.Uint64
	aiFallbackTotal        atomic.Uint64
	aiSkippedTotal         atomic.Uint64
	aiCacheHitTotal        atomic.Uint64
	embeddingsSkippedTotal atomic.Uint64
	watchdogReapedTotal    atomic.Uint64
	jobRetriesTotal        atomic.Uint64
	jobsReceivedTotal      atomic.Uint64
	jobsCompletedTotal     atomic.Uint64
	jobsFailedTotal        atomic.Uint64
	jobsDiscardedTotal     atomic.Uint64

	sessionDuration = newHistogram(durationBuckets)

	stageMu        sync.Mutex
	stageDurations = map[string]*histogram{}
)

var durationBuckets = []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000}

// IncSessionStarted increments the started counter.
func IncSessionStarted() {
	sessionsStartedTotal.Add(1)
}

// IncSessionCompleted increments the completed counter.
func IncSessionCompleted() {
	sessionsCompletedTotal.Add(1)
}

// IncSessionFailed increments the failed counter.
func IncSessionFailed() {
	sessionsFailedTotal.Add(1)
}

// IncAIFallback counts refinement runs that fell back to rule output.
func IncAIFallback() {
	aiFallbackTotal.Add(1)
}

// IncAISkipped counts refinement runs that were not attempted.
func IncAISkipped() {
	aiSkippedTotal.Add(1)
}

func IncAICacheHit() {
	aiCacheHitTotal.Add(1)
}

func IncEmbeddingsSkipped() {
	embeddingsSkippedTotal.Add(1)
}

// IncWatchdogReaped counts sessions failed by the stuck-session watchdog.
func IncWatchdogReaped(n int) {
	if n > 0 {
		watchdogReapedTotal.Add(uint64(n))
	}
}

func IncJobRetry() {
	jobRetriesTotal.Add(1)
}

func IncJobsReceived() {
	jobsReceivedTotal.Add(1)
}

func IncJobsCompleted() {
	jobsCompletedTotal.Add(1)
}

func IncJobsFailed() {
	jobsFailedTotal.Add(1)
}

// IncJobsDiscarded counts messages deleted without a successful run.
func IncJobsDiscarded() {
	jobsDiscardedTotal.Add(1)
}

// ObserveSessionDurationMs records a whole pipeline run in milliseconds.
func ObserveSessionDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	sessionDuration.Observe(value)
}

// ObserveStageDurationMs records one stage run in milliseconds.
func ObserveStageDurationMs(stage string, value float64) {
	if value < 0 {
		value = 0
	}
	stageMu.Lock()
	h, ok := stageDurations[stage]
	if !ok {
		h = newHistogram(durationBuckets)
		stageDurations[stage] = h
	}
	stageMu.Unlock()
	h.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "sessions_started_total", "Total session runs started", sessionsStartedTotal.Load())
	writeCounter(&buf, "sessions_completed_total", "Total session runs completed", sessionsCompletedTotal.Load())
	writeCounter(&buf, "sessions_failed_total", "Total session runs failed", sessionsFailedTotal.Load())
	writeCounter(&buf, "ai_refinement_fallback_total", "Refinement runs that fell back to rule output", aiFallbackTotal.Load())
	writeCounter(&buf, "ai_refinement_skipped_total", "Refinement runs skipped", aiSkippedTotal.Load())
	writeCounter(&buf, "ai_refinement_cache_hit_total", "Refinement cache hits", aiCacheHitTotal.Load())
	writeCounter(&buf, "embeddings_skipped_total", "Embedding runs skipped", embeddingsSkippedTotal.Load())
	writeCounter(&buf, "watchdog_reaped_total", "Sessions failed by the stuck-session watchdog", watchdogReapedTotal.Load())
	writeCounter(&buf, "job_retries_total", "Session jobs scheduled for retry", jobRetriesTotal.Load())
	writeCounter(&buf, "jobs_received_total", "Session jobs received by workers", jobsReceivedTotal.Load())
	writeCounter(&buf, "jobs_completed_total", "Session jobs completed", jobsCompletedTotal.Load())
	writeCounter(&buf, "jobs_failed_total", "Session jobs that ended in error", jobsFailedTotal.Load())
	writeCounter(&buf, "jobs_discarded_total", "Session jobs dropped as unrecoverable or duplicate", jobsDiscardedTotal.Load())
	writeHistogram(&buf, "session_duration_ms", "Pipeline run duration in milliseconds", "", sessionDuration.Snapshot())

	stageMu.Lock()
	stages := make([]string, 0, len(stageDurations))
	for name := range stageDurations {
		stages = append(stages, name)
	}
	stageMu.Unlock()
	sort.Strings(stages)
	if len(stages) > 0 {
		fmt.Fprintf(&buf, "# HELP stage_duration_ms Pipeline stage duration in milliseconds\n")
		fmt.Fprintf(&buf, "# TYPE stage_duration_ms histogram\n")
	}
	for _, name := range stages {
		stageMu.Lock()
		h := stageDurations[name]
		stageMu.Unlock()
		writeHistogramSeries(&buf, "stage_duration_ms", fmt.Sprintf("stage=%q", name), h.Snapshot())
	}
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help, labels string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	writeHistogramSeries(buf, name, labels, snap)
}

func writeHistogramSeries(buf *bytes.Buffer, name, labels string, snap histogramSnapshot) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, snap.count)
	if labels != "" {
		fmt.Fprintf(buf, "%s_sum{%s} %s\n", name, labels, formatFloat(snap.sum))
		fmt.Fprintf(buf, "%s_count{%s} %d\n", name, labels, snap.count)
		return
	}
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMillis returns the elapsed milliseconds since start.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
