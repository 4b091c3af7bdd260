package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	LogLevel        string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	QueueURL        string

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string
	GeminiAPIKey string

	EmbeddingsProvider string
	EmbeddingsModel    string

	STTBaseURL string
	STTAPIKey  string

	FFprobePath string
	FFmpegPath  string
	TempDir     string

	PipelineVersion            string
	DeleteMediaAfterProcessing bool
	TrialTTL                   time.Duration

	WorkerConcurrency int
	JobMaxAttempts    int
	JobBaseDelay      time.Duration
	JobMaxDelay       time.Duration

	LeaseTTL         time.Duration
	StuckAfter       time.Duration
	WatchdogSchedule string

	Thresholds Thresholds
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	llmProvider := normalizeProvider(getEnv("LLM_PROVIDER", "openai"))

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:             env,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     dbURL,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		QueueURL:        getEnv("SQS_QUEUE_URL", ""),

		LLMProvider:  llmProvider,
		LLMModel:     getEnv("LLM_MODEL", ""),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),

		EmbeddingsProvider: normalizeProvider(getEnv("EMBEDDINGS_PROVIDER", "none")),
		EmbeddingsModel:    getEnv("EMBEDDINGS_MODEL", "text-embedding-004"),

		STTBaseURL: getEnv("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		STTAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),

		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		TempDir:     getEnv("MEDIA_TEMP_DIR", os.TempDir()),

		PipelineVersion:            getEnv("PIPELINE_VERSION", "2.1.0"),
		DeleteMediaAfterProcessing: getEnvBool("DELETE_MEDIA_AFTER_PROCESSING", false),
		TrialTTL:                   getEnvDuration("TRIAL_TTL", 24*time.Hour),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobBaseDelay:      getEnvDuration("JOB_BASE_DELAY", 15*time.Second),
		JobMaxDelay:       getEnvDuration("JOB_MAX_DELAY", 5*time.Minute),

		LeaseTTL:         getEnvDuration("SESSION_LEASE_TTL", 15*time.Minute),
		StuckAfter:       getEnvDuration("SESSION_STUCK_AFTER", 20*time.Minute),
		WatchdogSchedule: getEnv("WATCHDOG_SCHEDULE", "0 */5 * * * *"),

		Thresholds: loadThresholds(),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "openai":
		return "openai"
	case "gemini", "google":
		return "gemini"
	default:
		return "none"
	}
}
