package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"speechcoach-backend/internal/detection"
	"speechcoach-backend/internal/embeddings"
	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/llm/gemini"
	"speechcoach-backend/internal/llm/openai"
	"speechcoach-backend/internal/media"
	"speechcoach-backend/internal/pipeline"
	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/refinement"
	"speechcoach-backend/internal/scoring"
	"speechcoach-backend/internal/services/health"
	"speechcoach-backend/internal/sessions"
	"speechcoach-backend/internal/shared/config"
	"speechcoach-backend/internal/shared/server"
	"speechcoach-backend/internal/shared/server/middleware"
	"speechcoach-backend/internal/shared/storage/db"
	"speechcoach-backend/internal/shared/storage/object"
	localstore "speechcoach-backend/internal/shared/storage/object/local"
	s3store "speechcoach-backend/internal/shared/storage/object/s3"
	"speechcoach-backend/internal/shared/telemetry"
	"speechcoach-backend/internal/transcription"
	"speechcoach-backend/internal/workerproc"
)

// Role selects which process-specific pieces Build wires.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Repo            sessions.Repo
	Queue           queue.Client
	LocalRunner     *workerproc.LocalRunner
	SessionsService *sessions.Service
	SessionHandler  *sessions.Handler
	Orchestrator    *pipeline.Orchestrator
	Watchdog        *pipeline.Watchdog
	Health          *health.Service
}

// Build prepares shared dependencies. The API role mounts the router and,
// without an SQS queue, runs jobs in-process.
func Build(ctx context.Context, cfg config.Config, role Role) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}

	sqlDB, err := buildDB(ctx, cfg, role)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: sqlDB, Store: store}
	if sqlDB != nil {
		app.Repo = &sessions.PGRepo{DB: sqlDB}
	} else {
		app.Repo = sessions.NewMemoryRepo()
	}

	app.Orchestrator = buildOrchestrator(ctx, cfg, app.Repo, store)
	app.Watchdog = &pipeline.Watchdog{
		Repo:       app.Repo,
		StuckAfter: cfg.StuckAfter,
		Schedule:   cfg.WatchdogSchedule,
	}
	if role == RoleWorker {
		app.Health = health.NewService(pinger(sqlDB), "sqs", app.Orchestrator.Options.Version)
		return app, nil
	}

	queueMode := "sqs"
	if strings.TrimSpace(cfg.QueueURL) != "" {
		client, err := queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.QueueURL)
		if err != nil {
			return nil, err
		}
		app.Queue = client
	} else {
		queueMode = "local"
		policy := workerproc.RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			BaseDelay:   cfg.JobBaseDelay,
			MaxDelay:    cfg.JobMaxDelay,
		}
		app.LocalRunner = workerproc.NewLocalRunner(ctx, app.Orchestrator, policy, cfg.WorkerConcurrency)
		app.Queue = app.LocalRunner
		telemetry.Info("bootstrap.local_runner", map[string]any{"concurrency": cfg.WorkerConcurrency})
	}

	app.SessionsService = &sessions.Service{
		Repo:            app.Repo,
		Store:           store,
		Queue:           app.Queue,
		TrialTTL:        cfg.TrialTTL,
		DefaultLanguage: "en",
	}
	app.SessionHandler = sessions.NewHandler(app.SessionsService)
	app.Health = health.NewService(pinger(sqlDB), queueMode, app.Orchestrator.Options.Version)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:         cfg,
		SessionHandler: app.SessionHandler,
		Health:         app.Health,
		RateLimiter:    middleware.NewRateLimiter(nil),
	})
	return app, nil
}

// Close releases process resources.
func (a *App) Close(timeout time.Duration) {
	if a.LocalRunner != nil {
		a.LocalRunner.Close(timeout)
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func buildDB(ctx context.Context, cfg config.Config, role Role) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	if role == RoleWorker {
		opts = db.OptionsFromEnv(db.DefaultWorkerOptions(cfg.WorkerConcurrency))
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repo", map[string]any{"reason": "database connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildOrchestrator(ctx context.Context, cfg config.Config, repo sessions.Repo, store object.ObjectStore) *pipeline.Orchestrator {
	th := cfg.Thresholds
	version := cfg.PipelineVersion
	if version == "" {
		version = pipeline.Version
	}

	var stt transcription.Provider
	if strings.TrimSpace(cfg.STTAPIKey) != "" {
		stt = &transcription.DeepgramClient{BaseURL: cfg.STTBaseURL, APIKey: cfg.STTAPIKey}
	} else {
		telemetry.Warn("bootstrap.stt_unconfigured", map[string]any{"reason": "DEEPGRAM_API_KEY empty"})
	}

	return &pipeline.Orchestrator{
		Repo: repo,
		Extractor: &media.Extractor{
			Store:              store,
			Prober:             media.FFprobe{Path: cfg.FFprobePath},
			Converter:          media.FFmpeg{Path: cfg.FFmpegPath},
			TempDir:            cfg.TempDir,
			MinDurationSeconds: th.MinDurationSeconds,
			Analyzer:           media.FFmpeg{Path: cfg.FFmpegPath},
			SilenceThresholdDB: th.SilenceMaxVolumeDB,
		},
		Transcriber: &transcription.Adapter{
			Provider: stt,
			Options: transcription.Options{
				MinWords:          th.MinWords,
				TrialMinWords:     th.TrialMinWords,
				TimingCoverageMin: th.TimingCoverageMin,
				Timeout:           th.STTTimeout,
			},
		},
		Detector: detection.Detector{Options: detection.Options{
			PaceFastWPM:       th.PaceFastWPM,
			PaceSlowWPM:       th.PaceSlowWPM,
			PaceWindowSeconds: th.PaceWindowSeconds,
			LongPauseMs:       th.LongPauseMs,
			LowConfidence:     th.LowConfidence,
			RepetitionMaxGap:  th.RepetitionMaxGap,
		}},
		Refiner: refinement.Refiner{
			Client: buildLLM(ctx, cfg),
			Cache:  refinement.NewMemoryCache(),
			Options: refinement.Options{
				MinConfidence:      th.AIMinConfidence,
				MinWords:           th.AIMinWords,
				CacheTTL:           th.AICacheTTL,
				ContextWindowWords: th.AIContextWindowWords,
				Timeout:            th.AITimeout,
			},
		},
		Scorer: scoring.NewEngine(th),
		Embeddings: embeddings.Generator{
			Embedder: buildEmbedder(ctx, cfg),
			Timeout:  th.EmbeddingsTimeout,
		},
		Media:    store,
		Reporter: pipeline.LogReporter{},
		Options: pipeline.Options{
			Version:                    version,
			LeaseTTL:                   cfg.LeaseTTL,
			DeleteMediaAfterProcessing: cfg.DeleteMediaAfterProcessing,
		},
	}
}

// buildLLM returns nil when no provider is configured; the refiner then
// records the stage as skipped.
func buildLLM(ctx context.Context, cfg config.Config) llm.Client {
	switch cfg.LLMProvider {
	case "openai":
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel)
		if err != nil {
			telemetry.Warn("bootstrap.llm_unavailable", map[string]any{"provider": "openai", "error": err.Error()})
			return nil
		}
		return llm.NewRetrying(client)
	case "gemini":
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.LLMModel)
		if err != nil {
			telemetry.Warn("bootstrap.llm_unavailable", map[string]any{"provider": "gemini", "error": err.Error()})
			return nil
		}
		return llm.NewRetrying(client)
	default:
		return nil
	}
}

func buildEmbedder(ctx context.Context, cfg config.Config) embeddings.Embedder {
	if cfg.EmbeddingsProvider != "gemini" {
		return nil
	}
	embedder, err := embeddings.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingsModel)
	if err != nil {
		telemetry.Warn("bootstrap.embeddings_unavailable", map[string]any{"error": err.Error()})
		return nil
	}
	return embedder
}

func pinger(sqlDB *sql.DB) health.Pinger {
	if sqlDB == nil {
		return nil
	}
	return sqlDB
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
