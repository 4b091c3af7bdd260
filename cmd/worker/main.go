package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"speechcoach-backend/internal/bootstrap"
	"speechcoach-backend/internal/shared/config"
	"speechcoach-backend/internal/shared/metrics"
	"speechcoach-backend/internal/shared/telemetry"
	"speechcoach-backend/internal/workerproc"
)

const (
	defaultSQSRegion          = "us-east-1"
	defaultVisibilitySeconds  = 1200
	defaultShutdownTimeoutSec = 30
	maxVisibilitySeconds      = 43200
)

func main() {
	cfg := config.Load()
	telemetry.Configure(cfg.Env, cfg.LogLevel)

	queueURL := strings.TrimSpace(cfg.QueueURL)
	if queueURL == "" {
		log.Fatal("SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	visibilitySeconds := envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)
	shutdownTimeout := time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second
	concurrency := max(1, cfg.WorkerConcurrency)

	region := cfg.AWSRegion
	if region == "" {
		region = defaultSQSRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	var sqsClient sqsAPI = sqs.NewFromConfig(awsCfg)

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleWorker)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close(shutdownTimeout)

	if err := app.Watchdog.Start(); err != nil {
		log.Fatalf("start watchdog: %v", err)
	}
	defer app.Watchdog.Stop()

	c := &consumer{
		client:    sqsClient,
		queueURL:  queueURL,
		processor: app.Orchestrator,
		policy: workerproc.RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			BaseDelay:   cfg.JobBaseDelay,
			MaxDelay:    cfg.JobMaxDelay,
		},
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{
		"queue":       queueURL,
		"concurrency": concurrency,
		"visibility":  visibilitySeconds,
	})

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncJobsReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, m)
			}(msg)
		}
	}

	telemetry.Info("worker.shutdown", map[string]any{"timeout": shutdownTimeout.String()})
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		telemetry.Warn("worker.shutdown_timeout", nil)
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type consumer struct {
	client    sqsAPI
	queueURL  string
	processor workerproc.Processor
	policy    workerproc.RetryPolicy
}

func (c *consumer) handle(ctx context.Context, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, "", "")
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		var missing workerproc.ErrMissingSessionID
		if errors.As(err, &missing) {
			fields["request_id"] = missing.RequestID
			telemetry.Error("worker.session.missing_id", fields)
		} else {
			telemetry.Error("worker.session.decode_failed", fields)
		}
		if c.delete(ctx, msg, "", "") {
			metrics.IncJobsDiscarded()
		}
		return
	}

	fields := baseFields(msg, decoded.SessionID, decoded.RequestID)
	telemetry.Info("worker.session.received", fields)

	err = workerproc.HandleMessage(workerproc.WithParsedMessage(ctx, decoded), c.processor, body)
	switch workerproc.Decide(err) {
	case workerproc.OutcomeDone:
		if c.delete(ctx, msg, decoded.SessionID, decoded.RequestID) {
			telemetry.Info("worker.session.completed", fields)
			metrics.IncJobsCompleted()
		}
	case workerproc.OutcomeDiscard:
		fields["error"] = err.Error()
		telemetry.Warn("worker.session.discarded", fields)
		if c.delete(ctx, msg, decoded.SessionID, decoded.RequestID) {
			metrics.IncJobsDiscarded()
		}
	default:
		metrics.IncJobsFailed()
		fields["error"] = err.Error()
		delay, ok := c.policy.Next(receiveCount(msg))
		if !ok {
			// Attempt budget spent; the failed state is already persisted.
			telemetry.Error("worker.session.retries_exhausted", fields)
			c.delete(ctx, msg, decoded.SessionID, decoded.RequestID)
			return
		}
		metrics.IncJobRetry()
		fields["retry_in_ms"] = delay.Milliseconds()
		telemetry.Warn("worker.session.retry_scheduled", fields)
		c.delay(ctx, msg, delay, fields)
	}
}

// delay shortens the message's visibility so SQS redelivers it after d.
func (c *consumer) delay(ctx context.Context, msg sqstypes.Message, d time.Duration, fields map[string]any) {
	seconds := int32(d / time.Second)
	if seconds > maxVisibilitySeconds {
		seconds = maxVisibilitySeconds
	}
	if _, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: seconds,
	}); err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.session.visibility_failed", fields)
	}
}

func (c *consumer) delete(ctx context.Context, msg sqstypes.Message, sessionID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, sessionID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.session.delete_failed", fields)
		return false
	}
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, sessionID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.session.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, sessionID, requestID string) map[string]any {
	fields := map[string]any{
		"session_id":     sessionID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
