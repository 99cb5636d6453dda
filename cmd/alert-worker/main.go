// Package main is the entry point for the alert worker Lambda.
//
// The worker consumes the alert queue the engine publishes to and delivers
// each alert to the guardian's devices through the push gateway. Failed
// deliveries are re-published with a delay until the retry budget is spent,
// after which the queue's redrive policy takes over.
//
// Cold start:
//  1. Initialize the structured logger.
//  2. Load the AWS SDK configuration.
//  3. Read the queue, push and metric settings from the environment.
//  4. Build the SQS republisher, CloudWatch metrics and push sink.
//  5. Register the worker and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"safewatch/internal/external"
	"safewatch/internal/notify"
	"safewatch/internal/queue"
	"safewatch/internal/telemetry"
	"safewatch/internal/types"
)

// workerSettings are read from the Lambda environment.
type workerSettings struct {
	QueueURL        string
	MetricNamespace string
	PushGatewayURL  string
	PushAPIKey      string
	EndpointURL     string
	MaxRetries      int
	BaseDelay       time.Duration
}

func settingsFromEnv(getenv func(string) string) workerSettings {
	s := workerSettings{
		QueueURL:        getenv("SQS_ALERTS"),
		MetricNamespace: getenv("METRIC_NAMESPACE"),
		PushGatewayURL:  getenv("PUSH_GATEWAY_URL"),
		PushAPIKey:      getenv("PUSH_API_KEY"),
		EndpointURL:     getenv("AWS_ENDPOINT_URL"),
		MaxRetries:      5,
		BaseDelay:       30 * time.Second,
	}
	if s.MetricNamespace == "" {
		s.MetricNamespace = "SafeWatch"
	}
	if n, err := strconv.Atoi(getenv("ALERT_MAX_RETRIES")); err == nil && n > 0 {
		s.MaxRetries = n
	}
	if d, err := time.ParseDuration(getenv("ALERT_RETRY_BASE_DELAY")); err == nil && d > 0 {
		s.BaseDelay = d
	}
	return s
}

// newPushGateway returns the push client, or a logging stub when no
// gateway is configured.
func newPushGateway(s workerSettings, logger types.Logger) notify.PushGateway {
	if s.PushGatewayURL == "" {
		logger.Warn("PUSH_GATEWAY_URL not set, using stub push gateway")
		return external.NewStubPushGateway(logger)
	}
	return external.NewPushClient(&http.Client{Timeout: 5 * time.Second}, external.PushClientConfig{
		GatewayURL: s.PushGatewayURL,
		APIKey:     s.PushAPIKey,
		UserAgent:  "SafeWatch-AlertWorker/1.0",
		Logger:     logger.With("client", "push"),
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("Alert Worker Lambda initializing (cold start)")
	tl := types.NewSlogLogger(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("Failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	s := settingsFromEnv(os.Getenv)
	if s.QueueURL == "" {
		logger.Error("SQS_ALERTS is not set")
		os.Exit(1)
	}

	withEndpoint := func(o *sqs.Options) {
		if s.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.EndpointURL)
		}
	}
	sqsClient := sqs.NewFromConfig(awsCfg, withEndpoint)
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if s.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.EndpointURL)
		}
	})

	metrics := telemetry.NewCloudWatchMetrics(cwClient, s.MetricNamespace, tl.With("component", "metrics"))
	sink := notify.NewPushSink(newPushGateway(s, tl), metrics, tl.With("component", "push"))
	worker := queue.NewWorker(queue.WorkerConfig{
		Sink:        sink,
		Republisher: queue.NewAlertPublisher(sqsClient, s.QueueURL, tl.With("component", "queue")),
		Metrics:     metrics,
		MaxRetries:  s.MaxRetries,
		BaseDelay:   s.BaseDelay,
		Logger:      tl,
	})

	logger.Info("Alert Worker Lambda initialized",
		"alert_queue", s.QueueURL,
		"metric_namespace", s.MetricNamespace,
		"max_retries", s.MaxRetries,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		if err := runLocal(context.Background(), worker.Handle, os.Stdin, os.Stderr, logger); err != nil {
			logger.Error("Local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(worker.Handle)
}

// runLocal feeds one SQS event read from in to handle and writes any batch
// failures to out.
func runLocal(
	ctx context.Context,
	handle func(context.Context, events.SQSEvent) (events.SQSEventResponse, error),
	in io.Reader,
	out io.Writer,
	logger *slog.Logger,
) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}
	var event events.SQSEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	resp, err := handle(ctx, event)
	if err != nil {
		return fmt.Errorf("handler execution failed: %w", err)
	}
	if len(resp.BatchItemFailures) > 0 {
		logger.Warn("Handler reported partial failures", "failed_count", len(resp.BatchItemFailures))
		respJSON, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(out, string(respJSON))
	}
	logger.Info("Handler execution completed",
		"records_processed", len(event.Records),
		"failures", len(resp.BatchItemFailures),
	)
	return nil
}
