package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"safewatch/internal/clock"
	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// Republisher re-enqueues a message for a later delivery attempt.
type Republisher interface {
	Republish(ctx context.Context, msg types.AlertMessage, delay time.Duration) error
}

// WorkerMetrics records queue health.
type WorkerMetrics interface {
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// WorkerConfig holds the delivery worker's collaborators.
type WorkerConfig struct {
	Sink        notify.Sink
	Republisher Republisher
	Metrics     WorkerMetrics
	// MaxRetries is the number of re-publishes before a message is left to
	// the queue's redrive policy.
	MaxRetries int
	// BaseDelay is the first retry delay; it doubles per attempt. Urgent
	// kinds are retried without delay.
	BaseDelay time.Duration
	Clock     clock.Clock
	Logger    types.Logger
}

// Worker delivers alert messages from the alert queue.
type Worker struct {
	sink        notify.Sink
	republisher Republisher
	metrics     WorkerMetrics
	maxRetries  int
	baseDelay   time.Duration
	clock       clock.Clock
	logger      types.Logger
}

// NewWorker returns a Worker. Zero values in cfg take defaults.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		sink:        cfg.Sink,
		republisher: cfg.Republisher,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if w.maxRetries <= 0 {
		w.maxRetries = 5
	}
	if w.baseDelay <= 0 {
		w.baseDelay = 30 * time.Second
	}
	if w.clock == nil {
		w.clock = clock.Real{}
	}
	if w.logger == nil {
		w.logger = types.NopLogger{}
	}
	return w
}

// Handle processes an SQS batch. Messages that fail are reported in
// BatchItemFailures so SQS retries only those.
func (w *Worker) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		if err := w.process(ctx, record); err != nil {
			w.logger.Error("failed to process alert message",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return resp, nil
}

func (w *Worker) process(ctx context.Context, record events.SQSMessage) error {
	var msg types.AlertMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure: ACK so it is not redelivered.
		w.logger.Error("failed to unmarshal alert message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}
	if !msg.Kind.Valid() || msg.GuardianID == "" {
		w.logger.Warn("dropping malformed alert message",
			"message_id", record.MessageId,
			"kind", string(msg.Kind),
		)
		return nil
	}

	logger := w.logger.With(
		"alert_id", msg.AlertID,
		"kind", string(msg.Kind),
		"guardian_id", msg.GuardianID,
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	if sent, ok := record.Attributes["SentTimestamp"]; ok && w.metrics != nil {
		if ms, err := strconv.ParseInt(sent, 10, 64); err == nil {
			w.metrics.RecordQueueLag(ctx, w.clock.Now().Sub(time.UnixMilli(ms)))
		}
	}

	ctx = types.WithRequestID(ctx, msg.TraceID)
	err := w.sink.PresentAlert(ctx, notify.Presentation{
		AlertID:   msg.AlertID,
		Recipient: msg.GuardianID,
		Title:     msg.Title,
		Body:      msg.Body,
		SoundID:   msg.SoundID,
	})
	if err == nil {
		logger.Info("alert delivered")
		return nil
	}

	if msg.RetryCount >= w.maxRetries || w.republisher == nil {
		return fmt.Errorf("deliver alert %s: retries exhausted: %w", msg.AlertID, err)
	}

	delay := w.retryDelay(msg)
	if rerr := w.republisher.Republish(ctx, msg, delay); rerr != nil {
		return fmt.Errorf("republish alert %s: %w", msg.AlertID, rerr)
	}
	logger.Warn("alert delivery failed; scheduled retry",
		"delay", delay,
		"error", err,
	)
	return nil
}

func (w *Worker) retryDelay(msg types.AlertMessage) time.Duration {
	if IsUrgent(msg.Kind) {
		return 0
	}
	return min(w.baseDelay<<msg.RetryCount, maxDelay)
}
