// Package queue moves alerts between the engine and the delivery worker over
// SQS. The engine publishes one message per emitted alert; the worker
// consumes batches and pushes them to guardian devices.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"safewatch/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message attribute names set on every alert message.
const (
	AttrKind   = "kind"
	AttrUrgent = "urgent"
)

// maxDelay is the SQS DelaySeconds ceiling.
const maxDelay = 900 * time.Second

// AlertPublisher sends AlertMessages to the alert queue.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewAlertPublisher creates an AlertPublisher targeting queueURL.
func NewAlertPublisher(client SQSSender, queueURL string, logger types.Logger) *AlertPublisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &AlertPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish enqueues a freshly emitted alert for immediate delivery.
func (p *AlertPublisher) Publish(ctx context.Context, msg types.AlertMessage) error {
	return p.send(ctx, msg, 0)
}

// Republish re-enqueues a message after a failed delivery attempt. RetryCount
// is incremented before serialization so the next consumer sees the attempt
// number. delay is clamped to the SQS maximum of 15 minutes.
func (p *AlertPublisher) Republish(ctx context.Context, msg types.AlertMessage, delay time.Duration) error {
	msg.RetryCount++
	return p.send(ctx, msg, delay)
}

func (p *AlertPublisher) send(ctx context.Context, msg types.AlertMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("alert publisher: failed to marshal message: %w", err)
	}

	delay = min(max(delay, 0), maxDelay)
	delaySec := int32(delay / time.Second)

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrKind: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
			AttrUrgent: {
				DataType:    aws.String("String"),
				StringValue: aws.String(fmt.Sprintf("%t", IsUrgent(msg.Kind))),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("alert publisher: failed to send message to %s", p.queueURL), err)
	}

	p.logger.Info("alert message published",
		"alert_id", msg.AlertID,
		"kind", string(msg.Kind),
		"guardian_id", msg.GuardianID,
		"retry_count", msg.RetryCount,
		"delay_seconds", delaySec,
		"trace_id", msg.TraceID,
	)
	return nil
}

// IsUrgent reports whether alerts of this kind bypass delivery backoff.
func IsUrgent(kind types.AlertKind) bool {
	return kind == types.AlertSOS || kind == types.AlertHalt
}
