// Package telemetry publishes engine and worker metrics to CloudWatch.
//
// Metrics emitted (namespace from config, default SafeWatch):
//   - AlertEmitted: Dims {Kind}
//   - AlertSuppressed: Dims {Kind, Reason}
//   - PollFailure: Dims {Poller}
//   - DeliveryAttempt: Dims {Result}
//   - AlertQueueLag: no dims, milliseconds
//   - APIRequestCount, APILatency: Dims {Method, Route, StatusClass}
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"safewatch/internal/alerts"
	"safewatch/internal/core"
	"safewatch/internal/notify"
	"safewatch/internal/pairing"
	"safewatch/internal/queue"
	"safewatch/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Delivery result dimension values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	_ alerts.Metrics         = (*CloudWatchMetrics)(nil)
	_ alerts.PollMetrics     = (*CloudWatchMetrics)(nil)
	_ pairing.PollMetrics    = (*CloudWatchMetrics)(nil)
	_ notify.DeliveryMetrics = (*CloudWatchMetrics)(nil)
	_ queue.WorkerMetrics    = (*CloudWatchMetrics)(nil)
	_ core.MetricsCollector  = (*CloudWatchMetrics)(nil)
)

// CloudWatchMetrics emits one PutMetricData call per observation. Failures
// are logged and never returned; metrics must not block alerting.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
// An empty namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordEmitted counts an alert that passed suppression and was delivered.
func (m *CloudWatchMetrics) RecordEmitted(ctx context.Context, kind types.AlertKind) {
	m.put(ctx, types.MetricAlertEmitted, 1, cwtypes.StandardUnitCount,
		dim(types.DimKind, string(kind)),
	)
}

// RecordSuppressed counts an alert dropped by cooldown, settings or dedupe.
func (m *CloudWatchMetrics) RecordSuppressed(ctx context.Context, kind types.AlertKind, reason string) {
	m.put(ctx, types.MetricAlertSuppressed, 1, cwtypes.StandardUnitCount,
		dim(types.DimKind, string(kind)),
		dim(types.DimReason, reason),
	)
}

// RecordPollFailure counts a failed tick of a named poller.
func (m *CloudWatchMetrics) RecordPollFailure(ctx context.Context, poller string) {
	m.put(ctx, types.MetricPollFailure, 1, cwtypes.StandardUnitCount,
		dim(types.DimPoller, poller),
	)
}

// RecordDelivery counts a push delivery attempt by outcome.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, success bool) {
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	m.put(ctx, types.MetricDeliveryAttempt, 1, cwtypes.StandardUnitCount,
		dim(types.DimResult, result),
	)
}

// RecordQueueLag records the time between enqueue and worker pickup.
func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, types.MetricQueueLag, float64(lag.Milliseconds()), cwtypes.StandardUnitMilliseconds)
}

// RecordRequest records one API request's count and latency in a single
// PutMetricData call. Status is bucketed into its class (2xx, 4xx, ...).
func (m *CloudWatchMetrics) RecordRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	dims := []cwtypes.Dimension{
		dim(types.DimMethod, method),
		dim(types.DimRoute, route),
		dim(types.DimStatusClass, fmt.Sprintf("%dxx", status/100)),
	}
	m.send(ctx, types.MetricAPIRequestCount,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	m.send(ctx, name, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Dimensions: dims,
	})
}

func (m *CloudWatchMetrics) send(ctx context.Context, name string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// Nop discards every observation. It is used when metrics are disabled.
type Nop struct{}

func (Nop) RecordEmitted(context.Context, types.AlertKind) {}
func (Nop) RecordSuppressed(context.Context, types.AlertKind, string) {}
func (Nop) RecordPollFailure(context.Context, string) {}
func (Nop) RecordDelivery(context.Context, bool) {}
func (Nop) RecordQueueLag(context.Context, time.Duration) {}
func (Nop) RecordRequest(context.Context, string, string, int, time.Duration) {}
