package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAlertEmitted    = "AlertEmitted"
	MetricAlertSuppressed = "AlertSuppressed"
	MetricPollFailure     = "PollFailure"
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricQueueLag        = "AlertQueueLag"
	MetricAPIRequestCount = "APIRequestCount"
	MetricAPILatency      = "APILatency"

	// Dimension Keys
	DimKind   = "Kind"
	DimReason = "Reason"
	DimPoller = "Poller"
	DimResult = "Result"

	DimMethod      = "Method"
	DimRoute       = "Route"
	DimStatusClass = "StatusClass"

	// Metric Namespace
	MetricNamespace = "SafeWatch"
)
