// Package config defines the process configuration for the safewatch engine
// and alert worker. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved from the OS environment, falling back to a .env file
// for local development. Any missing required value or invalid format fails
// startup.
package config

import (
	"time"

	"safewatch/internal/offwrist"
	"safewatch/internal/types"
)

// SecretString is an alias for types.SecretString so secrets in config are
// redacted when logged.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// sections they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"safewatch-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Monitor       MonitorConfig
	Pairing       PairingConfig
	Backend       BackendConfig
	Push          PushConfig
	SensorBus     SensorBusConfig
	Observability ObservabilityConfig

	// Build identifies the binary (ldflags or embedded VCS stamps).
	Build BuildInfo
}

// ServerConfig holds the engine HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	MaxBodyBytes       int64         `envconfig:"MAX_BODY_BYTES" default:"65536" validate:"gt=0"`
	ReadTimeout        time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout       time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// AlertQueueURL is the SQS queue consumed by the alert worker. Empty
	// disables queue fan-out; alerts are then only surfaced in-app.
	AlertQueueURL string `envconfig:"SQS_ALERTS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MonitorConfig holds the heuristics timings of a monitoring session.
type MonitorConfig struct {
	OffWrist offwrist.Config

	DangerCooldown      time.Duration `envconfig:"DANGER_COOLDOWN" default:"120s"`
	ZoneRefreshInterval time.Duration `envconfig:"ZONE_REFRESH_INTERVAL" default:"1m"`
	LocationRetries     int           `envconfig:"LOCATION_RETRIES" default:"3" validate:"gte=0"`
	LocationRetryBase   time.Duration `envconfig:"LOCATION_RETRY_BASE" default:"10s"`
	HaltGrace           time.Duration `envconfig:"HALT_GRACE" default:"15s"`
	HaltPulse           time.Duration `envconfig:"HALT_PULSE" default:"750ms"`
	SOSHapticInterval   time.Duration `envconfig:"SOS_HAPTIC_INTERVAL" default:"2s"`
	AlertPollInterval   time.Duration `envconfig:"ALERT_POLL_INTERVAL" default:"3s"`
	TrailFlushEvery     int           `envconfig:"TRAIL_FLUSH_EVERY" default:"50" validate:"gt=0"`
}

// PairingConfig holds PIN hashing and poll settings.
type PairingConfig struct {
	// PINKey keys the blake2b hash used to look up pairing codes.
	PINKey SecretString `envconfig:"PAIRING_PIN_KEY" validate:"required,min=16,max=64"`

	ApprovalInterval   time.Duration `envconfig:"PAIRING_APPROVAL_INTERVAL" default:"3s"`
	RejectDismissAfter time.Duration `envconfig:"PAIRING_REJECT_DISMISS_AFTER" default:"3s"`
	LivenessInterval   time.Duration `envconfig:"PAIRING_LIVENESS_INTERVAL" default:"10s"`
	BackoffMax         time.Duration `envconfig:"PAIRING_BACKOFF_MAX" default:"1m"`
	ReconnectingAfter  int           `envconfig:"PAIRING_RECONNECTING_AFTER" default:"3" validate:"gte=1"`
}

// BackendConfig points the engine at the guardian backend. An empty BaseURL
// runs pairing checks against the local database.
type BackendConfig struct {
	BaseURL   string        `envconfig:"BACKEND_URL" validate:"omitempty,url"`
	APIKey    SecretString  `envconfig:"BACKEND_API_KEY"`
	Timeout   time.Duration `envconfig:"BACKEND_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"BACKEND_USER_AGENT" default:"SafeWatch-Engine/1.0"`
}

// PushConfig configures the push gateway. An empty GatewayURL logs
// presentations instead of delivering them.
type PushConfig struct {
	GatewayURL string        `envconfig:"PUSH_GATEWAY_URL" validate:"omitempty,url"`
	APIKey     SecretString  `envconfig:"PUSH_API_KEY"`
	Timeout    time.Duration `envconfig:"PUSH_TIMEOUT" default:"5s"`
}

// SensorBusConfig configures the MQTT broker watches publish readings to.
// An empty BrokerURL leaves HTTP as the only ingest path.
type SensorBusConfig struct {
	BrokerURL   string        `envconfig:"MQTT_BROKER_URL" validate:"omitempty,url"`
	ClientID    string        `envconfig:"MQTT_CLIENT_ID" default:"safewatch-engine"`
	Username    string        `envconfig:"MQTT_USERNAME"`
	Password    SecretString  `envconfig:"MQTT_PASSWORD"`
	TopicPrefix string        `envconfig:"MQTT_TOPIC_PREFIX" default:"safewatch/watch"`
	QoS         byte          `envconfig:"MQTT_QOS" default:"1" validate:"lte=2"`
	Timeout     time.Duration `envconfig:"MQTT_HANDLE_TIMEOUT" default:"5s"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SafeWatch"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// BuildInfo identifies the running binary. It is never read from the
// environment; see NewBuildInfo.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
