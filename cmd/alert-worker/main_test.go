package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"safewatch/internal/external"
	"safewatch/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettingsFromEnv_Defaults(t *testing.T) {
	env := map[string]string{"SQS_ALERTS": "http://localhost:4566/000000000000/alerts"}
	s := settingsFromEnv(func(k string) string { return env[k] })

	if s.QueueURL != env["SQS_ALERTS"] {
		t.Errorf("QueueURL: got %q", s.QueueURL)
	}
	if s.MetricNamespace != "SafeWatch" {
		t.Errorf("MetricNamespace: got %q", s.MetricNamespace)
	}
	if s.MaxRetries != 5 || s.BaseDelay != 30*time.Second {
		t.Errorf("retry defaults: got %d / %v", s.MaxRetries, s.BaseDelay)
	}
}

func TestSettingsFromEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"METRIC_NAMESPACE":       "SafeWatchDev",
		"ALERT_MAX_RETRIES":      "2",
		"ALERT_RETRY_BASE_DELAY": "5s",
	}
	s := settingsFromEnv(func(k string) string { return env[k] })

	if s.MetricNamespace != "SafeWatchDev" {
		t.Errorf("MetricNamespace: got %q", s.MetricNamespace)
	}
	if s.MaxRetries != 2 || s.BaseDelay != 5*time.Second {
		t.Errorf("retry overrides: got %d / %v", s.MaxRetries, s.BaseDelay)
	}
}

func TestSettingsFromEnv_InvalidRetryIgnored(t *testing.T) {
	env := map[string]string{"ALERT_MAX_RETRIES": "-1", "ALERT_RETRY_BASE_DELAY": "soon"}
	s := settingsFromEnv(func(k string) string { return env[k] })

	if s.MaxRetries != 5 || s.BaseDelay != 30*time.Second {
		t.Errorf("invalid values should keep defaults: got %d / %v", s.MaxRetries, s.BaseDelay)
	}
}

func TestNewPushGateway(t *testing.T) {
	if _, ok := newPushGateway(workerSettings{}, types.NopLogger{}).(*external.StubPushGateway); !ok {
		t.Error("expected the stub gateway when no URL is set")
	}
	gw := newPushGateway(workerSettings{PushGatewayURL: "https://push.example"}, types.NopLogger{})
	if _, ok := gw.(*external.PushClient); !ok {
		t.Errorf("got %T, want *external.PushClient", gw)
	}
}

func TestRunLocal_ReportsFailures(t *testing.T) {
	var got events.SQSEvent
	handle := func(_ context.Context, e events.SQSEvent) (events.SQSEventResponse, error) {
		got = e
		return events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{{ItemIdentifier: "m-2"}}}, nil
	}
	in := strings.NewReader(`{"Records":[{"messageId":"m-1","body":"{}"},{"messageId":"m-2","body":"{}"}]}`)
	var out bytes.Buffer

	if err := runLocal(context.Background(), handle, in, &out, discardLogger()); err != nil {
		t.Fatalf("runLocal: %v", err)
	}
	if len(got.Records) != 2 {
		t.Errorf("records: got %d, want 2", len(got.Records))
	}
	if !strings.Contains(out.String(), "m-2") {
		t.Errorf("failures not written: %q", out.String())
	}
}

func TestRunLocal_Errors(t *testing.T) {
	ok := func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
		return events.SQSEventResponse{}, nil
	}
	failing := func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
		return events.SQSEventResponse{}, errors.New("boom")
	}

	tests := []struct {
		name   string
		input  string
		handle func(context.Context, events.SQSEvent) (events.SQSEventResponse, error)
	}{
		{"empty input", "", ok},
		{"malformed json", "{", ok},
		{"handler error", `{"Records":[]}`, failing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := runLocal(context.Background(), tc.handle, strings.NewReader(tc.input), io.Discard, discardLogger())
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}
