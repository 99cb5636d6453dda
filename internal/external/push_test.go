package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"safewatch/internal/types"
)

func TestPushClient_SendAlertAndHaptic(t *testing.T) {
	type received struct {
		path string
		body map[string]string
	}
	var got []received
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got = append(got, received{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewPushClient(&http.Client{Timeout: 5 * time.Second}, PushClientConfig{GatewayURL: server.URL}, WithSleepFunc(noopSleep))
	ctx := context.Background()

	if err := c.SendAlert(ctx, "g-1", "SOS", "Mia needs help.", "siren"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if err := c.SendHaptic(ctx, "child-1", types.HapticFailure); err != nil {
		t.Fatalf("SendHaptic: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(got))
	}
	if got[0].path != "/v1/notifications" || got[0].body["sound"] != "siren" || got[0].body["recipient"] != "g-1" {
		t.Errorf("unexpected alert request: %+v", got[0])
	}
	if got[1].path != "/v1/haptics" || got[1].body["pattern"] != "failure" {
		t.Errorf("unexpected haptic request: %+v", got[1])
	}
}

func TestPushClient_RejectedDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte("device unregistered"))
	}))
	defer server.Close()

	c := NewPushClient(&http.Client{Timeout: 5 * time.Second}, PushClientConfig{GatewayURL: server.URL}, WithSleepFunc(noopSleep))
	err := c.SendAlert(context.Background(), "g-1", "t", "b", "")
	if got := types.CodeOf(err); got != types.ErrCodeUpstreamPush {
		t.Errorf("code = %s, want %s", got, types.ErrCodeUpstreamPush)
	}
}
