package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"safewatch/internal/config"
	"safewatch/internal/types"
)

func newTestServerForRoutes(t *testing.T, cfg *config.Config, registrars ...func(chi.Router)) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Environment: "local"}
	}
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.V1RouteRegistrars = registrars
	srv.MountRoutes()
	return srv
}

func TestMountRoutes_HealthEndpoint(t *testing.T) {
	srv := newTestServerForRoutes(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security headers missing, got %q", got)
	}
}

func TestMountRoutes_V1Registrars(t *testing.T) {
	srv := newTestServerForRoutes(t, nil, func(r chi.Router) {
		r.Get("/children/{childID}/status", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: chi.URLParam(r, "childID")})
		})
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/children/c-7/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"c-7"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestMountRoutes_RequestID(t *testing.T) {
	var seen string
	srv := newTestServerForRoutes(t, nil, func(r chi.Router) {
		r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
			seen = types.GetRequestID(r.Context())
		})
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/echo", nil))
	generated := rec.Header().Get("X-Request-Id")
	if len(generated) != 32 || seen != generated {
		t.Errorf("expected a 32-char generated ID in header and context, got header %q ctx %q", generated, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	req.Header.Set("X-Request-Id", "upstream-id")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "upstream-id" || seen != "upstream-id" {
		t.Errorf("expected propagated ID, got header %q ctx %q", got, seen)
	}
}

func TestMountRoutes_RecovererCatchesPanics(t *testing.T) {
	srv := newTestServerForRoutes(t, nil, func(r chi.Router) {
		r.Post("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("request ID header should survive a panic")
	}
}

func TestMountRoutes_BodyLimit(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{MaxBodyBytes: 32}}
	srv := newTestServerForRoutes(t, cfg, func(r chi.Router) {
		r.Post("/readings", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := DecodeJSON(w, r, &body); err != nil {
				Error(w, r, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	})

	small, _ := json.Marshal(map[string]int{"bpm": 70})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/readings", bytes.NewReader(small)))
	if rec.Code != http.StatusAccepted {
		t.Errorf("small body: expected 202, got %d", rec.Code)
	}

	large := []byte(`{"note":"` + strings.Repeat("x", 64) + `"}`)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/readings", bytes.NewReader(large)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("large body: expected 400, got %d", rec.Code)
	}
}

func TestMountRoutes_CORSFromConfig(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{CorsAllowedOrigins: []string{"https://parent.example"}}}
	srv := newTestServerForRoutes(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://parent.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://parent.example" {
		t.Errorf("Access-Control-Allow-Origin: got %q", got)
	}
}

func TestBodyLimitMiddleware_StreamedBody(t *testing.T) {
	handler := BodyLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dst map[string]any
		if err := DecodeJSON(w, r, &dst); err != nil {
			Error(w, r, err)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pin":"123456"}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 once the reader passes the limit, got %d", rec.Code)
	}
}

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := ContextTimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !ok {
		t.Fatal("expected a deadline on the request context")
	}
	if time.Until(deadline) > 50*time.Millisecond {
		t.Errorf("deadline too far in the future: %v", deadline)
	}
}

func TestContextTimeoutMiddleware_Cancellation(t *testing.T) {
	handler := ContextTimeoutMiddleware(5 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		if r.Context().Err() != context.DeadlineExceeded {
			t.Errorf("expected DeadlineExceeded, got %v", r.Context().Err())
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
