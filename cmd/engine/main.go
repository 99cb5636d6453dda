// Package main is the entry point for the safewatch engine.
//
// The engine hosts the monitoring sessions of the children it serves, the
// alert listeners and pairing polls of connected guardians, and the control
// API the watch and guardian apps call. It runs as a long-lived HTTP server;
// alert push delivery is handed to the alert worker over SQS when a queue is
// configured.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"safewatch/internal/alerts"
	"safewatch/internal/api/handlers"
	"safewatch/internal/clock"
	"safewatch/internal/config"
	"safewatch/internal/core"
	"safewatch/internal/db"
	"safewatch/internal/external"
	"safewatch/internal/guardian"
	"safewatch/internal/ingest"
	"safewatch/internal/monitor"
	"safewatch/internal/notify"
	"safewatch/internal/pairing"
	"safewatch/internal/queue"
	"safewatch/internal/scheduler"
	"safewatch/internal/sensorbus"
	"safewatch/internal/telemetry"
	"safewatch/internal/trail"
	"safewatch/internal/types"
)

// engineMetrics is the telemetry surface the engine components share.
type engineMetrics interface {
	core.MetricsCollector
	alerts.Metrics
	alerts.PollMetrics
	notify.DeliveryMetrics
}

var (
	_ engineMetrics = (*telemetry.CloudWatchMetrics)(nil)
	_ engineMetrics = telemetry.Nop{}
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("safewatch engine starting",
		"environment", cfg.Environment,
		"build", cfg.Build.String(),
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.IsLocal() {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
		logger.Info("database schema applied")
	}

	publisher, metrics, err := newAWSClients(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return err
	}

	srv, err := buildServer(cfg, logger, deps{
		Store:     db.NewStore(pool),
		Ping:      pool.Ping,
		Clients:   external.NewClientRegistry(cfg, types.NewSlogLogger(logger)),
		Publisher: publisher,
		Metrics:   metrics,
		Clock:     clock.Real{},
	})
	if err != nil {
		pool.Close()
		return err
	}
	srv.Closers = append(srv.Closers, func() error {
		pool.Close()
		return nil
	})

	return runHTTPServer(srv, cfg, logger)
}

// deps are the process-level resources buildServer wires into the engine.
type deps struct {
	Store     *db.Store
	Ping      func(ctx context.Context) error
	Clients   *external.ClientRegistry
	Publisher alerts.Publisher
	Metrics   engineMetrics
	Clock     clock.Clock
}

// buildServer constructs every engine component, mounts the handlers and
// registers the closers in shutdown order.
func buildServer(cfg *config.Config, logger *slog.Logger, d deps) (*core.Server, error) {
	tl := types.NewSlogLogger(logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = d.Metrics
	srv.HealthChecks = append(srv.HealthChecks, core.CheckFunc{Label: "database", Fn: d.Ping})

	sink := notify.NewPushSink(d.Clients.Push, d.Metrics, tl.With("component", "push"))

	manager := alerts.NewManager(alerts.ManagerConfig{
		Backend:   d.Store,
		Settings:  d.Store,
		Publisher: d.Publisher,
		Metrics:   d.Metrics,
		Clock:     d.Clock,
		Logger:    tl.With("component", "alerts"),
	})

	listeners := alerts.NewListeners(alerts.ListenerDeps{
		Source:   d.Store,
		Settings: d.Store,
		Names:    d.Store,
		Sink:     sink,
		Metrics:  d.Metrics,
		Clock:    d.Clock,
		Logger:   tl.With("component", "listener"),
	}, listenerConfig(cfg))

	recorder, err := trail.NewRecorder(d.Store, cfg.Monitor.TrailFlushEvery, tl.With("component", "trail"))
	if err != nil {
		return nil, fmt.Errorf("creating trail recorder: %w", err)
	}

	registry := monitor.NewRegistry(monitor.Deps{
		Normalizer: ingest.NewNormalizer(ingest.DefaultMotionThreshold),
		Alerts:     manager,
		Zones:      d.Store,
		Guardians:  d.Store,
		Settings:   d.Store,
		Sink:       sink,
		Trail:      recorder,
		Locator:    d.Clients.Locator,
		Clock:      d.Clock,
		Logger:     tl.With("component", "monitor"),
	}, monitorConfig(cfg))

	stopBus, busCheck, err := startSensorBus(cfg, registry, d.Clock, tl.With("component", "sensorbus"))
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	if busCheck != nil {
		srv.HealthChecks = append(srv.HealthChecks, busCheck)
	}

	hasher, err := pairing.NewHasher([]byte(cfg.Pairing.PINKey.Unmask()))
	if err != nil {
		return nil, fmt.Errorf("creating pin hasher: %w", err)
	}
	pairingSvc := pairing.NewService(pairing.ServiceConfig{
		Codes:    d.Store,
		Links:    d.Store,
		Notifier: manager,
		Hasher:   hasher,
		Clock:    d.Clock,
		Logger:   tl.With("component", "pairing"),
	})

	status, links, unlinker := pairingCheckers(d.Clients, pairingSvc)
	hub := guardian.NewHub(guardian.Deps{
		Listeners: listeners,
		Status:    status,
		Links:     links,
		Unlinker:  unlinker,
		Metrics:   d.Metrics,
		Clock:     d.Clock,
		Logger:    tl.With("component", "guardian"),
	}, pollerConfig(cfg))

	childHandler := handlers.NewChildHandler(
		handlers.MonitorRegistry{Registry: registry},
		pairingSvc,
		d.Store.Trails,
		d.Clock,
		srv.Validator,
		logger,
	)
	pairingHandler := handlers.NewPairingHandler(pairingSvc, hub, srv.Validator, logger)
	guardianHandler := handlers.NewGuardianHandler(
		hub,
		listeners,
		d.Store,
		d.Store.Settings,
		unlinker,
		srv.Validator,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		childHandler.RegisterRoutes,
		pairingHandler.RegisterRoutes,
		guardianHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
				core.JSON(w, r, http.StatusOK, core.Envelope(registry.Active()))
			})
		},
	)
	srv.HealthGauges = append(srv.HealthGauges,
		core.HealthGauge{Name: "monitoring_sessions", Count: func() int { return len(registry.Active()) }},
		core.HealthGauge{Name: "connected_guardians", Count: func() int { return len(hub.Connected()) }},
	)
	srv.MountRoutes()

	// Readings stop arriving before sessions stop. Guardians stop before
	// their listeners; sessions stop before the trail recorder flushes the
	// last segments.
	if stopBus != nil {
		srv.Closers = append(srv.Closers, stopBus)
	}
	srv.Closers = append(srv.Closers,
		hub.Close,
		listeners.Close,
		registry.Close,
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return recorder.Close(ctx)
		},
	)
	return srv, nil
}

// startSensorBus connects the MQTT reading bus when a broker is configured
// and returns its closer. It returns a nil closer otherwise.
func startSensorBus(cfg *config.Config, registry *monitor.Registry, clk clock.Clock, logger types.Logger) (func() error, core.HealthCheck, error) {
	sb := cfg.SensorBus
	if sb.BrokerURL == "" {
		return nil, nil, nil
	}
	bus := sensorbus.New(sensorbus.RegistrySessions{Registry: registry}, sensorbus.Config{
		TopicPrefix: sb.TopicPrefix,
		QoS:         sb.QoS,
		Timeout:     sb.Timeout,
	}, clk, logger)
	client, err := sensorbus.Dial(sensorbus.DialConfig{
		BrokerURL: sb.BrokerURL,
		ClientID:  sb.ClientID,
		Username:  sb.Username,
		Password:  sb.Password.Unmask(),
	}, bus)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("sensor bus connected", "broker", sb.BrokerURL, "topic", bus.Filter())

	stop := func() error {
		err := bus.Unsubscribe(client)
		client.Disconnect(250)
		return err
	}
	return stop, sensorBusCheck(client), nil
}

// sensorBusCheck reports the broker connection. Watches can still post
// readings over HTTP, so a lost broker only degrades the engine.
func sensorBusCheck(client interface{ IsConnectionOpen() bool }) core.HealthCheck {
	return core.CheckFunc{Label: "sensor_bus", NonCritical: true, Fn: func(context.Context) error {
		if !client.IsConnectionOpen() {
			return errors.New("broker connection is down")
		}
		return nil
	}}
}

// pairingCheckers returns the backend client for status, liveness and unlink
// when one is configured, and the local pairing service otherwise.
func pairingCheckers(reg *external.ClientRegistry, svc *pairing.Service) (pairing.StatusChecker, pairing.LinkChecker, pairing.Unlinker) {
	if reg.Backend != nil {
		return reg.Backend, reg.Backend, reg.Backend
	}
	return svc, svc, svc
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		OffWrist:            cfg.Monitor.OffWrist,
		DangerCooldown:      cfg.Monitor.DangerCooldown,
		ZoneRefreshInterval: cfg.Monitor.ZoneRefreshInterval,
		LocationRetries:     cfg.Monitor.LocationRetries,
		LocationRetryBase:   cfg.Monitor.LocationRetryBase,
		HaltGrace:           cfg.Monitor.HaltGrace,
		HaltPulse:           cfg.Monitor.HaltPulse,
	}
}

func listenerConfig(cfg *config.Config) alerts.ListenerConfig {
	lc := alerts.DefaultListenerConfig()
	lc.Interval = cfg.Monitor.AlertPollInterval
	lc.SOSInterval = cfg.Monitor.SOSHapticInterval
	lc.ReconnectingAfter = cfg.Pairing.ReconnectingAfter
	lc.Backoff = scheduler.Backoff{Min: cfg.Monitor.AlertPollInterval, Max: cfg.Pairing.BackoffMax}
	return lc
}

func pollerConfig(cfg *config.Config) pairing.PollerConfig {
	return pairing.PollerConfig{
		ApprovalInterval:   cfg.Pairing.ApprovalInterval,
		RejectDismissAfter: cfg.Pairing.RejectDismissAfter,
		LivenessInterval:   cfg.Pairing.LivenessInterval,
		BackoffMax:         cfg.Pairing.BackoffMax,
		ReconnectingAfter:  cfg.Pairing.ReconnectingAfter,
	}
}

// newPoolConfig parses the database URL and applies the pool tuning.
func newPoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	pc.MaxConns = int32(cfg.Database.MaxConns)
	pc.MinConns = int32(cfg.Database.MinConns)
	pc.MaxConnLifetime = cfg.Database.MaxConnLifetime
	pc.HealthCheckPeriod = cfg.Database.HealthCheckPeriod
	return pc, nil
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newAWSClients builds the alert queue publisher and CloudWatch metrics.
// Either is replaced by a no-op when not configured.
func newAWSClients(ctx context.Context, cfg *config.Config, logger *slog.Logger) (alerts.Publisher, engineMetrics, error) {
	if cfg.AWS.AlertQueueURL == "" && !cfg.Observability.EnableMetrics {
		return nil, telemetry.Nop{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	tl := types.NewSlogLogger(logger)

	var publisher alerts.Publisher
	if cfg.AWS.AlertQueueURL != "" {
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		publisher = queue.NewAlertPublisher(client, cfg.AWS.AlertQueueURL, tl.With("component", "queue"))
	} else {
		logger.Info("no alert queue configured; alerts are surfaced in-app only")
	}

	var metrics engineMetrics = telemetry.Nop{}
	if cfg.Observability.EnableMetrics {
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metrics = telemetry.NewCloudWatchMetrics(client, cfg.Observability.MetricNamespace, tl.With("component", "metrics"))
	}
	return publisher, metrics, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
