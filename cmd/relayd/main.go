// Package main is the entry point for the relay daemon. It loads
// configuration, connects to the message broker, assembles the delivery
// pipeline and the HTTP/WebSocket surfaces, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/relay-core/internal/admin"
	"github.com/dskow/relay-core/internal/auth"
	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/brokerconn"
	"github.com/dskow/relay-core/internal/config"
	"github.com/dskow/relay-core/internal/deadletter"
	"github.com/dskow/relay-core/internal/health"
	"github.com/dskow/relay-core/internal/logging"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/middleware"
	"github.com/dskow/relay-core/internal/pipeline"
	"github.com/dskow/relay-core/internal/ratelimit"
	"github.com/dskow/relay-core/internal/server"
	"github.com/dskow/relay-core/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/relayd.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for config-load errors; replaced once config is read.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := buildLogger(cfg.Logging)
	if err != nil {
		logger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"broker_url", cfg.Broker.MQTT.URL,
		"topic_prefix", cfg.Broker.TopicPrefix,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"dead_letter_dir", cfg.DeadLetter.Dir,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Dead letter store and its retention janitor
	store, err := deadletter.Open(cfg.DeadLetter.Dir, logger)
	if err != nil {
		logger.Error("failed to open dead letter store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	done := make(chan struct{})
	defer close(done)
	go store.RunJanitor(done, cfg.DeadLetter.JanitorInterval, cfg.DeadLetter.MaxAge)

	// Broker connection state machine
	broker := brokerconn.NewMQTT(cfg.Broker.MQTT, logger)
	machine := brokerconn.New(broker, cfg.Retry.Policy(), cfg.Broker.Machine, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go machine.Run(runCtx)

	// Delivery pipeline: breaker, retries, dead-lettering, counters
	brk := breaker.New("publish", cfg.CircuitBreaker, logger)
	collector := metrics.NewCollector(func() string { return brk.State().String() })
	pipe := pipeline.New(machine, brk, store, collector, cfg.Retry.Policy(), cfg.Pipeline.ToPipeline(cfg.Broker.TopicPrefix), logger)

	// Stopped in the shutdown path below, after the HTTP server has
	// drained, so the workers flush what ingest already accepted.
	queue := pipeline.NewQueue(pipe, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)
	queue.Start(runCtx)

	// Client session hub (WebSocket stream + command channels)
	hub := server.NewHub(pipe, machine, cfg.Broker.TopicPrefix, logger)
	go hub.RunPruner(done, time.Minute, 30*time.Minute)

	// Rate limiter
	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Stop()

	// API surface: ingest and status, behind the middleware stack
	apiMux := http.NewServeMux()
	apiMux.Handle("/publish", server.PublishHandler(pipe))
	apiMux.Handle("/publish/async", server.AsyncPublishHandler(queue))
	apiMux.Handle("/status", server.StatusHandler(collector, func() string { return machine.State().String() }, store, hub))

	// Ingest requires auth when enabled; status stays open.
	pathProtected := func(path string) bool {
		return strings.HasPrefix(path, "/publish")
	}

	var bodyCfg *middleware.LoggingConfig
	if cfg.Logging.BodyLogging {
		bodyCfg = &middleware.LoggingConfig{
			BodyLogging:     true,
			MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
		}
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit →
	// Deadline → RateLimit → Auth → API
	var handler http.Handler = apiMux
	handler = auth.Middleware(cfg.Auth, pathProtected, logger)(handler)
	handler = limiter.Middleware()(handler)
	if cfg.Server.RequestTimeout > 0 {
		handler = middleware.Deadline(cfg.Server.RequestTimeout)(handler)
	}
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, nil, bodyCfg)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// System surface: WebSockets, health, metrics, admin. These bypass the
	// middleware stack: the logging and deadline wrappers do not support
	// connection hijacking, which the WebSocket upgrade needs. The rate
	// limiter passes the original ResponseWriter through unchanged, so
	// upgrades still go through it.
	sysMux := http.NewServeMux()
	wsLimit := limiter.Middleware()
	sysMux.Handle("/ws/stream", wsLimit(http.HandlerFunc(hub.HandleStream)))
	sysMux.Handle("/ws/commands", wsLimit(http.HandlerFunc(hub.HandleCommands)))

	healthHandler := health.New(map[string]health.Probe{
		"broker": func() (string, bool) {
			st := machine.State()
			return st.String(), st == brokerconn.StateConnected
		},
		"circuit_breaker": func() (string, bool) {
			st := brk.State()
			return st.String(), st != breaker.StateOpen
		},
		"dead_letter_store": func() (string, bool) {
			if _, err := store.CountPending(); err != nil {
				return "unavailable", false
			}
			return "ok", true
		},
	}, logger)
	healthHandler.RegisterRoutes(sysMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		sysMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Register reload callbacks for components that support hot-reload
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		brk.UpdateConfig(newCfg.CircuitBreaker)
		pipe.UpdatePolicy(newCfg.Retry.Policy())
	})

	if cfg.Admin.Enabled {
		adminMux := http.NewServeMux()
		adminHandler := admin.New(reloader, store, brk, collector, pipe, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(adminMux)
		var adminH http.Handler = adminMux
		if cfg.Auth.Enabled {
			adminH = auth.Middleware(cfg.Auth, func(string) bool { return true }, logger)(adminH)
		}
		sysMux.Handle("/admin/", adminH)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") ||
			strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			sysMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		minVersion := uint16(tls.VersionTLS12)
		if cfg.Server.TLS.MinVersion == "1.3" {
			minVersion = tls.VersionTLS13
		}
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     minVersion,
		}
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting relay", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	// Drain the async queue before tearing down the broker connection.
	queue.Stop()
	cancelRun()

	logger.Info("relay stopped gracefully")
}

// buildLogger creates the JSON logger per the logging config. When output is
// a file path, the returned closer owns the rotating writer.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "stdout", "":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closer = rw
	}

	level := middleware.ParseLogLevel(cfg.Level)
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
