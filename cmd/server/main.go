package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/config"
	"github.com/skypro1111/therapy-audio-service/internal/events"
	"github.com/skypro1111/therapy-audio-service/internal/metrics"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/server"
	"github.com/skypro1111/therapy-audio-service/internal/session"
	"github.com/skypro1111/therapy-audio-service/internal/settings"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
	"github.com/skypro1111/therapy-audio-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "therapy-audio-service"
	serviceVersion    = server.Version
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("target_rate", cfg.Audio.TargetRate),
		slog.String("resample_method", cfg.Audio.Method),
		slog.Bool("require_speech", cfg.Audio.RequireSpeech),
		slog.Bool("trim_silence", cfg.Audio.TrimSilence),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.Bool("analysis_enabled", cfg.Analysis.Enabled()),
		slog.String("analysis_endpoint", cfg.Analysis.Endpoint),
		slog.String("db_path", cfg.Storage.DBPath),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		logger.Error("Failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("Database opened", slog.String("path", cfg.Storage.DBPath))

	hub := events.NewHub(appMetrics)
	settingsSvc := settings.NewService(store, hub)

	detector, err := vad.NewProcessor(vad.Config{
		Threshold: cfg.VAD.Threshold,
		Window:    cfg.VAD.GetWindow(),
		Smoothing: cfg.VAD.Smoothing,
	})
	if err != nil {
		logger.Error("Failed to create VAD processor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	proc, err := pipeline.NewProcessor(pipeline.Config{
		TargetRate:    cfg.Audio.TargetRate,
		Method:        audio.Method(cfg.Audio.Method),
		RequireSpeech: cfg.Audio.RequireSpeech,
		TrimSilence:   cfg.Audio.TrimSilence,
		TrimPadding:   cfg.Audio.GetTrimPadding(),
		MaxDuration:   cfg.Audio.GetMaxDuration(),
	}, detector, logger.With(slog.String("component", "pipeline")), appMetrics)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var analyzer *analysis.Client
	sessionDeps := session.Deps{
		Pipeline: proc,
		Store:    store,
		Rates:    settingsSvc,
		Hub:      hub,
		Metrics:  appMetrics,
		Logger:   logger.With(slog.String("component", "session")),
	}
	if cfg.Analysis.Enabled() {
		analyzer, err = analysis.NewClient(analysis.Config{
			Endpoint:      cfg.Analysis.Endpoint,
			APIKey:        cfg.Analysis.APIKey,
			Timeout:       cfg.Analysis.GetTimeoutDuration(),
			MaxRetries:    cfg.Analysis.MaxRetries,
			MaxConcurrent: cfg.Analysis.MaxConcurrent,
			RetryBackoff:  cfg.Analysis.GetRetryBackoff(),
			UserAgent:     serviceName + "/" + serviceVersion,
		}, logger.With(slog.String("component", "analysis")), appMetrics)
		if err != nil {
			logger.Error("Failed to create analysis client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		sessionDeps.Analyzer = analyzer
	} else {
		logger.Warn("No analysis endpoint configured, recordings will be stored without feedback")
	}

	sessions, err := session.NewManager(session.Config{
		Timeout:         cfg.Session.GetTimeoutDuration(),
		CleanupInterval: cfg.Session.GetCleanupInterval(),
		MaxSessions:     cfg.Session.MaxSessions,
		MaxDuration:     cfg.Audio.GetMaxDuration(),
		AnalyzeTimeout:  cfg.Analysis.GetTimeoutDuration() * time.Duration(cfg.Analysis.MaxRetries+1),
	}, sessionDeps)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Duration("session_timeout", cfg.Session.GetTimeoutDuration()),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
	)

	httpServer := server.NewHTTPServer(cfg, server.Deps{
		Logger:   logger.With(slog.String("component", "http")),
		Sessions: sessions,
		Pipeline: proc,
		Store:    store,
		Settings: settingsSvc,
		Hub:      hub,
		Analyzer: analyzer,
		Metrics:  appMetrics,
		Gatherer: registry,
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	// Stop accepting requests first, then close notification streams so
	// open event sockets return.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	sessions.Stop()

	if analyzer != nil {
		stats := analyzer.GetStats()
		logger.Info("Final analysis statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("successful_requests", stats.SuccessRequests),
			slog.Float64("success_rate", stats.SuccessRate),
		)
		analyzer.Close()
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
