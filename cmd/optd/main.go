package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hxopt/optimization-core/internal/engine"
	"github.com/hxopt/optimization-core/internal/observability"
	"github.com/hxopt/optimization-core/internal/optd"
	"github.com/hxopt/optimization-core/internal/store"
	"github.com/hxopt/optimization-core/pkg/config"
	"github.com/hxopt/optimization-core/pkg/logger"
)

func main() {
	var configPath string
	var httpAddr string
	var logLevel string
	var scenarioPaths []string

	flag.StringVar(&configPath, "config", "", "engine config YAML path")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
	flag.Func("scenario", "scenario YAML to register at boot (repeatable)", func(path string) error {
		scenarioPaths = append(scenarioPaths, path)
		return nil
	})
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			logger.Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger.SetDefault(logger.NewText(cfg.LogLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobStore, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to open job store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer jobStore.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	eng := engine.New(cfg, jobStore, metrics)
	for _, path := range scenarioPaths {
		scenario, err := config.LoadScenario(path)
		if err != nil {
			logger.Error("failed to load scenario", "path", path, "error", err)
			os.Exit(1)
		}
		if err := eng.RegisterScenario(scenario); err != nil {
			logger.Error("failed to register scenario", "path", path, "error", err)
			os.Exit(1)
		}
	}
	if err := eng.StartRetention(); err != nil {
		logger.Error("failed to start retention", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", optd.NewHTTPServer(eng, cfg.Submission).Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}
