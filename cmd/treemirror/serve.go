package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"treemirror/internal/api"
	"treemirror/internal/logging"
	"treemirror/internal/metrics"
	"treemirror/internal/roots"
	"treemirror/internal/session"
	"treemirror/internal/watcher"

	"golang.org/x/time/rate"
)

const httpServerShutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, cfg Config, deps commandDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLoggerWithOptions(logging.Options{
		Buffer:   logBuffer,
		MinLevel: cfg.LogLevel,
		Output:   deps.Stdout,
		Format:   cfg.LogFormat,
	}).With(map[string]string{"treemirror.source": "backend"})
	logConfigSources(logger, cfg)

	guard, err := roots.Load(cfg.Roots)
	if err != nil {
		return fmt.Errorf("validate roots: %w", err)
	}
	ignore, err := session.NewIgnore(cfg.Ignore)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source, err := watcher.NewWithOptions(watcher.Options{
		Logger:     logger,
		MaxWatches: cfg.MaxWatches,
		ErrorHandler: func(err error) {
			logger.Error("watcher failed permanently", map[string]string{"error": err.Error()})
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	registry := &metrics.Registry{}
	registry.RegisterGauge("treemirror_kernel_watches", "Kernel watches held by the watcher", func() int64 {
		return int64(source.Metrics().ActiveWatches)
	})

	server := api.NewServer(api.Options{
		Roots:          guard,
		Source:         source,
		Logger:         logger,
		Metrics:        registry,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Ignore:         ignore,
		ReportDenied:   cfg.ReportDenied,
		MessageRate:    rate.Limit(cfg.MessageRate),
		MessageBurst:   cfg.MessageBurst,
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, server, api.RouteOptions{StaticDir: cfg.StaticDir, LogBuffer: logBuffer})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if deps.Signals != nil {
		signals, stopSignals := deps.Signals()
		defer stopSignals()
		stopWatching := watchShutdownSignals(logger, cancel, signals)
		defer stopWatching()
	}

	coordinator := newShutdownCoordinator(logger)
	coordinator.Add("http", httpServer.Shutdown)
	coordinator.Add("sessions", server.Shutdown)
	coordinator.Add("watcher", func(context.Context) error { return source.Close() })

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	logger.Info("treemirror listening", map[string]string{
		"addr":   listener.Addr().String(),
		"roots":  strings.Join(guard.Roots(), ","),
		"ignore": strings.Join(ignore.Patterns(), ","),
	})
	if deps.Ready != nil {
		deps.Ready(listener.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server stopped: %w", err)
		}
	}

	shutdownContext, shutdownCancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
	defer shutdownCancel()
	return errors.Join(runErr, coordinator.Run(shutdownContext))
}

func logConfigSources(logger *logging.Logger, cfg Config) {
	fields := make(map[string]string, len(cfg.Sources)+2)
	for key, source := range cfg.Sources {
		fields["source."+key] = string(source)
	}
	fields["roots"] = strconv.Itoa(len(cfg.Roots))
	if cfg.ConfigFile != "" {
		fields["config_file"] = cfg.ConfigFile
	}
	logger.Debug("configuration loaded", fields)
}
