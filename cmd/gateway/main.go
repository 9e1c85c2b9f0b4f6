// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"

	"github.com/braydenhuang/network-threat-detector/internal/app"
	"github.com/braydenhuang/network-threat-detector/internal/config"
	"github.com/braydenhuang/network-threat-detector/internal/gateway"
	"github.com/braydenhuang/network-threat-detector/internal/logging"
	"github.com/braydenhuang/network-threat-detector/internal/pipeline"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env", ".env", "Optional env file loaded before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("build logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.New(ctx, cfg, "ntd-gateway", logger)
	if err != nil {
		fatal(logger, "build services", err, "broker", cfg.BrokerBackend, "storage", cfg.StorageBackend)
	}
	defer c.Close()
	logger.Info("gateway starting",
		"http_addr", cfg.HTTPAddr,
		"broker", cfg.BrokerBackend,
		"storage", cfg.StorageBackend,
		"extract_queue", cfg.ExtractQueue,
		"infer_queue", cfg.InferQueue,
		"embedded_workers", cfg.EmbeddedWorkers,
	)

	if c.Bus != nil {
		sub, err := pipeline.WatchEvents(c.Bus, c.Metrics, logger.With("component", "events"))
		if err != nil {
			logger.Warn("stage event subscription failed", "err", err)
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	var workers sync.WaitGroup
	if cfg.EmbeddedWorkers {
		w := c.NewWorker()
		for _, queue := range []string{cfg.ExtractQueue, cfg.InferQueue} {
			workers.Add(1)
			go func(queue string) {
				defer workers.Done()
				if err := w.Run(ctx, c.Broker, queue); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("embedded worker stopped", "queue", queue, "err", err)
				}
			}(queue)
		}
	}

	accessLog := httplog.NewLogger("ntd-gateway", httplog.Options{
		LogLevel: logging.ParseLevel(cfg.LogLevel),
		JSON:     cfg.LogFormat == "json",
		Concise:  true,
		Writer:   os.Stdout,
	})
	router := gateway.NewRouter(gateway.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
	}, gateway.Deps{
		Monitor:    c.Monitor,
		Store:      c.Store,
		Dispatcher: c.Dispatcher,
		Status:     c.Status,
		Metrics:    c.Metrics,
		Logger:     logger.With("component", "gateway"),
		AccessLog:  accessLog,
	})

	srv := gateway.NewHTTPServer(cfg.HTTPAddr, router)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "serve http", err, "addr", cfg.HTTPAddr)
	}
	workers.Wait()
	logger.Info("gateway stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
