// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/braydenhuang/network-threat-detector/internal/app"
	"github.com/braydenhuang/network-threat-detector/internal/config"
	"github.com/braydenhuang/network-threat-detector/internal/gateway"
	"github.com/braydenhuang/network-threat-detector/internal/logging"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(2)
	}

	logger, err := logging.New(os.Stdout, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("build logger", "err", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.New(ctx, cfg, "ntd-worker-"+cfg.WorkerStage, logger)
	if err != nil {
		fatal(logger, "build services", err, "broker", cfg.BrokerBackend, "storage", cfg.StorageBackend)
	}
	defer c.Close()

	queue := c.QueueFor(cfg.WorkerStage)
	logger.Info("worker starting",
		"stage", cfg.WorkerStage,
		"queue", queue,
		"broker", cfg.BrokerBackend,
		"storage", cfg.StorageBackend,
		"flowmeter_command", cfg.FlowMeterCommand,
		"model_path", cfg.ModelPath,
		"write_predictions", cfg.WritePredictions,
	)

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		fatal(logger, "ensure scratch directory", err, "scratch_dir", cfg.ScratchDir)
	}

	if cfg.MetricsAddr != "" {
		srv := gateway.NewHTTPServer(cfg.MetricsAddr, c.Metrics.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener stopped", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if err := c.NewWorker().Run(ctx, c.Broker, queue); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "consume queue", err, "queue", queue)
	}
	logger.Info("worker stopped", "queue", queue)
}

// loadConfig reads the environment and lets flags override the stage
// and the metrics listener.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "Optional env file loaded before reading the environment")
	stage := fs.String("stage", "", "Stage to run: extract or infer (default $WORKER_STAGE)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (default $METRICS_ADDR)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return nil, err
	}
	if *stage != "" {
		cfg.WorkerStage = strings.ToLower(strings.TrimSpace(*stage))
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
