// cmd/backfill/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/braydenhuang/network-threat-detector/internal/app"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/config"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/logging"
	"github.com/braydenhuang/network-threat-detector/internal/pipeline"
)

var captureExts = map[string]bool{".pcap": true, ".pcapng": true, ".cap": true}

type options struct {
	EnvFile string
	Dir     string
	Limit   int
	DryRun  bool
	Pause   time.Duration
}

type capture struct {
	Path string
	Size int64
}

type stats struct {
	Submitted int
	Unlinked  int
	Failed    int
	Bytes     int64
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.EnvFile)
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
	logger.Info("backfill starting", "dir", opts.Dir, "limit", opts.Limit, "dry_run", opts.DryRun)

	captures, err := findCaptures(opts.Dir, opts.Limit)
	if err != nil {
		fatal(logger, "scan directory", err, "dir", opts.Dir)
	}
	var total int64
	for _, c := range captures {
		total += c.Size
	}
	logger.Info("captures found", "count", len(captures), "total_size", humanize.IBytes(uint64(total)))

	if opts.DryRun {
		for _, c := range captures {
			logger.Info("would submit", "path", c.Path, "size", humanize.IBytes(uint64(c.Size)))
		}
		logger.Info("dry run complete; pass -execute to submit")
		return
	}
	if cfg.BrokerBackend == config.BackendMemory {
		fatal(logger, "refusing to backfill", errors.New("in-memory broker has no workers outside this process"))
	}

	ctx := context.Background()
	c, err := app.New(ctx, cfg, "ntd-backfill", logger)
	if err != nil {
		fatal(logger, "build services", err)
	}
	defer c.Close()

	s := submitAll(ctx, c, captures, opts.Pause, logger)
	logger.Info("backfill complete",
		"submitted", s.Submitted,
		"unlinked", s.Unlinked,
		"failed", s.Failed,
		"bytes", humanize.IBytes(uint64(s.Bytes)),
	)
	if s.Failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() options {
	opts := options{DryRun: true}
	flag.StringVar(&opts.EnvFile, "env", ".env", "Optional env file loaded before reading the environment")
	flag.StringVar(&opts.Dir, "dir", ".", "Directory scanned recursively for capture files")
	flag.IntVar(&opts.Limit, "limit", 0, "Maximum number of captures to submit (0 = unlimited)")
	flag.DurationVar(&opts.Pause, "pause", 50*time.Millisecond, "Delay between submissions")

	var execute bool
	flag.BoolVar(&execute, "execute", false, "Actually submit captures (disables dry-run)")
	flag.Parse()

	if execute {
		opts.DryRun = false
	}
	return opts
}

// findCaptures returns capture files under dir in path order.
func findCaptures(dir string, limit int) ([]capture, error) {
	var out []capture
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !captureExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, capture{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func submitAll(ctx context.Context, c *app.Container, captures []capture, pause time.Duration, logger *slog.Logger) stats {
	var s stats
	for i, cp := range captures {
		if i > 0 && pause > 0 {
			time.Sleep(pause)
		}
		log := logger.With("path", cp.Path)

		sub, err := submitOne(ctx, c.Monitor, c.Store, c.Dispatcher, cp.Path)
		var unlinked *dispatch.UnlinkedError
		switch {
		case errors.As(err, &unlinked):
			s.Unlinked++
			log.Warn("extraction queued but not linked", "job_id", sub.JobID, "err", err)
		case err != nil:
			s.Failed++
			log.Error("submit failed", "err", err)
		default:
			s.Submitted++
			s.Bytes += sub.Size
			log.Info("submitted", "assignment_id", sub.AssignmentID, "job_id", sub.JobID)
		}
	}
	return s
}

func submitOne(ctx context.Context, monitor dispatch.Prober, store blob.Store, d pipeline.Dispatcher, path string) (pipeline.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Submission{}, err
	}
	defer f.Close()

	health := monitor.Probe(ctx)
	if !health.AllGood() {
		return pipeline.Submission{}, fmt.Errorf("health gate: %w", &dispatch.UnhealthyError{Health: health})
	}
	return pipeline.Submit(ctx, store, d, health, f)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
