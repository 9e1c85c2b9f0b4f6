// Package app builds the shared services of every process once, from
// configuration, so commands only decide what to run.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/braydenhuang/network-threat-detector/internal/assignment"
	"github.com/braydenhuang/network-threat-detector/internal/blob"
	"github.com/braydenhuang/network-threat-detector/internal/broker"
	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/classifier"
	"github.com/braydenhuang/network-threat-detector/internal/config"
	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/flowmeter"
	"github.com/braydenhuang/network-threat-detector/internal/health"
	"github.com/braydenhuang/network-threat-detector/internal/metrics"
	"github.com/braydenhuang/network-threat-detector/internal/pipeline"
	"github.com/braydenhuang/network-threat-detector/internal/status"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const assignmentsBucket = "ntd_assignments"

// Container holds the services shared by the gateway, workers and tools.
type Container struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Broker      broker.Broker
	Store       blob.Store
	Assignments *assignment.Store
	Monitor     *health.Monitor
	Dispatcher  *dispatch.Dispatcher
	Status      *status.Projector

	// Bus is nil when the in-memory broker is used.
	Bus *bus.Client
}

// New connects to the configured backends. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: metrics.New()}

	if err := c.openBroker(ctx, name); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openStore(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Monitor = health.NewMonitor(c.Broker, c.Store)
	c.Dispatcher = dispatch.New(c.Monitor, c.Broker, c.Assignments, c.Queues(),
		dispatch.WithMetrics(c.Metrics),
		dispatch.WithLogger(logger.With("component", "dispatch")),
	)
	c.Status = status.NewProjector(c.Broker, c.Assignments)
	return c, nil
}

func (c *Container) openBroker(ctx context.Context, name string) error {
	switch c.Config.BrokerBackend {
	case config.BackendMemory:
		c.Broker = broker.NewMemory(broker.DefaultResultTTL, c.Logger.With("component", "broker"))
		c.Assignments = assignment.NewStore(bus.NewMemoryBucket(assignment.TTL))
		c.Logger.Warn("using in-memory broker; work items only reach workers in this process")
		return nil
	}

	client, err := bus.Connect(c.Config.NATS.URL, bus.Options{
		Name:     name,
		User:     c.Config.NATS.User,
		Password: c.Config.NATS.Password,
		Token:    c.Config.NATS.Token,
	})
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", c.Config.NATS.URL, err)
	}
	c.Bus = client

	b, err := broker.NewNATS(ctx, client, broker.NATSConfig{}, c.Logger.With("component", "broker"))
	if err != nil {
		return err
	}
	c.Broker = b

	kv, err := client.KeyValue(ctx, bus.BucketConfig{Name: assignmentsBucket, TTL: assignment.TTL})
	if err != nil {
		return err
	}
	c.Assignments = assignment.NewStore(kv)
	return nil
}

func (c *Container) openStore(ctx context.Context) error {
	if c.Config.StorageBackend == config.BackendMemory {
		c.Store = blob.NewMemory()
		return nil
	}

	s3cfg := c.Config.S3
	store, err := blob.NewS3(ctx, blob.S3Config{
		Bucket:          s3cfg.Bucket,
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
		UsePathStyle:    s3cfg.Endpoint != "",
	})
	if err != nil {
		return err
	}
	c.Store = store

	// A store that is down at startup is reported by the health gate rather
	// than stopping the process.
	if err := store.EnsureBucket(ctx); err != nil {
		c.Logger.Warn("object store bucket not ready", "bucket", s3cfg.Bucket, "err", err)
		return nil
	}
	if err := store.ExpirePrefix(ctx, blob.UploadsPrefix, blob.UploadRetentionDays); err != nil {
		c.Logger.Warn("upload retention rule not installed", "prefix", blob.UploadsPrefix, "err", err)
	}
	return nil
}

// Queues maps each stage to the queue it runs on.
func (c *Container) Queues() map[string]string {
	return map[string]string{
		schema.StageExtraction: c.Config.ExtractQueue,
		schema.StageInference:  c.Config.InferQueue,
	}
}

// QueueFor returns the queue consumed by a worker of the given stage.
func (c *Container) QueueFor(stage string) string {
	if stage == config.StageInfer {
		return c.Config.InferQueue
	}
	return c.Config.ExtractQueue
}

// NewWorker builds a stage worker on the shared services.
func (c *Container) NewWorker() *pipeline.Worker {
	deps := pipeline.Deps{
		Monitor:     c.Monitor,
		Store:       c.Store,
		Assignments: c.Assignments,
		Dispatcher:  c.Dispatcher,
		FlowMeter:   flowmeter.NewCICFlowMeter(c.Config.FlowMeterCommand, c.Config.FlowMeterDir),
		Bundles:     classifier.NewLoader(c.Config.ModelPath, c.Logger.With("component", "classifier")),
		Metrics:     c.Metrics,
		Logger:      c.Logger.With("component", "worker"),
	}
	if c.Bus != nil {
		deps.Events = c.Bus
	}
	return pipeline.NewWorker(pipeline.Config{
		ScratchDir:       c.Config.ScratchDir,
		WritePredictions: c.Config.WritePredictions,
	}, deps)
}

func (c *Container) Close() {
	if c != nil && c.Bus != nil {
		c.Bus.Close()
	}
}
