package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/braydenhuang/network-threat-detector/internal/bus"
	"github.com/braydenhuang/network-threat-detector/internal/process"
)

const (
	workStream    = "NTD_WORK"
	workSubject   = "ntd.work."
	jobsBucket    = "ntd_jobs"
	claimAckWait  = 30 * time.Second
	claimAttempts = 5
)

type NATSConfig struct {
	StartDeadline time.Duration
	ResultTTL     time.Duration
}

// NATS is a Broker backed by a JetStream work-queue stream. The stream's
// MaxAge drops items nobody picked up in time; job records live in a
// key-value bucket whose TTL is the result retention.
type NATS struct {
	client *bus.Client
	js     jetstream.JetStream
	runner runner
	logger *slog.Logger
}

func NewNATS(ctx context.Context, client *bus.Client, cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if cfg.StartDeadline <= 0 {
		cfg.StartDeadline = DefaultStartDeadline
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	js := client.JetStream()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      workStream,
		Subjects:  []string{workSubject + ">"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    cfg.StartDeadline,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create work stream: %w", err)
	}

	bucket, err := client.KeyValue(ctx, bus.BucketConfig{Name: jobsBucket, TTL: cfg.ResultTTL})
	if err != nil {
		return nil, err
	}

	return &NATS{
		client: client,
		js:     js,
		runner: runner{recs: records{bucket: bucket}, now: time.Now, logger: logger},
		logger: logger,
	}, nil
}

func (b *NATS) Enqueue(ctx context.Context, queue string, task process.Task, opts EnqueueOptions) (string, error) {
	if opts.StartDeadline <= 0 {
		opts.StartDeadline = DefaultStartDeadline
	}
	id := uuid.NewString()
	job := process.NewJob(queue, id, task, b.runner.now(), opts.StartDeadline)
	if err := b.runner.recs.create(ctx, job); err != nil {
		return "", err
	}
	if _, err := b.js.Publish(ctx, workSubject+queue, []byte(id), jetstream.WithMsgID(id)); err != nil {
		if _, uerr := b.runner.recs.update(ctx, id, func(j *process.Job) error {
			process.MarkFailed(j, fmt.Errorf("enqueue: %w", err), b.runner.now())
			return nil
		}); uerr != nil {
			b.logger.Warn("mark unpublished job failed", "job_id", id, "err", uerr)
		}
		return "", fmt.Errorf("publish job: %w", err)
	}
	return id, nil
}

func (b *NATS) Job(ctx context.Context, id string) (*process.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	job, _, err := b.runner.recs.get(ctx, id)
	return job, err
}

func (b *NATS) Consume(ctx context.Context, queue string, h Handler) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, workStream, jetstream.ConsumerConfig{
		Durable:       "ntd_" + queue,
		FilterSubject: workSubject + queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       claimAckWait,
		MaxDeliver:    claimAttempts,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", queue, err)
	}

	// Running items are not cancelled on shutdown.
	runCtx := context.WithoutCancel(ctx)
	logger := b.logger.With("queue", queue)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		id := string(msg.Data())
		acked := false
		ack := func() {
			if acked {
				return
			}
			acked = true
			if err := msg.Ack(); err != nil {
				logger.Warn("ack failed", "job_id", id, "err", err)
			}
		}
		done, err := b.runner.handle(runCtx, id, func(hctx context.Context, job *process.Job) (json.RawMessage, error) {
			// Acked once claimed so the item is never redelivered mid-run.
			ack()
			return h(hctx, job)
		})
		if err != nil {
			logger.Error("claim job failed", "job_id", id, "err", err)
			_ = msg.Nak()
			return
		}
		if done {
			ack()
		}
	}, jetstream.PullMaxMessages(1), jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if !errors.Is(err, jetstream.ErrNoHeartbeat) {
			logger.Warn("consume error", "err", err)
		}
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	logger.Info("listening for jobs", "subject", workSubject+queue)

	<-ctx.Done()
	cc.Drain()
	<-cc.Closed()
	return nil
}

func (b *NATS) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return err
	}
	if _, err := b.js.Stream(ctx, workStream); err != nil {
		return fmt.Errorf("work stream: %w", err)
	}
	return nil
}
