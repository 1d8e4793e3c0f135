package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
)

const (
	HeaderJobType  = "x-job-type"
	HeaderError    = "x-error"
	HeaderAttempts = "x-attempts"
)

func TopicFor(jobType string) string { return "jobs." + jobType }

func DeadTopicFor(jobType string) string { return TopicFor(jobType) + ".dead" }

// Queue is the Kafka-backed work queue. Enqueue returns only after the job is
// acknowledged by all in-sync replicas; consumers commit offsets after the
// Runner settles a job, so delivery is at-least-once.
type Queue struct {
	brokers []string
	group   string
	workers int
	writer  *kafka.Writer
	log     *zap.Logger
}

func NewQueue(brokers []string, group string, workers int, log *zap.Logger) *Queue {
	return &Queue{
		brokers: brokers,
		group:   group,
		workers: workers,
		writer:  kafkax.NewSyncWriter(brokers),
		log:     log,
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (string, error) {
	job, err := NewJob(jobType, payload, opts...)
	if err != nil {
		return "", err
	}
	msg, err := encodeMessage(ctx, TopicFor(jobType), job)
	if err != nil {
		return "", err
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job.ID, nil
}

// Consume blocks, feeding jobs of jobType to h until ctx is done.
func (q *Queue) Consume(ctx context.Context, jobType string, h Handler) error {
	c := kafkax.NewConsumer(q.brokers, q.group, TopicFor(jobType), q.workers, q.log)
	runner := &Runner{Log: q.log, OnDead: q.deadLetter}
	q.log.Info("job consumer started", zap.String("topic", c.Topic()), zap.String("group", q.group), zap.Int("workers", q.workers))

	return c.Start(ctx, func(ctx context.Context, m kafka.Message) error {
		jctx, job, err := decodeMessage(ctx, m)
		if err != nil {
			q.log.Error("undecodable job, dead-lettering", zap.ByteString("key", m.Key), zap.Error(err))
			return q.writeDead(ctx, jobType, m.Key, m.Value, m.Headers, err, 0)
		}
		return runner.Run(jctx, job, h)
	})
}

func (q *Queue) Close() error { return q.writer.Close() }

func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.writeDead(ctx, job.Type, []byte(job.ID), b, nil, cause, job.Attempt)
}

func (q *Queue) writeDead(ctx context.Context, jobType string, key, value []byte, headers []kafka.Header, cause error, attempts int) error {
	carrier := kafkax.HeaderCarrier(append([]kafka.Header(nil), headers...))
	carrier.Set(HeaderJobType, jobType)
	carrier.Set(HeaderError, cause.Error())
	carrier.Set(HeaderAttempts, strconv.Itoa(attempts))
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   DeadTopicFor(jobType),
		Key:     key,
		Value:   value,
		Headers: carrier,
	})
}

func encodeMessage(ctx context.Context, topic string, job Job) (kafka.Message, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, err
	}
	carrier := kafkax.HeaderCarrier{{Key: HeaderJobType, Value: []byte(job.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(job.ID),
		Value:   b,
		Headers: carrier,
	}, nil
}

func decodeMessage(ctx context.Context, m kafka.Message) (context.Context, Job, error) {
	var job Job
	if err := json.Unmarshal(m.Value, &job); err != nil {
		return ctx, Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" || job.Type == "" {
		return ctx, Job{}, fmt.Errorf("decode job: missing id or type")
	}
	carrier := kafkax.HeaderCarrier(m.Headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier), job, nil
}
