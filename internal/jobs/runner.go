package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/metrics"
)

type Handler func(ctx context.Context, job Job) error

// DeadLetterFunc receives jobs that exhausted their attempts or failed permanently.
type DeadLetterFunc func(ctx context.Context, job Job, cause error) error

// Runner drives one delivered job through its attempts.
type Runner struct {
	Log    *zap.Logger
	OnDead DeadLetterFunc
	// BackOff overrides the job's own wait policy.
	BackOff func(Job) backoff.BackOff
}

// Run calls h until it succeeds, returns a Permanent error, or MaxAttempts is
// reached; the last two end in OnDead. A nil return means the delivery is
// settled and may be acknowledged. A non-nil return (shutdown mid-backoff,
// dead-letter failure) leaves it for redelivery.
func (r *Runner) Run(ctx context.Context, job Job, h Handler) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.Attempt = 0
	log := r.logger().With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		job.Attempt++
		last = h(ctx, job)
		return struct{}{}, last
	},
		backoff.WithBackOff(r.backOff(job)),
		backoff.WithMaxTries(uint(job.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.JobRetries.WithLabelValues(job.Type).Inc()
			log.Warn("job attempt failed, retrying",
				zap.Int("attempt", job.Attempt), zap.Duration("backoff", d), zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	if last == nil || (!IsPermanent(last) && !job.LastAttempt()) {
		return fmt.Errorf("job %s interrupted after attempt %d: %w", job.ID, job.Attempt, err)
	}

	metrics.JobsDead.WithLabelValues(job.Type).Inc()
	log.Error("job dead",
		zap.Int("attempts", job.Attempt), zap.Bool("permanent", IsPermanent(last)), zap.Error(last))
	if r.OnDead != nil {
		if derr := r.OnDead(ctx, job, last); derr != nil {
			return fmt.Errorf("dead-letter job %s: %w", job.ID, derr)
		}
	}
	return nil
}

func (r *Runner) backOff(job Job) backoff.BackOff {
	if r.BackOff != nil {
		return r.BackOff(job)
	}
	return job.BackOff()
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}
