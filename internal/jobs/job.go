package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Job is one unit of queued work. Attempt is the 1-based attempt currently
// running; it is set by the Runner, not persisted.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

type Options struct {
	ID          string
	MaxAttempts int
	Backoff     time.Duration
}

type Option func(*Options)

func WithJobID(id string) Option { return func(o *Options) { o.ID = id } }

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Backoff = d
		}
	}
}

func NewJob(jobType string, payload any, opts ...Option) (Job, error) {
	o := Options{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return Job{
		ID:          o.ID,
		Type:        jobType,
		Payload:     b,
		MaxAttempts: o.MaxAttempts,
		BackoffMS:   o.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// LastAttempt reports whether a failure now would exhaust the job.
func (j Job) LastAttempt() bool { return j.Attempt >= j.MaxAttempts }

// BackOff is the wait policy between attempts: backoff, 2*backoff, 4*backoff, ...
func (j Job) BackOff() *backoff.ExponentialBackOff {
	base := time.Duration(j.BackoffMS) * time.Millisecond
	if base <= 0 {
		base = DefaultBackoff
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max(backoff.DefaultMaxInterval, base),
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
