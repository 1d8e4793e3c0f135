package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
)

// recordedBackOff notes the job's delays but lets every retry run at once.
type recordedBackOff struct {
	policy backoff.BackOff
	sleeps []time.Duration
}

func (b *recordedBackOff) Reset() { b.policy.Reset() }

func (b *recordedBackOff) NextBackOff() time.Duration {
	b.sleeps = append(b.sleeps, b.policy.NextBackOff())
	return 0
}

func recordingRunner(r *Runner) (*Runner, *recordedBackOff) {
	rec := &recordedBackOff{}
	r.BackOff = func(j Job) backoff.BackOff {
		rec.policy = j.BackOff()
		return rec
	}
	return r, rec
}

func newTestJob(t *testing.T, opts ...Option) Job {
	t.Helper()
	job, err := NewJob("order.checkout", map[string]int{"n": 1}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestNewJobDefaults(t *testing.T) {
	job := newTestJob(t)
	if job.ID == "" || job.Type != "order.checkout" {
		t.Fatalf("job = %+v", job)
	}
	if job.MaxAttempts != 3 || job.BackoffMS != 1000 {
		t.Errorf("policy = %d attempts, %dms", job.MaxAttempts, job.BackoffMS)
	}
	var p map[string]int
	if err := job.Decode(&p); err != nil || p["n"] != 1 {
		t.Errorf("payload = %v, %v", p, err)
	}
}

func TestBackOffIsExponential(t *testing.T) {
	b := newTestJob(t).BackOff()
	b.Reset()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("wait %d = %s, want %s", i+1, got, w)
		}
	}

	b = newTestJob(t, WithBackoff(250*time.Millisecond)).BackOff()
	b.Reset()
	if got := b.NextBackOff(); got != 250*time.Millisecond {
		t.Errorf("custom base = %s", got)
	}
}

func TestRunRetriesWithBackoffThenSucceeds(t *testing.T) {
	r, rec := recordingRunner(&Runner{})
	calls := 0

	err := r.Run(context.Background(), newTestJob(t), func(_ context.Context, j Job) error {
		calls++
		if j.Attempt != calls {
			t.Errorf("attempt = %d on call %d", j.Attempt, calls)
		}
		if calls < 3 {
			return errors.New("lock timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(rec.sleeps) != 2 || rec.sleeps[0] != time.Second || rec.sleeps[1] != 2*time.Second {
		t.Errorf("sleeps = %v", rec.sleeps)
	}
}

func TestRunDeadLettersAfterMaxAttempts(t *testing.T) {
	var dead *Job
	var deadCause error
	r, rec := recordingRunner(&Runner{
		OnDead: func(_ context.Context, j Job, cause error) error {
			dead, deadCause = &j, cause
			return nil
		},
	})
	boom := errors.New("boom")
	calls := 0

	err := r.Run(context.Background(), newTestJob(t), func(context.Context, Job) error {
		calls++
		return boom
	})
	if err != nil {
		t.Fatalf("exhausted job should settle, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if dead == nil || dead.Attempt != 3 || !errors.Is(deadCause, boom) {
		t.Errorf("dead = %+v cause = %v", dead, deadCause)
	}
	if len(rec.sleeps) != 2 {
		t.Errorf("sleeps = %v, want none after the last attempt", rec.sleeps)
	}
}

func TestRunPermanentErrorSkipsRetries(t *testing.T) {
	deadCalls := 0
	r, rec := recordingRunner(&Runner{
		OnDead: func(context.Context, Job, error) error { deadCalls++; return nil },
	})
	calls := 0
	err := r.Run(context.Background(), newTestJob(t), func(context.Context, Job) error {
		calls++
		return Permanent(errors.New("out of stock"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(rec.sleeps) != 0 || deadCalls != 1 {
		t.Errorf("calls=%d sleeps=%v dead=%d", calls, rec.sleeps, deadCalls)
	}
}

func TestRunHonorsBackoffPermanentFromHandlers(t *testing.T) {
	var cause error
	r, rec := recordingRunner(&Runner{
		OnDead: func(_ context.Context, _ Job, err error) error { cause = err; return nil },
	})
	invalid := errors.New("bad payload")
	calls := 0
	err := r.Run(context.Background(), newTestJob(t), func(context.Context, Job) error {
		calls++
		return fmt.Errorf("decode: %w", backoff.Permanent(invalid))
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(rec.sleeps) != 0 || !errors.Is(cause, invalid) || !IsPermanent(cause) {
		t.Errorf("calls=%d sleeps=%v cause=%v", calls, rec.sleeps, cause)
	}
}

func TestRunInterruptedBackoffLeavesJobUnsettled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	deadCalls := 0
	r := &Runner{OnDead: func(context.Context, Job, error) error { deadCalls++; return nil }}
	calls := 0
	err := r.Run(ctx, newTestJob(t), func(context.Context, Job) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error so the offset is not committed")
	}
	if calls != 1 || deadCalls != 0 {
		t.Errorf("calls=%d dead=%d", calls, deadCalls)
	}
}

func TestRunWaitsRealBackoffBetweenAttempts(t *testing.T) {
	r := &Runner{}
	calls := 0
	start := time.Now()
	err := r.Run(context.Background(), newTestJob(t, WithBackoff(5*time.Millisecond)), func(context.Context, Job) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Run = %v after %d calls", err, calls)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %s, want at least 5ms+10ms of backoff", elapsed)
	}
}

func TestRunDeadLetterFailureIsReturned(t *testing.T) {
	r := &Runner{
		OnDead: func(context.Context, Job, error) error { return errors.New("broker down") },
	}
	err := r.Run(context.Background(), newTestJob(t, WithMaxAttempts(1)), func(context.Context, Job) error {
		return errors.New("x")
	})
	if err == nil {
		t.Fatal("expected dead-letter failure to surface")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("base")
	if !IsPermanent(Permanent(base)) || !errors.Is(Permanent(base), base) {
		t.Error("Permanent should wrap and be detectable")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Error("plain errors are not permanent")
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	job := newTestJob(t, WithJobID("job-42"))
	m, err := encodeMessage(context.Background(), TopicFor(job.Type), job)
	if err != nil {
		t.Fatal(err)
	}
	if m.Topic != "jobs.order.checkout" || string(m.Key) != "job-42" {
		t.Errorf("message topic=%s key=%s", m.Topic, m.Key)
	}
	if kafkax.Header(m.Headers, HeaderJobType) != "order.checkout" {
		t.Errorf("headers = %v", m.Headers)
	}

	_, got, err := decodeMessage(context.Background(), m)
	if err != nil || got.ID != "job-42" || got.MaxAttempts != 3 {
		t.Errorf("decoded %+v, %v", got, err)
	}

	if _, _, err := decodeMessage(context.Background(), kafka.Message{Value: []byte(`{"payload":{}}`)}); err == nil {
		t.Error("job without id should not decode")
	}
}
