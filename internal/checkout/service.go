package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/jobs"
	"github.com/ariefcatur/go-order-pipeline/internal/metrics"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 10
)

var (
	ErrTimeout          = errors.New("no fulfillment result within timeout")
	ErrProcessingFailed = errors.New("order processing failed")
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-pipeline/internal/checkout")

// FulfillmentError is a failure reported by the worker through the result
// channel. It matches ErrProcessingFailed, and ErrInsufficientStock when the
// ledger rejected the quantities.
type FulfillmentError struct {
	JobID   string
	Code    string
	Message string
}

func (e *FulfillmentError) Error() string {
	return fmt.Sprintf("order processing failed: %s", e.Message)
}

func (e *FulfillmentError) Is(target error) bool {
	switch target {
	case ErrProcessingFailed:
		return true
	case orders.ErrInsufficientStock:
		return e.Code == orders.CodeOutOfStock
	}
	return false
}

type StockCache interface {
	Missing(ctx context.Context, skus []orders.SKU) ([]orders.SKU, error)
	Seed(ctx context.Context, qty map[orders.SKU]int) error
	Reserve(ctx context.Context, demand orders.Demand) error
	Release(ctx context.Context, demand orders.Demand) error
}

type Ledger interface {
	Quantities(ctx context.Context, skus []orders.SKU) (map[orders.SKU]int, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...jobs.Option) (string, error)
}

type Results interface {
	Get(ctx context.Context, jobID string) (orders.Result, bool, error)
}

type Outcome struct {
	OrderID string
	JobID   string
}

type SubmitOptions struct {
	IdempotencyKey string
}

type SubmitOption func(*SubmitOptions)

// WithIdempotencyKey makes repeated submissions of the same key by the same
// user resolve to one job, and so to at most one order.
func WithIdempotencyKey(key string) SubmitOption {
	return func(o *SubmitOptions) { o.IdempotencyKey = key }
}

var idempotencySpace = uuid.MustParse("6f1c2a8e-3b0d-4c55-9a6e-2d7f1e4b8c90")

// IdempotentJobID derives the job id for key, scoped to the submitting user.
func IdempotentJobID(userID *string, key string) string {
	var uid string
	if userID != nil {
		uid = *userID
	}
	return uuid.NewSHA1(idempotencySpace, []byte(uid+"\x00"+key)).String()
}

// Service is order intake: validation, fast admission against the
// reservation cache, hand-off to the work queue and a bounded wait for the
// worker's result.
type Service struct {
	Cache   StockCache
	Ledger  Ledger
	Queue   Enqueuer
	Results Results
	Log     *zap.Logger

	PollInterval time.Duration
	PollAttempts int
	JobOptions   []jobs.Option
}

// Submit admits c and waits for fulfillment. Any cache decrement it applied is
// compensated when the job fails, cannot be enqueued, or produces no result
// in time. A timed-out job keeps running; if it later commits, the cache
// reads higher than the ledger until the order is released or the entry is
// reseeded. A repeated idempotency key whose first run already has a result
// is answered from that result.
func (s *Service) Submit(ctx context.Context, c orders.Checkout, opts ...SubmitOption) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "checkout.Submit", trace.WithAttributes(attribute.Int("checkout.items", len(c.Items))))
	defer span.End()

	if err := c.Validate(); err != nil {
		metrics.CheckoutOutcomes.WithLabelValues("invalid").Inc()
		return Outcome{}, err
	}

	var so SubmitOptions
	for _, fn := range opts {
		fn(&so)
	}
	jobOpts := s.JobOptions
	if so.IdempotencyKey != "" {
		jobID := IdempotentJobID(c.UserID, so.IdempotencyKey)
		if out, ok, err := s.replay(ctx, jobID); ok {
			return out, err
		}
		jobOpts = append(append([]jobs.Option(nil), s.JobOptions...), jobs.WithJobID(jobID))
	}

	demand := c.Demand()
	if err := s.seed(ctx, demand.SKUs()); err != nil {
		s.count(err)
		return Outcome{}, err
	}
	if err := s.Cache.Reserve(ctx, demand); err != nil {
		s.count(err)
		return Outcome{}, err
	}

	jobID, err := s.Queue.Enqueue(ctx, orders.JobCheckout, c, jobOpts...)
	if err != nil {
		s.compensate(ctx, demand, "")
		metrics.CheckoutOutcomes.WithLabelValues("error").Inc()
		return Outcome{}, fmt.Errorf("enqueue checkout: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	log := s.Log.With(zap.String("job_id", jobID))

	res, err := s.await(ctx, jobID)
	if err != nil {
		s.compensate(ctx, demand, jobID)
		metrics.CheckoutOutcomes.WithLabelValues("timeout").Inc()
		log.Warn("checkout result timed out, job continues in background", zap.Error(err))
		return Outcome{JobID: jobID}, err
	}
	if !res.Success {
		s.compensate(ctx, demand, jobID)
		ferr := &FulfillmentError{JobID: jobID, Code: res.Code, Message: res.Error}
		s.count(ferr)
		log.Info("checkout rejected by fulfillment", zap.String("code", res.Code), zap.String("reason", res.Error))
		return Outcome{JobID: jobID}, ferr
	}

	metrics.CheckoutOutcomes.WithLabelValues("accepted").Inc()
	log.Info("checkout accepted", zap.String("order_id", res.OrderID))
	return Outcome{OrderID: res.OrderID, JobID: jobID}, nil
}

// seed fills absent cache entries from the ledger (read-through).
func (s *Service) seed(ctx context.Context, skus []orders.SKU) error {
	missing, err := s.Cache.Missing(ctx, skus)
	if err != nil {
		return fmt.Errorf("read reservation cache: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	qty, err := s.Ledger.Quantities(ctx, missing)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	for _, sku := range missing {
		if _, ok := qty[sku]; !ok {
			return fmt.Errorf("%w: %s", orders.ErrUnknownSKU, sku)
		}
	}
	if err := s.Cache.Seed(ctx, qty); err != nil {
		return fmt.Errorf("seed reservation cache: %w", err)
	}
	return nil
}

// await polls the result channel. A missing result means "not ready yet";
// read errors are logged and the poll goes on.
// replay answers a repeated idempotent submission from the result its first
// run left behind, without touching the cache again.
func (s *Service) replay(ctx context.Context, jobID string) (Outcome, bool, error) {
	res, found, err := s.Results.Get(ctx, jobID)
	if err != nil {
		s.Log.Warn("lookup earlier result", zap.String("job_id", jobID), zap.Error(err))
		return Outcome{}, false, nil
	}
	if !found {
		return Outcome{}, false, nil
	}
	metrics.CheckoutOutcomes.WithLabelValues("replayed").Inc()
	s.Log.Info("checkout replayed", zap.String("job_id", jobID), zap.Bool("success", res.Success))
	if !res.Success {
		return Outcome{JobID: jobID}, true, &FulfillmentError{JobID: jobID, Code: res.Code, Message: res.Error}
	}
	return Outcome{OrderID: res.OrderID, JobID: jobID}, true, nil
}

func (s *Service) await(ctx context.Context, jobID string) (orders.Result, error) {
	start := time.Now()
	defer func() { metrics.CheckoutWait.Observe(time.Since(start).Seconds()) }()

	interval, attempts := s.PollInterval, s.PollAttempts
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return orders.Result{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
		r, found, err := s.Results.Get(ctx, jobID)
		if err != nil {
			s.Log.Warn("poll result", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if found {
			return r, nil
		}
	}
	return orders.Result{}, ErrTimeout
}

// compensate gives the fast reservation back. It runs detached from the
// caller's context so a disconnected client still gets its decrement undone.
func (s *Service) compensate(ctx context.Context, demand orders.Demand, jobID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Cache.Release(ctx, demand); err != nil {
		s.Log.Error("compensate reservation cache", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.CacheCompensations.Inc()
}

func (s *Service) count(err error) {
	var outcome string
	switch {
	case errors.Is(err, orders.ErrInsufficientStock):
		outcome = "out_of_stock"
	case errors.Is(err, orders.ErrUnknownSKU):
		outcome = "invalid"
	case errors.Is(err, orders.ErrInventoryData):
		outcome = "inventory_error"
	case errors.Is(err, ErrProcessingFailed):
		outcome = "failed"
	default:
		outcome = "error"
	}
	metrics.CheckoutOutcomes.WithLabelValues(outcome).Inc()
}
