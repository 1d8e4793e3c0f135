package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/jobs"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/metrics"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const DefaultOrderTTL = 10 * time.Minute

var tracer = otel.Tracer("github.com/ariefcatur/go-order-pipeline/internal/fulfillment")

// Store is the ledger side of fulfillment.
type Store interface {
	PlaceOrder(ctx context.Context, jobID string, c orders.Checkout, expiresAt time.Time) (orderID string, existed bool, err error)
	FailJobOrder(ctx context.Context, jobID string) (orders.Transition, bool, error)
}

type ResultWriter interface {
	Put(ctx context.Context, jobID string, r orders.Result) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Service is the single logical consumer of checkout jobs.
type Service struct {
	Store          Store
	Results        ResultWriter
	ProducerOK     Publisher // order.reserved
	ProducerReject Publisher // order.failed
	Log            *zap.Logger
	ServiceName    string
	OrderTTL       time.Duration
	Now            func() time.Time
}

// Handle commits one checkout job against the ledger and reports the outcome
// on the result channel.
//
// Business rejections (out of stock, unknown sku) are reported and settle the
// job. Infrastructure errors are returned for retry; a failure result is only
// written on the last attempt, so intake never compensates for a job that a
// later retry commits.
func (s *Service) Handle(ctx context.Context, job jobs.Job) error {
	ctx, span := tracer.Start(ctx, "fulfillment.Handle", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()
	log := s.Log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	var c orders.Checkout
	if err := job.Decode(&c); err != nil {
		return s.fail(ctx, log, job, orders.CodeInvalid, jobs.Permanent(err))
	}
	if err := c.Validate(); err != nil {
		return s.fail(ctx, log, job, orders.CodeInvalid, jobs.Permanent(err))
	}

	expiresAt := s.now().Add(s.orderTTL()).UTC()
	orderID, existed, err := s.Store.PlaceOrder(ctx, job.ID, c, expiresAt)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, orders.ErrInsufficientStock):
			_ = s.fail(ctx, log, job, orders.CodeOutOfStock, err)
			return nil
		case errors.Is(err, orders.ErrUnknownSKU):
			_ = s.fail(ctx, log, job, orders.CodeInvalid, err)
			return nil
		case job.LastAttempt():
			return s.fail(ctx, log, job, orders.CodeError, err)
		}
		log.Warn("place order failed", zap.Error(err))
		return err
	}

	if err := s.Results.Put(ctx, job.ID, orders.Succeeded(orderID)); err != nil {
		err = fmt.Errorf("write result for order %s: %w", orderID, err)
		if job.LastAttempt() {
			return s.fail(ctx, log, job, orders.CodeError, err)
		}
		return err
	}

	span.SetAttributes(attribute.String("order.id", orderID))
	metrics.FulfillmentResults.WithLabelValues("success").Inc()
	log.Info("order reserved", zap.String("order_id", orderID), zap.Bool("redelivered", existed))
	if !existed {
		s.publishReserved(job.ID, orderID, c, expiresAt)
	}
	return nil
}

// fail records a final failure: any order the job managed to create is moved
// to failed (its ledger quantities released), the failure result is written,
// and an order.failed event goes out. It returns err unchanged.
func (s *Service) fail(ctx context.Context, log *zap.Logger, job jobs.Job, code string, err error) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())

	if t, ok, ferr := s.Store.FailJobOrder(ctx, job.ID); ferr != nil {
		log.Error("mark job order failed", zap.Error(ferr))
	} else if ok {
		log.Warn("order of failed job marked failed", zap.String("order_id", t.OrderID), zap.Int("released_items", len(t.Released)))
	}

	if perr := s.Results.Put(ctx, job.ID, orders.Failed(code, err)); perr != nil {
		log.Error("write failure result", zap.Error(perr))
	}

	metrics.FulfillmentResults.WithLabelValues(code).Inc()
	log.Warn("checkout job failed", zap.String("code", code), zap.Error(err))
	s.publishFailed(job.ID, code, err)
	return err
}

func (s *Service) publishReserved(jobID, orderID string, c orders.Checkout, expiresAt time.Time) {
	if s.ProducerOK == nil {
		return
	}
	ev, err := orders.NewEnvelope(orders.EventOrderReserved, s.ServiceName, orderID, orders.OrderReservedPayload{
		OrderID:   orderID,
		JobID:     jobID,
		Items:     orders.ItemsFromDemand(c.Demand()),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.Log.Error("build reserved event", zap.Error(err))
		return
	}
	s.ProducerOK.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderReserved)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) publishFailed(jobID, code string, cause error) {
	if s.ProducerReject == nil {
		return
	}
	ev, err := orders.NewEnvelope(orders.EventOrderFailed, s.ServiceName, jobID, orders.OrderFailedPayload{
		JobID: jobID, Code: code, Reason: cause.Error(),
	})
	if err != nil {
		s.Log.Error("build failed event", zap.Error(err))
		return
	}
	s.ProducerReject.Publish(orders.PartitionKey(jobID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderFailed)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) orderTTL() time.Duration {
	if s.OrderTTL > 0 {
		return s.OrderTTL
	}
	return DefaultOrderTTL
}
