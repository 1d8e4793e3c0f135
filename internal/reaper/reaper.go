package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/metrics"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const DefaultBatchSize = 100

type Store interface {
	ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
	Transition(ctx context.Context, orderID string, to orders.Status, allowedFrom ...orders.Status) (orders.Transition, error)
}

type Cache interface {
	Release(ctx context.Context, demand orders.Demand) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Reaper cancels pending orders past their expiry and owns the release path
// for every status change: ledger quantities come back inside the transition,
// the cache entries after it commits.
type Reaper struct {
	Store       Store
	Cache       Cache
	Events      Publisher // order.canceled, optional
	Log         *zap.Logger
	ServiceName string
	BatchSize   int
	Now         func() time.Time
}

// Sweep cancels every order that is pending with expires_at before now and
// returns how many it canceled. Orders that change status underneath it are
// skipped. Per-order failures are collected and the sweep continues.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	limit := r.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	var (
		canceled int
		errs     []error
	)
	for ctx.Err() == nil {
		ids, err := r.Store.ExpiredOrders(ctx, now, limit)
		if err != nil {
			metrics.ReaperErrors.Inc()
			errs = append(errs, fmt.Errorf("list expired orders: %w", err))
			break
		}

		progress := 0
		for _, id := range ids {
			t, err := r.Store.Transition(ctx, id, orders.StatusCanceled, orders.StatusPending)
			if errors.Is(err, orders.ErrStatusConflict) {
				continue
			}
			if err != nil {
				metrics.ReaperErrors.Inc()
				errs = append(errs, fmt.Errorf("cancel order %s: %w", id, err))
				continue
			}
			r.released(ctx, t)
			metrics.ReaperCanceled.Inc()
			canceled++
			progress++
		}
		// A short batch is the last one; a batch with no progress would be
		// listed again unchanged.
		if len(ids) < limit || progress == 0 {
			break
		}
	}

	if canceled > 0 {
		r.logger().Info("expired orders canceled", zap.Int("count", canceled))
	}
	return canceled, errors.Join(errs...)
}

// Transition applies a status change requested from outside and releases the
// order's reserved quantities when the target status gives stock back.
func (r *Reaper) Transition(ctx context.Context, orderID string, to orders.Status) (orders.Transition, error) {
	t, err := r.Store.Transition(ctx, orderID, to)
	if err != nil {
		return t, err
	}
	r.released(ctx, t)
	return t, nil
}

func (r *Reaper) released(ctx context.Context, t orders.Transition) {
	if len(t.Released) == 0 {
		return
	}
	log := r.logger().With(zap.String("order_id", t.OrderID), zap.String("from", string(t.From)), zap.String("to", string(t.To)))

	demand := t.ReleasedDemand()
	if r.Cache != nil {
		if err := r.Cache.Release(ctx, demand); err != nil {
			log.Error("release reservation cache", zap.Error(err))
		}
	}
	log.Info("order quantities released", zap.Int("items", len(t.Released)))

	if r.Events == nil {
		return
	}
	ev, err := orders.NewEnvelope(orders.EventOrderCanceled, r.ServiceName, t.OrderID, orders.OrderCanceledPayload{
		OrderID:  t.OrderID,
		From:     t.From,
		To:       t.To,
		Released: orders.ItemsFromDemand(demand),
	})
	if err != nil {
		log.Error("build canceled event", zap.Error(err))
		return
	}
	r.Events.Publish(orders.PartitionKey(t.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCanceled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (r *Reaper) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
