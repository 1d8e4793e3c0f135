package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/jobs"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/orders/orderstest"
)

var sku = orders.SKU{ProductID: 10, SizeID: 1, ColorID: 2}

type memResults struct {
	mu  sync.Mutex
	m   map[string]orders.Result
	err error
}

func (r *memResults) Put(_ context.Context, jobID string, res orders.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.m == nil {
		r.m = map[string]orders.Result{}
	}
	r.m[jobID] = res
	return nil
}

func (r *memResults) get(jobID string) (orders.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.m[jobID]
	return res, ok
}

type capture struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (c *capture) Publish(key, value []byte, headers ...kafkago.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
}

func checkout(qty int) orders.Checkout {
	return orders.Checkout{
		CarrierID: 1, OriginalPrice: 3000, DiscountedPrice: 2500, FinalPrice: 2700,
		Items: []orders.CheckoutItem{{ProductID: sku.ProductID, SizeID: sku.SizeID, ColorID: sku.ColorID, Quantity: qty, Price: 1000}},
	}
}

func checkoutJob(t *testing.T, c any, attempt int) jobs.Job {
	t.Helper()
	job, err := jobs.NewJob(orders.JobCheckout, c)
	if err != nil {
		t.Fatal(err)
	}
	job.Attempt = attempt
	return job
}

func newService(l *orderstest.Ledger, res *memResults) (*Service, *capture, *capture) {
	ok, rej := &capture{}, &capture{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Service{
		Store:          l,
		Results:        res,
		ProducerOK:     ok,
		ProducerReject: rej,
		Log:            zap.NewNop(),
		ServiceName:    "test",
		Now:            func() time.Time { return now },
	}, ok, rej
}

func TestHandleReservesAndReportsSuccess(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 5})
	res := &memResults{}
	svc, ok, _ := newService(l, res)
	job := checkoutJob(t, checkout(3), 1)

	if err := svc.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if got := l.Stock(sku); got != 2 {
		t.Errorf("ledger = %d, want 2", got)
	}
	r, found := res.get(job.ID)
	if !found || !r.Success || r.OrderID == "" {
		t.Fatalf("result = %+v, %v", r, found)
	}
	o, err := l.GetOrder(context.Background(), r.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusPending || !o.ExpiresAt.Equal(svc.Now().Add(10*time.Minute)) {
		t.Errorf("order status=%s expires=%s", o.Status, o.ExpiresAt)
	}
	if o.DiscountAmount != 500 || len(o.Items) != 1 || !o.Items[0].Reserved {
		t.Errorf("order = %+v", o)
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("reserved events = %d", len(ok.msgs))
	}
	var env orders.Envelope
	if err := json.Unmarshal(ok.msgs[0].Value, &env); err != nil || env.EventType != orders.EventOrderReserved || env.CorrelationID != r.OrderID {
		t.Errorf("event = %+v, %v", env, err)
	}
}

func TestHandleReservedEventCarriesStoredExpiry(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 5})
	res := &memResults{}
	svc, ok, _ := newService(l, res)
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	job := checkoutJob(t, checkout(1), 1)

	if err := svc.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	r, _ := res.get(job.ID)
	o, err := l.GetOrder(context.Background(), r.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("reserved events = %d", len(ok.msgs))
	}
	var env orders.Envelope
	if err := json.Unmarshal(ok.msgs[0].Value, &env); err != nil {
		t.Fatal(err)
	}
	p, err := kafkax.UnwrapPayload[orders.OrderReservedPayload](env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !p.ExpiresAt.Equal(o.ExpiresAt) {
		t.Errorf("event expires_at = %s, stored = %s", p.ExpiresAt, o.ExpiresAt)
	}
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 5})
	res := &memResults{}
	svc, ok, _ := newService(l, res)
	job := checkoutJob(t, checkout(3), 1)

	if err := svc.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	first, _ := res.get(job.ID)
	if err := svc.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	second, _ := res.get(job.ID)

	if l.Stock(sku) != 2 || l.OrderCount() != 1 {
		t.Errorf("redelivery changed ledger: stock=%d orders=%d", l.Stock(sku), l.OrderCount())
	}
	if first.OrderID != second.OrderID {
		t.Errorf("order ids differ: %s vs %s", first.OrderID, second.OrderID)
	}
	if len(ok.msgs) != 1 {
		t.Errorf("redelivery republished reserved event")
	}
}

func TestHandleOutOfStockReportsFailure(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 1})
	res := &memResults{}
	svc, _, rej := newService(l, res)
	job := checkoutJob(t, checkout(2), 1)

	if err := svc.Handle(context.Background(), job); err != nil {
		t.Fatalf("out of stock should settle the job, got %v", err)
	}
	r, found := res.get(job.ID)
	if !found || r.Success || r.Code != orders.CodeOutOfStock || r.Error == "" {
		t.Fatalf("result = %+v", r)
	}
	if l.Stock(sku) != 1 || l.OrderCount() != 0 {
		t.Errorf("rejected job mutated ledger")
	}
	if len(rej.msgs) != 1 {
		t.Errorf("failed events = %d", len(rej.msgs))
	}
}

func TestHandleTransientErrorRetriesWithoutResult(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 5})
	l.PlaceErr = errors.New("lock timeout")
	res := &memResults{}
	svc, _, _ := newService(l, res)
	job := checkoutJob(t, checkout(1), 1)

	err := svc.Handle(context.Background(), job)
	if err == nil || jobs.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}
	if _, found := res.get(job.ID); found {
		t.Error("result written before the last attempt")
	}

	job.Attempt = job.MaxAttempts
	if err := svc.Handle(context.Background(), job); err == nil {
		t.Fatal("last attempt should still fail")
	}
	r, found := res.get(job.ID)
	if !found || r.Success || r.Code != orders.CodeError {
		t.Errorf("final result = %+v", r)
	}
}

func TestHandleResultWriteFailureOnLastAttemptFailsOrder(t *testing.T) {
	l := orderstest.NewLedger(map[orders.SKU]int{sku: 5})
	res := &memResults{err: errors.New("redis down")}
	svc, _, _ := newService(l, res)
	job := checkoutJob(t, checkout(2), 3)

	if err := svc.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	if got := l.Stock(sku); got != 5 {
		t.Errorf("ledger = %d, want 5 after failing the unreported order", got)
	}
}

func TestHandleUndecodablePayloadIsPermanent(t *testing.T) {
	l := orderstest.NewLedger(nil)
	res := &memResults{}
	svc, _, _ := newService(l, res)
	job := checkoutJob(t, map[string]any{"carrier_id": "x"}, 1)

	err := svc.Handle(context.Background(), job)
	if !jobs.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if r, _ := res.get(job.ID); r.Code != orders.CodeInvalid {
		t.Errorf("result = %+v", r)
	}
}
