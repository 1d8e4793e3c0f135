// Package orderstest provides an in-memory ledger with the same transactional
// semantics as the Postgres repositories, for tests.
package orderstest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

// Ledger serializes every operation behind one mutex, which stands in for the
// row locks of the real store.
type Ledger struct {
	mu     sync.Mutex
	stock  map[orders.SKU]int
	orders map[string]*orders.Order
	byJob  map[string]string
	nextID int64

	// PlaceErr, when set, is returned by PlaceOrder before touching state.
	PlaceErr error
	// PlaceCalls counts PlaceOrder invocations.
	PlaceCalls int
}

func NewLedger(stock map[orders.SKU]int) *Ledger {
	l := &Ledger{
		stock:  map[orders.SKU]int{},
		orders: map[string]*orders.Order{},
		byJob:  map[string]string{},
	}
	for s, q := range stock {
		l.stock[s] = q
	}
	return l
}

func (l *Ledger) Stock(s orders.SKU) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[s]
}

func (l *Ledger) SetStock(s orders.SKU, q int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[s] = q
}

// Insert stores o as-is, e.g. to stage an expired order.
func (l *Ledger) Insert(o orders.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := o
	cp.Items = slices.Clone(o.Items)
	l.orders[o.ID] = &cp
}

func (l *Ledger) OrderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

func (l *Ledger) Quantities(_ context.Context, skus []orders.SKU) (map[orders.SKU]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[orders.SKU]int{}
	for _, s := range skus {
		if q, ok := l.stock[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (l *Ledger) PlaceOrder(_ context.Context, jobID string, c orders.Checkout, expiresAt time.Time) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.PlaceCalls++
	if l.PlaceErr != nil {
		return "", false, l.PlaceErr
	}
	if id, ok := l.byJob[jobID]; ok {
		return id, true, nil
	}

	demand := c.Demand()
	for _, s := range demand.SKUs() {
		q, ok := l.stock[s]
		if !ok {
			return "", false, fmt.Errorf("%w: %s", orders.ErrUnknownSKU, s)
		}
		if q < demand[s] {
			return "", false, &orders.StockError{SKU: s, Requested: demand[s], Available: q}
		}
	}

	now := time.Now()
	o := &orders.Order{
		ID:              uuid.NewString(),
		UserID:          c.UserID,
		CarrierID:       c.CarrierID,
		DiscountCode:    c.DiscountCode,
		DiscountAmount:  c.DiscountAmount(),
		OriginalPrice:   c.OriginalPrice,
		DiscountedPrice: c.DiscountedPrice,
		FinalPrice:      c.FinalPrice,
		Status:          orders.StatusPending,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, it := range c.Items {
		l.nextID++
		o.Items = append(o.Items, orders.OrderItem{
			ID: l.nextID, OrderID: o.ID, SKU: it.SKU(), Quantity: it.Quantity, Price: it.Price, Reserved: true,
		})
		l.stock[it.SKU()] -= it.Quantity
	}
	l.orders[o.ID] = o
	l.byJob[jobID] = o.ID
	return o.ID, false, nil
}

func (l *Ledger) GetOrder(_ context.Context, id string) (orders.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	cp := *o
	cp.Items = slices.Clone(o.Items)
	return cp, nil
}

func (l *Ledger) ExpiredOrders(_ context.Context, now time.Time, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []*orders.Order
	for _, o := range l.orders {
		if o.Status == orders.StatusPending && o.ExpiresAt.Before(now) {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	var out []string
	for _, o := range expired {
		if len(out) == limit {
			break
		}
		out = append(out, o.ID)
	}
	return out, nil
}

func (l *Ledger) Transition(_ context.Context, id string, to orders.Status, allowedFrom ...orders.Status) (orders.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return orders.Transition{}, orders.ErrOrderNotFound
	}
	t := orders.Transition{OrderID: id, From: o.Status, To: to}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, o.Status) {
		return t, fmt.Errorf("%w: order %s is %s", orders.ErrStatusConflict, id, o.Status)
	}
	if o.Status == to {
		return t, nil
	}
	if !orders.CanTransition(o.Status, to) {
		return t, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	if to.ReleasesStock() {
		for i := range o.Items {
			if !o.Items[i].Reserved {
				continue
			}
			l.stock[o.Items[i].SKU] += o.Items[i].Quantity
			o.Items[i].Reserved = false
			t.Released = append(t.Released, o.Items[i])
		}
	}
	return t, nil
}

func (l *Ledger) FailJobOrder(ctx context.Context, jobID string) (orders.Transition, bool, error) {
	l.mu.Lock()
	id, ok := l.byJob[jobID]
	l.mu.Unlock()
	if !ok {
		return orders.Transition{}, false, nil
	}
	t, err := l.Transition(ctx, id, orders.StatusFailed, orders.StatusPending)
	if errors.Is(err, orders.ErrStatusConflict) {
		return t, false, nil
	}
	return t, err == nil, err
}
